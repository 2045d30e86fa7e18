// Command pulsemeter watches a meter's pulse LED and logs one line per
// detected blink.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pulsemeter/internal/api"
	"github.com/banshee-data/pulsemeter/internal/db"
	"github.com/banshee-data/pulsemeter/internal/detector"
	"github.com/banshee-data/pulsemeter/internal/eventlog"
	"github.com/banshee-data/pulsemeter/internal/monitor"
	"github.com/banshee-data/pulsemeter/internal/relay"
	"github.com/banshee-data/pulsemeter/internal/rpc"
	"github.com/banshee-data/pulsemeter/internal/settings"
	"github.com/banshee-data/pulsemeter/internal/source"
	"github.com/banshee-data/pulsemeter/internal/timeutil"
	"github.com/banshee-data/pulsemeter/internal/version"
)

var (
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen     = flag.String("grpc-listen", "", "gRPC listen address (disabled when empty)")
	settingsFile   = flag.String("settings", "", "Detection settings TOML file (defaults when empty)")
	logFile        = flag.String("log-file", "detections.log", "Append-only detection log")
	dumpFile       = flag.String("dump-file", "frame.dump", "Raw frame dump location")
	dbFile         = flag.String("db", "", "SQLite detection index (disabled when empty)")
	sourceKind     = flag.String("source", "synthetic", "Frame source: synthetic or replay")
	replayFile     = flag.String("replay-file", "", "Dump file to replay with -source=replay")
	fps            = flag.Float64("fps", 15, "Frame rate")
	width          = flag.Int("width", 640, "Synthetic frame width")
	height         = flag.Int("height", 480, "Synthetic frame height")
	layout         = flag.String("layout", "planar", "Synthetic plane layout: planar, padded, semiplanar or wide")
	blinkPeriod    = flag.Duration("blink-period", 2*time.Second, "Synthetic blink period")
	blinkOn        = flag.Duration("blink-on", 300*time.Millisecond, "Synthetic blink on time")
	relayPort      = flag.String("relay-port", "", "Serial port receiving one record per detection (disabled when empty)")
	relayBaud      = flag.Int("relay-baud", 9600, "Relay serial baud rate")
	impulsesPerKWh = flag.Float64("impulses-per-kwh", 0, "Meter constant for the energy chart (0 hides energy)")
	debug          = flag.Bool("debug", false, "Mount the /debug/ admin pages")
	versionFlag    = flag.Bool("version", false, "Print version and exit")
)

// config is the resolved command line.
type config struct {
	Listen         string
	GRPCListen     string
	SettingsFile   string
	LogFile        string
	DumpFile       string
	DBFile         string
	Source         source.Config
	RelayPort      string
	RelayOptions   relay.PortOptions
	ImpulsesPerKWh float64
	Debug          bool

	clock timeutil.Clock
	// onListen is called once both servers are bound.
	onListen func(httpAddr, grpcAddr net.Addr)
}

func configFromFlags() (config, error) {
	l, err := source.ParseLayout(*layout)
	if err != nil {
		return config{}, err
	}
	if *listen == "" {
		return config{}, errors.New("listen address is required")
	}
	return config{
		Listen:       *listen,
		GRPCListen:   *grpcListen,
		SettingsFile: *settingsFile,
		LogFile:      *logFile,
		DumpFile:     *dumpFile,
		DBFile:       *dbFile,
		Source: source.Config{
			Kind:        *sourceKind,
			FPS:         *fps,
			Width:       *width,
			Height:      *height,
			Layout:      l,
			BlinkPeriod: *blinkPeriod,
			BlinkOn:     *blinkOn,
			ReplayFile:  *replayFile,
		},
		RelayPort:      *relayPort,
		RelayOptions:   relay.PortOptions{BaudRate: *relayBaud},
		ImpulsesPerKWh: *impulsesPerKWh,
		Debug:          *debug,
	}, nil
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		return
	}

	switch flag.Arg(0) {
	case "migrate":
		if *dbFile == "" {
			log.Fatal("migrate requires -db")
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbFile, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	case "request-dump":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := requestDump(ctx, daemonURL(*listen), flag.Arg(1), os.Stdout); err != nil {
			log.Fatalf("request-dump: %v", err)
		}
		return
	case "":
	default:
		usage()
		os.Exit(2)
	}

	cfg, err := configFromFlags()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("pulsemeter stopped: %v", err)
		var fe *detector.FatalError
		if errors.As(err, &fe) && fe.Err != nil {
			log.Printf("cause: %v", fe.Err)
		}
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: pulsemeter [flags] [command]

Commands:
  (none)                 Run the detector
  migrate <action>       Manage the -db schema (see 'migrate help')
  request-dump [file]    Ask the daemon on -listen for a raw frame dump

Flags:
`)
	flag.PrintDefaults()
}

// run starts every component and blocks until ctx ends or detection stops
// with an error.
func run(ctx context.Context, cfg config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log.Printf("[main] starting %s", version.String())

	if cfg.clock == nil {
		cfg.clock = timeutil.RealClock{}
	}

	var provider settings.Provider = settings.Static(settings.Defaults())
	if cfg.SettingsFile != "" {
		provider = settings.NewFileProvider(cfg.SettingsFile)
	}
	if _, err := provider.Load(); err != nil {
		log.Printf("[main] warning: %v; frames are skipped until the settings are fixed", err)
	}

	events, err := eventlog.Open(cfg.LogFile)
	if err != nil {
		return err
	}
	defer events.Close()

	det := detector.New(detector.Config{
		Settings: provider,
		Events:   events,
		DumpPath: cfg.DumpFile,
		Clock:    cfg.clock,
	})

	mon := monitor.New(monitor.DefaultCapacity)
	det.AddSink(mon)

	var database *db.DB
	if cfg.DBFile != "" {
		database, err = db.NewDB(cfg.DBFile)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if logged, err := eventlog.ReadFile(cfg.LogFile); err != nil {
			log.Printf("[db] skipping backfill: %v", err)
		} else if n, err := database.Backfill(logged); err != nil {
			log.Printf("[db] backfill failed: %v", err)
		} else if n > 0 {
			log.Printf("[db] backfilled %d detections from %s", n, cfg.LogFile)
		}

		session, err := database.StartSession(cfg.clock.Now(), cfg.Source.Kind, version.Version)
		if err != nil {
			return err
		}
		det.AddSink(db.NewRecorder(database, session))
	}

	var rly *relay.Relay
	if cfg.RelayPort != "" {
		rly, err = relay.Open(cfg.RelayPort, cfg.RelayOptions)
		if err != nil {
			return err
		}
		defer rly.Close()
		det.AddSink(rly)
	}

	cfg.Source.Clock = cfg.clock
	cfg.Source.Settings = provider
	src, err := source.Open(cfg.Source)
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		Detector:       det,
		DB:             database,
		Monitor:        mon,
		EventLogPath:   cfg.LogFile,
		ImpulsesPerKWh: cfg.ImpulsesPerKWh,
	}
	if rly != nil {
		apiCfg.Relay = rly
	}
	apiServer := api.NewServer(apiCfg)
	mux := apiServer.ServeMux()
	if cfg.Debug {
		apiServer.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
	}

	httpLis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	var grpcLis net.Listener
	var rpcServer *rpc.Server
	if cfg.GRPCListen != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCListen, err)
		}
		rpcServer = rpc.NewServer(det, rpc.Config{})
	}
	if cfg.onListen != nil {
		var grpcAddr net.Addr
		if grpcLis != nil {
			grpcAddr = grpcLis.Addr()
		}
		cfg.onListen(httpLis.Addr(), grpcAddr)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	if rly != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rly.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[relay] stopped: %v", err)
			}
		}()
	}

	// frame routine: stops everything when the source ends or fails
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		err := src.Run(ctx, det.HandleFrame)
		if err == nil || errors.Is(err, context.Canceled) {
			log.Print("[main] frame source stopped")
			return
		}
		if _, fatal := detector.IsFatal(err); fatal && rpcServer != nil {
			rpcServer.SetServing(false)
		}
		errc <- err
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveCtx, stopServe := context.WithCancel(context.Background())
		defer stopServe()
		server := &http.Server{
			Handler:     api.LoggingMiddleware(mux),
			BaseContext: func(net.Listener) context.Context { return serveCtx },
		}
		go func() {
			log.Printf("[api] listening on %s", httpLis.Addr())
			if err := server.Serve(httpLis); err != nil && err != http.ErrServerClosed {
				errc <- fmt.Errorf("http server: %w", err)
				cancel()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		// End streaming handlers so Shutdown can drain.
		stopServe()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	if rpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := rpcServer.Serve(grpcLis); err != nil {
					log.Printf("[rpc] server error: %v", err)
				}
			}()
			<-ctx.Done()
			stopped := make(chan struct{})
			go func() {
				rpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				rpcServer.Stop()
			}
			log.Printf("gRPC server routine stopped")
		}()
	}

	wg.Wait()
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/pulsemeter/internal/api"
	"github.com/banshee-data/pulsemeter/internal/dump"
	"github.com/banshee-data/pulsemeter/internal/eventlog"
	"github.com/banshee-data/pulsemeter/internal/httputil"
	"github.com/banshee-data/pulsemeter/internal/rpc"
	"github.com/banshee-data/pulsemeter/internal/source"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestFlagDefaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		want string
	}{
		{"listen", ":8080"},
		{"grpc-listen", ""},
		{"log-file", "detections.log"},
		{"dump-file", "frame.dump"},
		{"source", "synthetic"},
		{"fps", "15"},
		{"layout", "planar"},
		{"blink-period", "2s"},
		{"blink-on", "300ms"},
		{"relay-baud", "9600"},
		{"debug", "false"},
	} {
		f := flag.Lookup(tc.name)
		if f == nil {
			t.Errorf("flag -%s not defined", tc.name)
			continue
		}
		if f.DefValue != tc.want {
			t.Errorf("-%s default = %q, want %q", tc.name, f.DefValue, tc.want)
		}
	}
}

func TestConfigFromFlags(t *testing.T) {
	cfg, err := configFromFlags()
	require.NoError(t, err)
	assert.Equal(t, source.LayoutPlanar, cfg.Source.Layout)
	assert.Equal(t, 9600, cfg.RelayOptions.BaudRate)

	old := *layout
	t.Cleanup(func() { *layout = old })
	*layout = "diagonal"
	_, err = configFromFlags()
	assert.Error(t, err)
}

func TestDaemonURL(t *testing.T) {
	for in, want := range map[string]string{
		":8080":                 "http://localhost:8080",
		"0.0.0.0:9000":          "http://localhost:9000",
		"192.168.1.5:8080":      "http://192.168.1.5:8080",
		"http://meter.lan:80/":  "http://meter.lan:80",
		"[::]:8080":             "http://localhost:8080",
		"meter.lan":             "http://meter.lan",
	} {
		assert.Equal(t, want, daemonURL(in), in)
	}
}

func testConfig(t *testing.T) config {
	t.Helper()
	dir := t.TempDir()
	return config{
		Listen:     "127.0.0.1:0",
		GRPCListen: "127.0.0.1:0",
		LogFile:    filepath.Join(dir, "detections.log"),
		DumpFile:   filepath.Join(dir, "frame.dump"),
		DBFile:     filepath.Join(dir, "pulsemeter.db"),
		Source: source.Config{
			Kind:        "synthetic",
			FPS:         50,
			Width:       64,
			Height:      48,
			Layout:      source.LayoutPlanar,
			BlinkPeriod: time.Second,
			BlinkOn:     300 * time.Millisecond,
		},
		Debug: true,
	}
}

// startRun runs the daemon in the background and returns its addresses and
// a function that stops it and returns the result of run.
func startRun(t *testing.T, cfg config) (httpAddr, grpcAddr string, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan [2]string, 1)
	cfg.onListen = func(h, g net.Addr) {
		var gs string
		if g != nil {
			gs = g.String()
		}
		addrs <- [2]string{h.String(), gs}
	}
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	select {
	case a := <-addrs:
		httpAddr, grpcAddr = a[0], a[1]
	case err := <-done:
		cancel()
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timed out waiting for listeners")
	}

	var stopped bool
	var result error
	stop = func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("run did not return after cancel")
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return httpAddr, grpcAddr, stop
}

func TestRunDetectsSyntheticBlinks(t *testing.T) {
	cfg := testConfig(t)
	httpAddr, grpcAddr, stop := startRun(t, cfg)
	base := "http://" + httpAddr

	require.Eventually(t, func() bool {
		events, err := eventlog.ReadFile(cfg.LogFile)
		return err == nil && len(events) > 0
	}, 5*time.Second, 50*time.Millisecond, "no detection logged")

	client := httputil.NewClient(base, http.DefaultClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var status api.StatusResponse
	require.NoError(t, client.GetJSON(ctx, "/api/status", &status))
	assert.Greater(t, status.Detector.Frames, int64(0))
	assert.GreaterOrEqual(t, status.Detector.Detections, int64(1))

	var events api.EventsResponse
	require.Eventually(t, func() bool {
		return client.GetJSON(ctx, "/api/events", &events) == nil && len(events.Detections) > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "index", events.Source)

	// Observe one frame over gRPC.
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	recv, err := rpc.Observe(ctx, conn, false)
	require.NoError(t, err)
	msg, err := recv()
	require.NoError(t, err)
	assert.True(t, msg.GetFields()["valid"].GetBoolValue())

	// End the stream so the gRPC server drains without waiting out its bound.
	cancel()
	conn.Close()
	require.NoError(t, stop())
}

func TestRequestDump(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPCListen = ""
	cfg.DBFile = ""
	httpAddr, _, stop := startRun(t, cfg)

	out := filepath.Join(t.TempDir(), "copy.dump")
	var stdout bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, requestDump(ctx, daemonURL(httpAddr), out, &stdout))
	assert.Contains(t, stdout.String(), "saved")

	d, err := dump.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 64, d.Width)
	assert.Equal(t, 48, d.Height)

	require.NoError(t, stop())
}

func TestRequestDumpDaemonDown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = requestDump(ctx, "http://"+addr, "", io.Discard)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not reachable"), err.Error())
}

func TestRunStartupErrors(t *testing.T) {
	t.Run("unwritable log", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LogFile = filepath.Join(t.TempDir(), "missing", "detections.log")
		assert.Error(t, run(context.Background(), cfg))
	})
	t.Run("missing replay", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Source.Kind = "replay"
		cfg.Source.ReplayFile = filepath.Join(t.TempDir(), "nope.dump")
		assert.Error(t, run(context.Background(), cfg))
	})
	t.Run("bad listen address", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Listen = "256.0.0.1:bad"
		assert.Error(t, run(context.Background(), cfg))
	})
}

func TestRunEndsWithReplay(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPCListen = ""
	cfg.DBFile = ""

	// Capture a dump from a short synthetic run, then replay it.
	httpAddr, _, stop := startRun(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, requestDump(ctx, daemonURL(httpAddr), "", io.Discard))
	require.NoError(t, stop())

	replay := testConfig(t)
	replay.GRPCListen = ""
	replay.DBFile = ""
	replay.Source = source.Config{Kind: "replay", FPS: 100, ReplayFile: cfg.DumpFile, Loops: 5}
	replay.DumpFile = filepath.Join(t.TempDir(), "replay.dump")

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), replay) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("replay run did not finish")
	}
}

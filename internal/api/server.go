// Package api serves the HTTP control and observation surface of the
// detector.
package api

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pulsemeter/internal/db"
	"github.com/banshee-data/pulsemeter/internal/detector"
	"github.com/banshee-data/pulsemeter/internal/monitor"
	"github.com/banshee-data/pulsemeter/internal/relay"
	"github.com/banshee-data/pulsemeter/internal/settings"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Detector is the part of *detector.Detector the API drives.
type Detector interface {
	Status() detector.Status
	Settings() (settings.Snapshot, error)
	RequestDump()
	DumpPath() string
	Register(detector.Observer) string
	Unregister(id string) bool
}

// RelayStats reports serial relay counters.
type RelayStats interface {
	Stats() relay.Stats
}

// Config wires the collaborators of a Server. Only Detector is required.
type Config struct {
	Detector Detector
	// DB serves /api/events and the hourly chart when set; otherwise events
	// come from the detection log.
	DB           *db.DB
	Monitor      *monitor.Monitor
	Relay        RelayStats
	EventLogPath string
	// ImpulsesPerKWh converts detections to energy on the hourly chart.
	ImpulsesPerKWh float64
	// PreviewTimeout bounds the wait for a frame (default: 5s).
	PreviewTimeout time.Duration
	// ThumbnailSize is the longest side of websocket thumbnails (default: 320).
	ThumbnailSize int
}

type Server struct {
	cfg     Config
	det     Detector
	started time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.PreviewTimeout <= 0 {
		cfg.PreviewTimeout = 5 * time.Second
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 320
	}
	return &Server{cfg: cfg, det: cfg.Detector, started: time.Now()}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/events/log", s.handleEventLog)
	mux.HandleFunc("/api/dump", s.handleDump)
	mux.HandleFunc("/api/preview.png", s.handlePreview)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/charts/fill.png", s.handleFillChart)
	mux.HandleFunc("/api/charts/detections", s.handleDetectionChart)
	return mux
}

// AttachAdminRoutes adds detector entries to the /debug/ page on mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Frames", func() any { return s.det.Status().Frames })
	debug.KVFunc("Detections", func() any { return s.det.Status().Detections })
	debug.KVFunc("Armed", func() any { return s.det.Status().Armed })
	debug.HandleFunc("dump", "Request a raw dump of the next frame", func(w http.ResponseWriter, r *http.Request) {
		s.det.RequestDump()
		fmt.Fprintf(w, "Dump requested; the next frame will be written to %s\n", s.det.DumpPath())
	})
}

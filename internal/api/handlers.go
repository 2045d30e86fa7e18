package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/banshee-data/pulsemeter/internal/db"
	"github.com/banshee-data/pulsemeter/internal/detector"
	"github.com/banshee-data/pulsemeter/internal/eventlog"
	"github.com/banshee-data/pulsemeter/internal/httputil"
	"github.com/banshee-data/pulsemeter/internal/monitor"
	"github.com/banshee-data/pulsemeter/internal/preview"
	"github.com/banshee-data/pulsemeter/internal/relay"
	"github.com/banshee-data/pulsemeter/internal/settings"
	"github.com/banshee-data/pulsemeter/internal/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version       string          `json:"version"`
	GitSHA        string          `json:"git_sha"`
	BuildTime     string          `json:"build_time"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	EventLog      string          `json:"event_log,omitempty"`
	Detector      detector.Status `json:"detector"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{
		Version:       version.Version,
		GitSHA:        version.GitSHA,
		BuildTime:     version.BuildTime,
		UptimeSeconds: time.Since(s.started).Seconds(),
		EventLog:      s.cfg.EventLogPath,
		Detector:      s.det.Status(),
	})
}

// SettingsResponse carries either the current settings or why they are
// rejected.
type SettingsResponse struct {
	Valid    bool               `json:"valid"`
	Settings *settings.Snapshot `json:"settings,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	snap, err := s.det.Settings()
	if err != nil {
		httputil.WriteJSONOK(w, SettingsResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSONOK(w, SettingsResponse{Valid: true, Settings: &snap})
}

// parseTime accepts Unix seconds or RFC 3339.
func parseTime(v string) (time.Time, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, v)
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Source     string         `json:"source"`
	Detections []db.Detection `json:"detections"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	since := time.Unix(0, 0)
	var until time.Time
	limit := 500
	if v := q.Get("since"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'since': %v", err))
			return
		}
		since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'until': %v", err))
			return
		}
		until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "'limit' must be a positive integer")
			return
		}
		limit = n
	}

	if s.cfg.DB != nil {
		ds, err := s.cfg.DB.Detections(since, until, limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if ds == nil {
			ds = []db.Detection{}
		}
		httputil.WriteJSONOK(w, EventsResponse{Source: "index", Detections: ds})
		return
	}

	if s.cfg.EventLogPath == "" {
		httputil.ServiceUnavailable(w, "no detection store configured")
		return
	}
	events, err := eventlog.ReadFile(s.cfg.EventLogPath)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	ds := []db.Detection{}
	for _, ev := range slices.Backward(events) {
		t := ev.Time()
		if t.Before(since) || (!until.IsZero() && !t.Before(until)) {
			continue
		}
		ds = append(ds, db.Detection{Time: t})
		if len(ds) == limit {
			break
		}
	}
	httputil.WriteJSONOK(w, EventsResponse{Source: "log", Detections: ds})
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.cfg.EventLogPath == "" {
		httputil.NotFound(w, "no detection log configured")
		return
	}
	if _, err := os.Stat(s.cfg.EventLogPath); errors.Is(err, os.ErrNotExist) {
		httputil.NotFound(w, "no detections logged yet")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, s.cfg.EventLogPath)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.det.RequestDump()
		httputil.Accepted(w, map[string]string{
			"status": "dump requested",
			"path":   s.det.DumpPath(),
		})
	case http.MethodGet:
		path := s.det.DumpPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			httputil.NotFound(w, "no dump written yet")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=frame.dump")
		http.ServeFile(w, r, path)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// nextFrame waits for the next notification or the preview timeout.
func (s *Server) nextFrame(ctx context.Context) (detector.Notification, error) {
	ch := detector.NewChanObserver(1)
	id := s.det.Register(ch)
	defer s.det.Unregister(id)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PreviewTimeout)
	defer cancel()
	select {
	case n := <-ch.C():
		return n, nil
	case <-ctx.Done():
		return detector.Notification{}, ctx.Err()
	}
}

// previewImage draws the annotated preview of n, scaled down to maxSide when
// positive.
func previewImage(n detector.Notification, maxSide int) image.Image {
	img := image.Image(preview.Render(n.Image, preview.Overlay{
		Rotation:     n.Settings.CameraRotation,
		WindowOffset: n.Settings.WindowOffset,
		WindowHeight: n.Settings.WindowHeight,
		Fill:         n.Fill,
		FPS:          n.FPS,
		Triggered:    n.Triggered,
	}))
	if maxSide > 0 {
		img = preview.Thumbnail(img, maxSide)
	}
	return img
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	maxSide := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "'max' must be a non-negative integer")
			return
		}
		maxSide = n
	}

	n, err := s.nextFrame(r.Context())
	if err != nil {
		httputil.ServiceUnavailable(w, "no frame received")
		return
	}
	if !n.Valid {
		httputil.ServiceUnavailable(w, "detection settings are invalid")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := preview.EncodePNG(w, previewImage(n, maxSide)); err != nil {
		httputil.InternalServerError(w, err.Error())
	}
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Summary *monitor.Summary `json:"summary,omitempty"`
	Relay   *relay.Stats     `json:"relay,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	var resp StatsResponse
	if s.cfg.Monitor != nil {
		if sum, err := s.cfg.Monitor.Summary(); err == nil {
			resp.Summary = &sum
		}
	}
	if s.cfg.Relay != nil {
		st := s.cfg.Relay.Stats()
		resp.Relay = &st
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleFillChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.cfg.Monitor == nil {
		httputil.ServiceUnavailable(w, "monitor disabled")
		return
	}
	snap, err := s.det.Settings()
	if err != nil {
		snap = settings.Defaults()
	}
	samples := s.cfg.Monitor.Samples()
	if len(samples) == 0 {
		httputil.NotFound(w, monitor.ErrNoSamples.Error())
		return
	}
	th := monitor.Thresholds{Fill: snap.TriggerFillThreshold, Reset: snap.TriggerFillResetThreshold}
	var buf bytes.Buffer
	if err := monitor.PlotFill(&buf, samples, th); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleDetectionChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.cfg.DB == nil {
		httputil.ServiceUnavailable(w, "detection index disabled")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "'hours' must be a positive integer")
			return
		}
		hours = n
	}
	now := time.Now()
	counts, err := s.cfg.DB.HourlyCounts(now.Add(-time.Duration(hours)*time.Hour), now.Add(time.Hour))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := monitor.RenderDetectionChart(&buf, counts, s.cfg.ImpulsesPerKWh); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

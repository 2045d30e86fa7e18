package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsemeter/internal/db"
	"github.com/banshee-data/pulsemeter/internal/detector"
	"github.com/banshee-data/pulsemeter/internal/monitor"
	"github.com/banshee-data/pulsemeter/internal/relay"
	"github.com/banshee-data/pulsemeter/internal/settings"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeDetector struct {
	*detector.Registry
	status      detector.Status
	settings    settings.Snapshot
	settingsErr error
	dumpPath    string
	dumps       atomic.Int32
}

func newFakeDetector(t *testing.T) *fakeDetector {
	return &fakeDetector{
		Registry: detector.NewRegistry(),
		settings: settings.Defaults(),
		dumpPath: filepath.Join(t.TempDir(), "frame.dump"),
		status:   detector.Status{Frames: 12, Detections: 3, LastFill: 55},
	}
}

func (f *fakeDetector) Status() detector.Status { return f.status }
func (f *fakeDetector) Settings() (settings.Snapshot, error) {
	return f.settings, f.settingsErr
}
func (f *fakeDetector) RequestDump()     { f.dumps.Add(1) }
func (f *fakeDetector) DumpPath() string { return f.dumpPath }

// notifyWhenObserved delivers n once a handler has registered.
func (f *fakeDetector) notifyWhenObserved(t *testing.T, n detector.Notification) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for f.Len() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		f.Notify(n)
	}()
}

func validNotification() detector.Notification {
	snap := settings.Defaults()
	return detector.Notification{
		Time:      time.UnixMilli(1_700_000_000_500),
		Valid:     true,
		Image:     image.NewGray(image.Rect(0, 0, 64, 48)),
		Fill:      75,
		Triggered: true,
		FPS:       30,
		Window:    image.Rect(0, 19, 64, 28),
		Settings:  snap,
	}
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestStatus(t *testing.T) {
	det := newFakeDetector(t)
	s := NewServer(Config{Detector: det, EventLogPath: "/var/log/detections"})

	w := serve(t, s, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var got StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "dev", got.Version)
	assert.Equal(t, "/var/log/detections", got.EventLog)
	assert.Equal(t, int64(12), got.Detector.Frames)
	assert.Equal(t, 55, got.Detector.LastFill)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, s, http.MethodPost, "/api/status").Code)
}

func TestSettings(t *testing.T) {
	det := newFakeDetector(t)
	s := NewServer(Config{Detector: det})

	var got SettingsResponse
	require.NoError(t, json.NewDecoder(serve(t, s, http.MethodGet, "/api/settings").Body).Decode(&got))
	want := settings.Defaults()
	if diff := cmp.Diff(SettingsResponse{Valid: true, Settings: &want}, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	det.settingsErr = errors.New("window_height out of range")
	got = SettingsResponse{}
	require.NoError(t, json.NewDecoder(serve(t, s, http.MethodGet, "/api/settings").Body).Decode(&got))
	assert.False(t, got.Valid)
	assert.Nil(t, got.Settings)
	assert.Equal(t, "window_height out of range", got.Error)
}

func TestEventsFromIndex(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()
	for _, sec := range []int64{100, 200, 300} {
		_, err := database.RecordDetection(db.Detection{Time: time.Unix(sec, 0), Fill: 50})
		require.NoError(t, err)
	}
	s := NewServer(Config{Detector: newFakeDetector(t), DB: database})

	w := serve(t, s, http.MethodGet, "/api/events?since=150&until=1970-01-01T00:05:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	var got EventsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "index", got.Source)
	require.Len(t, got.Detections, 1)
	assert.Equal(t, int64(200), got.Detections[0].Time.Unix())

	for _, q := range []string{"since=yesterday", "until=x", "limit=0", "limit=-2"} {
		assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/api/events?"+q).Code, q)
	}
}

func TestEventsFromLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detections.log")
	require.NoError(t, os.WriteFile(path, []byte("100\n200\n300\n"), 0o644))
	s := NewServer(Config{Detector: newFakeDetector(t), EventLogPath: path})

	var got EventsResponse
	require.NoError(t, json.NewDecoder(serve(t, s, http.MethodGet, "/api/events?limit=2").Body).Decode(&got))
	assert.Equal(t, "log", got.Source)
	require.Len(t, got.Detections, 2)
	// Newest first.
	assert.Equal(t, int64(300), got.Detections[0].Time.Unix())
	assert.Equal(t, int64(200), got.Detections[1].Time.Unix())

	w := serve(t, s, http.MethodGet, "/api/events/log")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100\n200\n300\n", w.Body.String())

	none := NewServer(Config{Detector: newFakeDetector(t)})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, none, http.MethodGet, "/api/events").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, none, http.MethodGet, "/api/events/log").Code)

	missing := NewServer(Config{Detector: newFakeDetector(t), EventLogPath: path + ".missing"})
	assert.Equal(t, http.StatusNotFound, serve(t, missing, http.MethodGet, "/api/events/log").Code)
}

func TestDump(t *testing.T) {
	det := newFakeDetector(t)
	s := NewServer(Config{Detector: det})

	assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/api/dump").Code)

	w := serve(t, s, http.MethodPost, "/api/dump")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "dump requested")
	serve(t, s, http.MethodPost, "/api/dump")
	assert.EqualValues(t, 2, det.dumps.Load())

	require.NoError(t, os.WriteFile(det.dumpPath, []byte("raw"), 0o644))
	w = serve(t, s, http.MethodGet, "/api/dump")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "raw", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "frame.dump")

	w = serve(t, s, http.MethodDelete, "/api/dump")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Allow"))
}

func TestPreview(t *testing.T) {
	det := newFakeDetector(t)
	s := NewServer(Config{Detector: det})

	det.notifyWhenObserved(t, validNotification())
	w := serve(t, s, http.MethodGet, "/api/preview.png")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	assert.Equal(t, 0, det.Len(), "preview observer must be released")

	det.notifyWhenObserved(t, validNotification())
	w = serve(t, s, http.MethodGet, "/api/preview.png?max=32")
	require.Equal(t, http.StatusOK, w.Code)
	img, err = png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	det.notifyWhenObserved(t, detector.Notification{Time: time.Now()})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, http.MethodGet, "/api/preview.png").Code)

	assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/api/preview.png?max=big").Code)
}

func TestPreviewTimeout(t *testing.T) {
	s := NewServer(Config{Detector: newFakeDetector(t), PreviewTimeout: 10 * time.Millisecond})
	w := serve(t, s, http.MethodGet, "/api/preview.png")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no frame received")
}

func TestStream(t *testing.T) {
	det := newFakeDetector(t)
	srv := httptest.NewServer(LoggingMiddleware(NewServer(Config{Detector: det}).ServeMux()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	det.notifyWhenObserved(t, validNotification())
	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	require.NotEmpty(t, data)
	assert.Equal(t, "detection", event)

	var got FrameEvent
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	want := FrameEvent{
		UnixMillis: 1_700_000_000_500,
		Valid:      true,
		Fill:       75,
		Triggered:  true,
		FPS:        30,
		Window:     [4]int{0, 19, 64, 28},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocket(t *testing.T) {
	det := newFakeDetector(t)
	srv := httptest.NewServer(LoggingMiddleware(NewServer(Config{Detector: det, ThumbnailSize: 16}).ServeMux()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws?thumb=1", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	det.notifyWhenObserved(t, validNotification())

	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var ev FrameEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, 75, ev.Fill)

	kind, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	img, err := png.Decode(bytes.NewReader(msg))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	conn.Close()
	require.Eventually(t, func() bool { return det.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

type fixedRelay relay.Stats

func (f fixedRelay) Stats() relay.Stats { return relay.Stats(f) }

func TestStatsAndCharts(t *testing.T) {
	det := newFakeDetector(t)
	mon := monitor.New(16)
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()
	_, err = database.RecordDetection(db.Detection{Time: time.Now(), Fill: 90})
	require.NoError(t, err)

	s := NewServer(Config{
		Detector:       det,
		Monitor:        mon,
		DB:             database,
		Relay:          fixedRelay{Sent: 4},
		ImpulsesPerKWh: 1000,
	})

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(serve(t, s, http.MethodGet, "/api/stats").Body).Decode(&stats))
	assert.Nil(t, stats.Summary)
	require.NotNil(t, stats.Relay)
	assert.EqualValues(t, 4, stats.Relay.Sent)

	assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/api/charts/fill.png").Code)

	start := time.Unix(1_700_000_000, 0)
	for i, fill := range []int{0, 50, 100, 20} {
		mon.Sample(detector.Sample{Time: start.Add(time.Duration(i) * time.Second), Fill: fill, FPS: 1, Triggered: fill == 100})
	}
	stats = StatsResponse{}
	require.NoError(t, json.NewDecoder(serve(t, s, http.MethodGet, "/api/stats").Body).Decode(&stats))
	require.NotNil(t, stats.Summary)
	assert.Equal(t, 4, stats.Summary.Samples)
	assert.Equal(t, 1, stats.Summary.Detections)

	w := serve(t, s, http.MethodGet, "/api/charts/fill.png")
	require.Equal(t, http.StatusOK, w.Code)
	_, err = png.Decode(w.Body)
	require.NoError(t, err)

	w = serve(t, s, http.MethodGet, "/api/charts/detections?hours=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Detections per hour")
	assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/api/charts/detections?hours=0").Code)

	bare := NewServer(Config{Detector: det})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, bare, http.MethodGet, "/api/charts/fill.png").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, bare, http.MethodGet, "/api/charts/detections").Code)
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	assert.Equal(t, "\033[1;32m200\033[0m", statusCodeColor(200))
	assert.Equal(t, "\033[33m304\033[0m", statusCodeColor(304))
	assert.Equal(t, "\033[1;31m503\033[0m", statusCodeColor(503))
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestAttachAdminRoutes(t *testing.T) {
	det := newFakeDetector(t)
	mux := http.NewServeMux()
	NewServer(Config{Detector: det}).AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/dump", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), det.dumpPath)
	assert.EqualValues(t, 1, det.dumps.Load())
}

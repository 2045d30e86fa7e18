package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/pulsemeter/internal/detector"
	"github.com/banshee-data/pulsemeter/internal/httputil"
	"github.com/banshee-data/pulsemeter/internal/preview"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	streamBuffer   = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is served on the local network only.
		return true
	},
}

// FrameEvent is the per-frame message of the SSE and websocket streams.
type FrameEvent struct {
	UnixMillis int64   `json:"unix_millis"`
	Valid      bool    `json:"valid"`
	Fill       int     `json:"fill"`
	Triggered  bool    `json:"triggered"`
	FPS        float64 `json:"fps"`
	Window     [4]int  `json:"window"`
	Rotation   int     `json:"rotation"`
}

// NewFrameEvent summarises n without its image.
func NewFrameEvent(n detector.Notification) FrameEvent {
	ev := FrameEvent{UnixMillis: n.Time.UnixMilli(), Valid: n.Valid}
	if n.Valid {
		ev.Fill = n.Fill
		ev.Triggered = n.Triggered
		ev.FPS = n.FPS
		ev.Window = [4]int{n.Window.Min.X, n.Window.Min.Y, n.Window.Max.X, n.Window.Max.Y}
		ev.Rotation = n.Settings.CameraRotation
	}
	return ev
}

// handleStream sends one Server-Sent Event per frame. With ?detections=1
// only frames that fired are sent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	onlyDetections := r.URL.Query().Get("detections") == "1"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	ch := detector.NewChanObserver(streamBuffer)
	id := s.det.Register(ch)
	defer s.det.Unregister(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case n := <-ch.C():
			if onlyDetections && !n.Triggered {
				continue
			}
			payload, err := json.Marshal(NewFrameEvent(n))
			if err != nil {
				return
			}
			event := "frame"
			if n.Triggered {
				event = "detection"
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleWebSocket streams FrameEvent text messages and, every ?thumb=N valid
// frames (default 10, 0 disables), a binary PNG thumbnail of the preview.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	thumbEvery := 10
	if v := r.URL.Query().Get("thumb"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "'thumb' must be a non-negative integer")
			return
		}
		thumbEvery = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := detector.NewChanObserver(streamBuffer)
	id := s.det.Register(ch)
	defer s.det.Unregister(id)
	log.Printf("[api] websocket %s connected from %s", id, r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		readPump(conn)
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	valid := 0
	for {
		select {
		case <-closed:
			log.Printf("[api] websocket %s closed (%d dropped)", id, ch.Dropped())
			return
		case <-r.Context().Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n := <-ch.C():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(NewFrameEvent(n)); err != nil {
				return
			}
			if !n.Valid || thumbEvery == 0 {
				continue
			}
			if valid%thumbEvery == 0 {
				var buf bytes.Buffer
				if err := preview.EncodePNG(&buf, previewImage(n, s.cfg.ThumbnailSize)); err != nil {
					log.Printf("[api] thumbnail: %v", err)
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
					return
				}
			}
			valid++
		}
	}
}

// readPump discards client messages and returns when the connection closes.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[api] websocket read error: %v", err)
			}
			return
		}
	}
}

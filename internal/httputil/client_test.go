package httputil

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]int{"frames": 7})
	})
	mux.HandleFunc("/api/dump", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			Accepted(w, map[string]string{"status": "requested"})
		case http.MethodGet:
			w.Write([]byte("dumpdata"))
		}
	})
	mux.HandleFunc("/api/missing", func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "no such thing")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	var status map[string]int
	if err := c.GetJSON(ctx, "/api/status", &status); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if status["frames"] != 7 {
		t.Errorf("frames = %d, want 7", status["frames"])
	}

	var posted map[string]string
	if err := c.PostJSON(ctx, "/api/dump", &posted); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if posted["status"] != "requested" {
		t.Errorf("status = %q", posted["status"])
	}
	if err := c.PostJSON(ctx, "/api/dump", nil); err != nil {
		t.Fatalf("PostJSON(nil): %v", err)
	}

	var buf bytes.Buffer
	n, err := c.Download(ctx, "/api/dump", &buf)
	if err != nil || n != 8 || buf.String() != "dumpdata" {
		t.Errorf("Download = %d, %v, %q", n, err, buf.String())
	}

	err = c.GetJSON(ctx, "/api/missing", &status)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Msg != "no such thing" {
		t.Errorf("StatusError = %+v", se)
	}
	if se.Error() != "http 404: no such thing" {
		t.Errorf("Error() = %q", se.Error())
	}
}

type failingDoer struct{ err error }

func (f failingDoer) Do(*http.Request) (*http.Response, error) { return nil, f.err }

func TestClientTransportError(t *testing.T) {
	boom := errors.New("refused")
	c := NewClient("http://daemon", failingDoer{boom})
	if err := c.PostJSON(context.Background(), "/api/dump", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestClientUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.UserAgent()
		WriteJSONOK(w, map[string]string{})
	}))
	defer srv.Close()

	var v map[string]string
	if err := NewClient(srv.URL, nil).GetJSON(context.Background(), "/", &v); err != nil {
		t.Fatal(err)
	}
	if got != "pulsemeter/dev" {
		t.Errorf("User-Agent = %q, want pulsemeter/dev", got)
	}
}

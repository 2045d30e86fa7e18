package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/pulsemeter/internal/api"
	"github.com/banshee-data/pulsemeter/internal/httputil"
)

// dumpPollInterval is how often request-dump checks whether the frame
// routine has honoured the request.
var dumpPollInterval = 200 * time.Millisecond

// daemonURL turns a listen address into a URL reachable from this host.
func daemonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// requestDump asks the daemon at baseURL for a dump, waits until the next
// frame has been written and copies it to out. An empty out leaves the dump
// on the daemon and prints its path to stdout.
func requestDump(ctx context.Context, baseURL, out string, stdout io.Writer) error {
	client := httputil.NewClient(baseURL, &http.Client{Timeout: 10 * time.Second})

	var before api.StatusResponse
	if err := client.GetJSON(ctx, "/api/status", &before); err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	if before.Detector.Error != "" {
		return fmt.Errorf("detector stopped: %s", before.Detector.Error)
	}

	var accepted struct {
		Path string `json:"path"`
	}
	if err := client.PostJSON(ctx, "/api/dump", &accepted); err != nil {
		return err
	}

	ticker := time.NewTicker(dumpPollInterval)
	defer ticker.Stop()
	for {
		var st api.StatusResponse
		if err := client.GetJSON(ctx, "/api/status", &st); err != nil {
			return err
		}
		if st.Detector.Dumps > before.Detector.Dumps {
			break
		}
		if st.Detector.Error != "" {
			return fmt.Errorf("detector stopped: %s", st.Detector.Error)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for dump: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	if out == "" {
		fmt.Fprintf(stdout, "dump written to %s\n", accepted.Path)
		return nil
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := client.Download(ctx, "/api/dump", f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved %d bytes to %s\n", n, out)
	return nil
}

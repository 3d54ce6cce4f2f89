package pprofutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"n3ncore/internal/metrics"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
	server    *http.Server
)

// StartFromEnv starts an optional pprof HTTP server when N3N_PPROF=1,
// recording the listener's up/down state on m (nil disables recording).
// The returned stop func shuts the listener down; it is a no-op if pprof
// was never enabled. Calling StartFromEnv more than once is a no-op after
// the first call, matching the reactor's own single-management-surface
// assumption: a process runs one debug listener for its lifetime.
func StartFromEnv(logw io.Writer, m *metrics.Metrics) (stop func(), err error) {
	if strings.TrimSpace(os.Getenv("N3N_PPROF")) != "1" {
		return func() {}, nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("N3N_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("N3N_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("N3N_PPROF_ADDR must be loopback unless N3N_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		actual := ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
		}
		server = &http.Server{
			Addr:              actual,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if m != nil {
			m.SetPprofEnabled(true)
		}
		go func() {
			if serveErr := server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed && m != nil {
				m.SetPprofEnabled(false)
			}
		}()
	})
	if startErr != nil {
		return func() {}, startErr
	}
	return func() {
		if server == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		if m != nil {
			m.SetPprofEnabled(false)
		}
	}, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Scrape endpoint for the simulator's Prometheus registry
//
// Serves /metrics from the SimMetrics registry, /health as a liveness check
// and /ready backed by a probe supplied by the caller (typically "has a
// program been loaded without error").
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyProbe reports why the simulator is not ready, or nil when it is.
type ReadyProbe func() error

// MetricsServer serves the simulator's metrics over HTTP.
type MetricsServer struct {
	sm     *SimMetrics
	server *http.Server
	mux    *http.ServeMux
	probe  ReadyProbe

	username string
	password string

	mu        sync.RWMutex
	addr      string
	running   bool
	startTime time.Time
}

// MetricsServerConfig holds server configuration.
type MetricsServerConfig struct {
	// Address to listen on, e.g. ":9100". Port 0 picks a free port.
	Address string

	// Optional basic auth credentials guarding /metrics.
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Ready backs /ready. Nil means ready as soon as the server runs.
	Ready ReadyProbe
}

// DefaultMetricsServerConfig returns default server configuration.
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewMetricsServer creates a metrics server with default timeouts.
func NewMetricsServer(sm *SimMetrics, addr string) *MetricsServer {
	config := DefaultMetricsServerConfig()
	config.Address = addr
	return NewMetricsServerWithConfig(sm, config)
}

// NewMetricsServerWithConfig creates a metrics server.
func NewMetricsServerWithConfig(sm *SimMetrics, config MetricsServerConfig) *MetricsServer {
	ms := &MetricsServer{
		sm:       sm,
		addr:     config.Address,
		mux:      http.NewServeMux(),
		probe:    config.Ready,
		username: config.Username,
		password: config.Password,
	}

	scraper := promhttp.HandlerFor(sm.Registry(), promhttp.HandlerOpts{Registry: sm.Registry()})
	ms.mux.Handle("/metrics", ms.requireAuth(scraper))
	ms.mux.HandleFunc("/health", ms.handleHealth)
	ms.mux.HandleFunc("/ready", ms.handleReady)

	ms.server = &http.Server{
		Addr:         config.Address,
		Handler:      ms.mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return ms
}

// Start listens and serves until Shutdown.
func (ms *MetricsServer) Start() error {
	l, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}

	ms.mu.Lock()
	ms.addr = l.Addr().String()
	ms.running = true
	ms.startTime = time.Now()
	ms.mu.Unlock()

	if err := ms.server.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine. The channel yields at most
// one error and is closed when the server stops.
func (ms *MetricsServer) StartAsync() chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := ms.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.mu.Lock()
	ms.running = false
	ms.mu.Unlock()
	return ms.server.Shutdown(ctx)
}

// IsRunning reports whether the server is serving.
func (ms *MetricsServer) IsRunning() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.running
}

// GetAddress returns the listen address, resolved once Start has bound it.
func (ms *MetricsServer) GetAddress() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.addr
}

func (ms *MetricsServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !ms.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gcode-sim"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ms *MetricsServer) checkAuth(r *http.Request) bool {
	if ms.username == "" && ms.password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(ms.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(ms.password)) == 1
	return userOK && passOK
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	status := ms.GetStatus()
	code := http.StatusOK
	if status["ready"] != true {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// GetStatus returns the readiness report served on /ready.
func (ms *MetricsServer) GetStatus() map[string]any {
	ms.mu.RLock()
	status := map[string]any{
		"address": ms.addr,
		"running": ms.running,
	}
	running := ms.running
	if running {
		status["uptime"] = time.Since(ms.startTime).Seconds()
	}
	ms.mu.RUnlock()

	ready := running
	if ready && ms.probe != nil {
		if err := ms.probe(); err != nil {
			ready = false
			status["reason"] = err.Error()
		}
	}
	status["ready"] = ready
	return status
}

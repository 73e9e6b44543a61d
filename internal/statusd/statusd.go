// Package statusd exposes the current tunnel status over a local-only HTTP
// endpoint: a ServeMux, one JSON status handler, and a graceful shutdown on
// context cancellation. There is no control-plane heartbeat here; this
// serves a local watchdog or systemctl-style poller, not a remote server.
package statusd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the current state of the tunnel this process manages.
type Status struct {
	Connected     bool      `json:"connected"`
	Host          string    `json:"host,omitempty"`
	Ifname        string    `json:"ifname,omitempty"`
	LocalAddr     string    `json:"localAddr,omitempty"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// Server serves the current Status as JSON on GET /status.
type Server struct {
	mu     sync.RWMutex
	status Status
	srv    *http.Server
}

// New creates a status server listening on addr. It does not start
// listening until Start is called.
func New(addr string) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Set updates the published status.
func (s *Server) Set(status Status) {
	status.LastUpdated = time.Now()
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// Start begins serving in the background. It waits up to 100ms and returns
// the listener's error if serving failed within that time (e.g. the address
// could not be bound), otherwise nil.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("statusd shutdown error", "error", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

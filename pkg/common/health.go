package common

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"
)

// HealthServer exposes liveness and readiness probes plus a runtime
// statistics page under /debug/statsviz.
type HealthServer struct {
	ready  *atomic.Bool
	server *http.Server
}

// NewHealthServer creates a health server bound to addr. Readiness reports
// the value of ready.
func NewHealthServer(addr string, ready *atomic.Bool) (*HealthServer, error) {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)
	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}

	hs.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return hs, nil
}

// Server returns the underlying HTTP server.
func (h *HealthServer) Server() *http.Server { return h.server }

// Handler returns the probe handler, mostly useful for tests.
func (h *HealthServer) Handler() http.Handler { return h.server.Handler }

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HealthServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

package server

import (
	"net/http"
	"time"
)

// handleHealthz is a pure liveness probe: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   s.deps.Version,
	})
}

// handleReadyz verifies the store and broker answer before reporting ready,
// so load balancers stop routing webhooks at a node that cannot persist them.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not configured"
		ready = false
	}

	if s.deps.Broker != nil {
		if err := s.deps.Broker.Ping(r.Context()); err != nil {
			checks["broker"] = err.Error()
			ready = false
		} else {
			checks["broker"] = "ok"
		}
	} else {
		checks["broker"] = "not configured"
		ready = false
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   s.deps.Version,
		Checks:    checks,
	})
}

package handler

import (
	"context"
	"net/http"

	"github.com/web3-frozen/lending-keeper/internal/orchestrator"
)

// Readiness is satisfied by *orchestrator.Orchestrator.
type Readiness interface {
	Ready(ctx context.Context) bool
}

// StatusSource is satisfied by *orchestrator.Orchestrator.
type StatusSource interface {
	Status(ctx context.Context) orchestrator.Status
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// Ready answers 503 until every chain responds.
func Ready(r Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !r.Ready(req.Context()) {
			http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// Status reports chain and module health. It always answers 200; the body
// says whether the process is degraded.
func Status(s StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Status(r.Context()))
	}
}

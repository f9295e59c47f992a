package httpapi

import (
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Router wires the five ledger endpoints (balance, top-up, reserve, commit,
// cancel) plus /healthz, grounded in
// original_source/src/routes.rs for the endpoint set and
// AntoineToussaint-timeoff / noibilism-ledgertrack for go-chi/chi/v5 usage.
func Router(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Get("/balance/{userID}", h.LoadBalance)
	r.Post("/top-up", h.TopUp)
	r.Post("/reserve", h.Reserve)
	r.Post("/commit", h.Commit)
	r.Post("/cancel", h.Cancel)

	// Backpressure at the edge, kept from the teacher almost verbatim:
	// prevents unbounded queueing ahead of the inner workerpool.Pool when
	// the database is saturated.
	max := mustIntEnv("LEDGER_HTTP_MAX_INFLIGHT", 64)
	return withConcurrencyLimit(r, max)
}

func mustIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy"}`))
		}
	})
}

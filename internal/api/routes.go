package api

import (
	"context"
	"net/http"
	"time"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(h.logger),
		Recovery(),
		Metrics(h.metrics),
		Logging(),
	)

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("GET /api/v1/runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))

	// Orders
	mux.Handle("GET /api/v1/orders", chain(http.HandlerFunc(h.ListOrders)))
	mux.Handle("GET /api/v1/orders/{key}", chain(http.HandlerFunc(h.GetOrder)))
	mux.Handle("POST /api/v1/orders/{key}/cancel", chain(http.HandlerFunc(h.CancelOrder)))
	mux.Handle("GET /api/v1/positions", chain(http.HandlerFunc(h.ListPositions)))

	// Pipelines
	mux.Handle("GET /api/v1/pipelines", chain(http.HandlerFunc(h.ListPipelines)))
	mux.Handle("GET /api/v1/pipelines/{name}", chain(http.HandlerFunc(h.GetPipeline)))

	// Triggers
	mux.Handle("GET /api/v1/triggers", chain(http.HandlerFunc(h.ListTriggers)))

	mux.HandleFunc("GET /healthz", h.Healthz)
}

// Healthz проверяет доступность хранилища.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.log(r).Warn("health check failed", "error", err)
			Unavailable(w, "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/execution"
	"github.com/shaiso/Signalflow/internal/repo"
)

// ListOrders возвращает ордера с фильтрацией.
// GET /api/v1/orders?run_id=...&market_id=...&status=...&limit=...&offset=...
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.OrderFilter{
		MarketID: q.Get("market_id"),
		Status:   domain.OrderStatus(q.Get("status")),
		Limit:    parseInt(q.Get("limit"), defaultPageSize),
		Offset:   parseInt(q.Get("offset"), 0),
	}

	if runIDStr := q.Get("run_id"); runIDStr != "" {
		runID, err := uuid.Parse(runIDStr)
		if err != nil {
			BadRequest(w, "invalid run_id")
			return
		}
		filter.RunID = &runID
	}

	orders, err := h.store.ListOrders(r.Context(), filter)
	if HandleError(w, h.log(r), err, "") {
		return
	}

	result := make([]OrderResponse, len(orders))
	for i, o := range orders {
		result[i] = OrderFromDomain(o)
	}

	List(w, result, len(result))
}

// GetOrder возвращает ордер по ключу идемпотентности.
// GET /api/v1/orders/{key}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("key"))
	if HandleError(w, h.log(r), err, "order not found") {
		return
	}

	Success(w, OrderFromDomain(*order))
}

// CancelOrder отменяет ордер на площадке.
// POST /api/v1/orders/{key}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CancelOrder(r.Context(), r.PathValue("key"))
	if errors.Is(err, execution.ErrOrderFinished) {
		InvalidState(w, "order is already finished")
		return
	}
	if HandleError(w, h.log(r), err, "order not found") {
		return
	}

	Success(w, OrderFromDomain(*order))
}

// ListPositions возвращает позиции по рынкам.
// GET /api/v1/positions
func (h *Handler) ListPositions(w http.ResponseWriter, _ *http.Request) {
	positions := h.orders.Positions()
	sort.Slice(positions, func(i, j int) bool { return positions[i].MarketID < positions[j].MarketID })

	if positions == nil {
		positions = []domain.Position{}
	}
	List(w, positions, len(positions))
}

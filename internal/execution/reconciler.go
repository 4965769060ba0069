package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/market"
)

// Значения по умолчанию для сверки.
const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultPendingGrace      = 30 * time.Second
)

// ReconcilerConfig — настройки сверки.
type ReconcilerConfig struct {
	// Interval — период опроса открытых ордеров.
	Interval time.Duration

	// PendingGrace — возраст PENDING ордера без external ID,
	// после которого он переотправляется.
	PendingGrace time.Duration

	Logger *slog.Logger
}

// Reconciler сверяет открытые ордера с площадкой.
//
// Источники: поток Updates площадки (если она его поддерживает)
// и периодический опрос ListOpenOrders → GetOrderStatus.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewReconciler создаёт сверку для engine.
func NewReconciler(engine *Engine, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = engine.logger
	}
	return &Reconciler{
		engine:   engine,
		interval: cfg.Interval,
		grace:    cfg.PendingGrace,
		logger:   cfg.Logger,
	}
}

// Run выполняет сверку до отмены ctx.
func (r *Reconciler) Run(ctx context.Context) error {
	var updates <-chan market.OrderUpdate
	if s, ok := r.engine.venue.(market.Streamer); ok {
		updates = s.Updates()
	}

	r.logger.Info("reconciler started", "interval", r.interval, "pending_grace", r.grace, "stream", updates != nil)

	if err := r.ReconcileOnce(ctx); err != nil {
		r.logger.Error("reconcile failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil

		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("reconcile failed", "error", err)
			}

		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := r.HandleUpdate(ctx, u); err != nil {
				r.logger.Warn("order update failed", "external_id", u.ExternalID, "error", err)
			}
		}
	}
}

// ReconcileOnce проходит по всем открытым ордерам.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	orders, err := r.engine.orders.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	for i := range orders {
		if ctx.Err() != nil {
			return nil
		}
		order := &orders[i]
		logger := r.logger.With("order_key", order.Key)

		if order.ExternalID == "" {
			if time.Since(order.CreatedAt) < r.grace {
				continue
			}
			if err := r.resubmit(ctx, order); err != nil {
				logger.Warn("resubmit failed", "error", err)
			}
			continue
		}

		state, err := r.engine.venue.GetOrderStatus(ctx, order.ExternalID)
		if err != nil {
			logger.Warn("order status failed", "external_id", order.ExternalID, "error", err)
			continue
		}
		if _, err := r.engine.applyState(ctx, order.Key, state); err != nil {
			logger.Warn("apply order state failed", "error", err)
		}
	}
	return nil
}

// HandleUpdate применяет событие площадки.
func (r *Reconciler) HandleUpdate(ctx context.Context, u market.OrderUpdate) error {
	key := u.ClientOrderID
	if key == "" {
		order, err := r.findByExternalID(ctx, u.ExternalID)
		if err != nil {
			return err
		}
		if order == nil {
			r.logger.Debug("update for unknown order", "external_id", u.ExternalID)
			return nil
		}
		key = order.Key
	}

	state := market.OrderState{
		ExternalID: u.ExternalID,
		Status:     u.Status,
		FilledQty:  u.FilledQty,
		AvgPrice:   u.Price,
	}
	if !u.Snapshot {
		var err error
		state, err = r.engine.venue.GetOrderStatus(ctx, u.ExternalID)
		if err != nil {
			return fmt.Errorf("order status: %w", err)
		}
	}

	_, err := r.engine.applyState(ctx, key, state)
	return err
}

// resubmit повторяет отправку PENDING ордера с тем же ключом.
func (r *Reconciler) resubmit(ctx context.Context, order *domain.Order) error {
	if err := r.engine.limiter.Wait(ctx); err != nil {
		return err
	}

	r.logger.Info("resubmitting pending order", "order_key", order.Key, "age", time.Since(order.CreatedAt))

	ack, err := r.engine.venue.SubmitOrder(ctx, market.RequestFromOrder(order))
	if err != nil {
		if errors.Is(err, market.ErrRejected) {
			_, rerr := r.engine.reject(ctx, order.Key, market.RejectReason(err))
			return rerr
		}
		return err
	}
	_, err = r.engine.applyAck(ctx, order.Key, ack)
	return err
}

func (r *Reconciler) findByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	orders, err := r.engine.orders.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	for i := range orders {
		if orders[i].ExternalID == externalID {
			return &orders[i], nil
		}
	}
	return nil, nil
}

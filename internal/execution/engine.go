package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/market"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

// Outcome — бизнес-результат отправки сигнала.
type Outcome string

const (
	// OutcomeAccepted — площадка приняла ордер.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeDuplicate — ордер для сигнала уже существует.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeRiskLimitExceeded — ордер отклонён риск-проверкой, площадка не вызывалась.
	OutcomeRiskLimitExceeded Outcome = "risk_limit_exceeded"

	// OutcomeSubmissionTimeout — не дождались rate limiter до дедлайна отправки.
	OutcomeSubmissionTimeout Outcome = "submission_timeout"

	// OutcomeVenueRejected — площадка отклонила ордер.
	OutcomeVenueRejected Outcome = "venue_rejected"

	// OutcomeRunCancelled — run сигнала отменён, ордер не создавался.
	OutcomeRunCancelled Outcome = "run_cancelled"

	// OutcomePending — ответ площадки не получен, ордер остался PENDING
	// и будет переотправлен сверкой с тем же ключом.
	OutcomePending Outcome = "pending"
)

// ReasonSubmissionTimeout — RejectReason ордера при таймауте отправки.
const ReasonSubmissionTimeout = "submission_timeout"

// Значения по умолчанию.
const (
	DefaultSubmitTimeout = 5 * time.Second
	DefaultRateLimit     = 10
	DefaultBurst         = 5

	maxUpdateAttempts = 5
	persistTimeout    = 5 * time.Second
	venueTimeout      = 10 * time.Second
)

// OrderResult — результат Submit.
type OrderResult struct {
	Outcome Outcome

	// Order — сохранённый ордер. nil для risk_limit_exceeded и run_cancelled.
	Order *domain.Order

	// Detail — причина отказа.
	Detail string

	// Risk — решение риск-проверки, если она выполнялась.
	Risk *RiskDecision
}

// Execution переводит результат в запись для run.
func (r *OrderResult) Execution() *domain.Execution {
	exec := &domain.Execution{
		Outcome:    string(r.Outcome),
		Detail:     r.Detail,
		RecordedAt: time.Now(),
	}
	if r.Order != nil {
		exec.OrderKey = r.Order.Key
	}
	return exec
}

// Config — настройки Engine.
type Config struct {
	Orders repo.OrderStore

	// Runs — для проверки, что run сигнала не отменён. nil — без проверки.
	Runs repo.RunStore

	Market market.Client
	Limits Limits

	// RateLimit — ордеров в секунду на площадку, Burst — размер бакета.
	RateLimit rate.Limit
	Burst     int

	// SubmitTimeout — дедлайн ожидания rate limiter.
	SubmitTimeout time.Duration

	// OnOrderUpdate вызывается после каждого сохранённого изменения ордера.
	OnOrderUpdate func(order *domain.Order)

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Engine — исполнение сигналов.
//
// Владеет книгой риска и rate limiter площадки. Ключ идемпотентности
// ордера выводится из сигнала, поэтому повторные вызовы Submit для
// одного сигнала не создают второй ордер.
type Engine struct {
	orders  repo.OrderStore
	runs    repo.RunStore
	venue   market.Client
	book    *Book
	limiter *rate.Limiter
	group   singleflight.Group

	submitTimeout time.Duration
	onUpdate      func(order *domain.Order)
	logger        *slog.Logger
	metrics       *telemetry.Metrics
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		orders:        cfg.Orders,
		runs:          cfg.Runs,
		venue:         cfg.Market,
		book:          NewBook(cfg.Limits),
		limiter:       rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		submitTimeout: cfg.SubmitTimeout,
		onUpdate:      cfg.OnOrderUpdate,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Book возвращает книгу позиций.
func (e *Engine) Book() *Book {
	return e.book
}

// Restore пересобирает книгу из таблицы orders. Вызывается при старте
// до первого Submit.
func (e *Engine) Restore(ctx context.Context) error {
	const page = 500
	loaded := 0

	for offset := 0; ; offset += page {
		orders, err := e.orders.ListOrders(ctx, repo.OrderFilter{Limit: page, Offset: offset})
		if err != nil {
			return fmt.Errorf("restore positions: %w", err)
		}
		for i := range orders {
			o := &orders[i]
			if o.FilledQty == 0 && o.IsFinished() {
				continue
			}
			e.book.Load(o)
			loaded++
		}
		if len(orders) < page {
			break
		}
	}

	for _, p := range e.book.Positions() {
		e.metrics.SetPosition(p.MarketID, p.Net)
	}
	e.logger.Info("positions restored", "orders", loaded, "markets", len(e.book.Positions()))
	return nil
}

// Submit превращает сигнал в ордер на площадке.
//
// Ошибка возвращается только при сбое инфраструктуры (хранилище,
// отмена ctx). Отказы риска и площадки — значения Outcome.
//
// Отправка общая для всех вызовов с тем же ключом и не зависит от их
// ctx: отмена ctx прекращает только ожидание результата.
func (e *Engine) Submit(ctx context.Context, sig *domain.Signal) (*OrderResult, error) {
	key := domain.OrderKey(sig.MarketID, sig.Side, sig.Outcome, sig.RunID)

	ch := e.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.submitTimeout+venueTimeout)
		defer cancel()
		return e.submit(sctx, sig, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result := res.Val.(*OrderResult)
		e.metrics.OrderOutcome(string(result.Outcome))
		return result, nil
	}
}

func (e *Engine) submit(ctx context.Context, sig *domain.Signal, key string) (*OrderResult, error) {
	logger := telemetry.WithOrderKey(e.logger, key).With("run_id", sig.RunID, "market_id", sig.MarketID)

	existing, err := e.orders.GetOrder(ctx, key)
	switch {
	case err == nil:
		return &OrderResult{Outcome: OutcomeDuplicate, Order: existing, Detail: existing.RejectReason}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("get order: %w", err)
	}

	if e.runs != nil {
		run, err := e.runs.GetRun(ctx, sig.RunID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("get run: %w", err)
		}
		if run != nil && run.Status == domain.RunStatusAborted {
			logger.Info("signal dropped, run aborted")
			return &OrderResult{Outcome: OutcomeRunCancelled, Detail: run.Error}, nil
		}
	}

	order := domain.NewOrder(sig)

	decision := e.book.Reserve(order)
	if !decision.Allowed {
		logger.Warn("risk limit exceeded",
			"reason", decision.Reason,
			"exposure", decision.CurrentExposure,
			"projected", decision.Projected,
		)
		return &OrderResult{
			Outcome: OutcomeRiskLimitExceeded,
			Detail:  string(decision.Reason),
			Risk:    &decision,
		}, nil
	}

	saved, created, err := e.orders.CreateOrder(ctx, order)
	if err != nil {
		e.book.Release(order)
		return nil, fmt.Errorf("create order: %w", err)
	}
	if !created {
		// Ордер уже создан другим экземпляром.
		e.book.Release(order)
		return &OrderResult{Outcome: OutcomeDuplicate, Order: saved, Detail: saved.RejectReason}, nil
	}
	e.notify(saved)

	waitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	start := time.Now()
	err = e.limiter.Wait(waitCtx)
	cancel()
	e.metrics.LimiterWaited(time.Since(start))

	if err != nil {
		logger.Warn("submission timeout", "wait", time.Since(start))
		rejected, err := e.reject(ctx, key, ReasonSubmissionTimeout)
		if err != nil {
			return nil, err
		}
		return &OrderResult{Outcome: OutcomeSubmissionTimeout, Order: rejected, Detail: ReasonSubmissionTimeout, Risk: &decision}, nil
	}

	venueCtx, cancel := context.WithTimeout(ctx, venueTimeout)
	ack, err := e.venue.SubmitOrder(venueCtx, market.RequestFromOrder(saved))
	cancel()
	if err != nil {
		if errors.Is(err, market.ErrRejected) {
			reason := market.RejectReason(err)
			logger.Warn("order rejected by venue", "reason", reason)
			rejected, err := e.reject(ctx, key, reason)
			if err != nil {
				return nil, err
			}
			return &OrderResult{Outcome: OutcomeVenueRejected, Order: rejected, Detail: reason, Risk: &decision}, nil
		}

		logger.Warn("order submission failed, left pending", "error", err)
		return &OrderResult{Outcome: OutcomePending, Order: saved, Detail: err.Error(), Risk: &decision}, nil
	}

	updated, err := e.applyAck(ctx, key, ack)
	if err != nil {
		return nil, err
	}

	logger.Info("order accepted",
		"external_id", ack.ExternalID,
		"status", updated.Status,
		"filled", updated.FilledQty,
	)
	return &OrderResult{Outcome: OutcomeAccepted, Order: updated, Risk: &decision}, nil
}

// CancelOrder отменяет ордер на площадке и помечает его CANCELLED.
func (e *Engine) CancelOrder(ctx context.Context, key string) (*domain.Order, error) {
	order, err := e.orders.GetOrder(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
		}
		return nil, err
	}
	if order.IsFinished() {
		return order, ErrOrderFinished
	}

	if order.ExternalID == "" {
		// PENDING без подтверждения: снимаем локально, площадка
		// дедуплицирует возможную переотправку по ключу.
		return e.update(ctx, key, func(o *domain.Order) bool {
			if o.ExternalID != "" {
				return false
			}
			o.MarkCancelled()
			return true
		})
	}

	if err := e.venue.CancelOrder(ctx, order.ExternalID); err != nil && !errors.Is(err, market.ErrRejected) {
		return nil, fmt.Errorf("cancel on venue: %w", err)
	}

	// Состояние площадки после отмены, включая исполнения до неё.
	state, err := e.venue.GetOrderStatus(ctx, order.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("order status after cancel: %w", err)
	}
	if !state.Status.IsTerminal() {
		state.Status = domain.OrderStatusCancelled
	}
	return e.applyState(ctx, key, state)
}

// GetOrder возвращает ордер по ключу.
func (e *Engine) GetOrder(ctx context.Context, key string) (*domain.Order, error) {
	order, err := e.orders.GetOrder(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	return order, err
}

// Positions возвращает текущие позиции.
func (e *Engine) Positions() []domain.Position {
	return e.book.Positions()
}

func (e *Engine) reject(ctx context.Context, key, reason string) (*domain.Order, error) {
	return e.update(ctx, key, func(o *domain.Order) bool {
		if o.ExternalID != "" {
			return false
		}
		o.MarkRejected(reason)
		return true
	})
}

func (e *Engine) applyAck(ctx context.Context, key string, ack market.Ack) (*domain.Order, error) {
	return e.applyState(ctx, key, market.OrderState{
		ExternalID: ack.ExternalID,
		Status:     ack.Status,
		FilledQty:  ack.FilledQty,
		AvgPrice:   ack.AvgPrice,
	})
}

// applyState переносит состояние площадки в ордер.
func (e *Engine) applyState(ctx context.Context, key string, state market.OrderState) (*domain.Order, error) {
	return e.update(ctx, key, func(o *domain.Order) bool {
		changed := false
		if o.ExternalID == "" && state.ExternalID != "" {
			o.MarkSubmitted(state.ExternalID)
			changed = true
		}
		if o.ApplyFill(state.FilledQty, state.AvgPrice) > 0 {
			changed = true
		}
		switch state.Status {
		case domain.OrderStatusCancelled:
			o.MarkCancelled()
			changed = true
		case domain.OrderStatusRejected:
			o.MarkRejected("rejected by venue")
			changed = true
		case domain.OrderStatusFilled:
			if o.Status != domain.OrderStatusFilled {
				// Площадка считает ордер исполненным, количество берём из размера.
				o.ApplyFill(o.Size, state.AvgPrice)
				changed = true
			}
		}
		return changed
	})
}

// update загружает ордер, применяет fn и сохраняет с проверкой версии.
// После успешной записи переносит изменения в книгу.
func (e *Engine) update(ctx context.Context, key string, fn func(o *domain.Order) bool) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	for range maxUpdateAttempts {
		order, err := e.orders.GetOrder(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get order: %w", err)
		}
		if order.IsFinished() {
			return order, nil
		}

		prev := *order
		if !fn(order) {
			return order, nil
		}

		err = e.orders.UpdateOrder(ctx, order)
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update order: %w", err)
		}

		e.transition(&prev, order)
		return order, nil
	}
	return nil, fmt.Errorf("update order %s: %w", key, repo.ErrVersionConflict)
}

// transition отражает сохранённое изменение ордера в книге.
func (e *Engine) transition(prev, cur *domain.Order) {
	if delta := cur.FilledQty - prev.FilledQty; delta > 0 {
		prevCost := prev.AvgFillPrice.Mul(decimal.NewFromInt(prev.FilledQty))
		curCost := cur.AvgFillPrice.Mul(decimal.NewFromInt(cur.FilledQty))
		price := curCost.Sub(prevCost).Div(decimal.NewFromInt(delta))
		e.book.Fill(cur, delta, price)
	}
	if cur.IsFinished() {
		e.book.Release(cur)
	}

	e.metrics.SetPosition(cur.MarketID, e.book.Position(cur.MarketID).Net)
	e.notify(cur)
}

func (e *Engine) notify(order *domain.Order) {
	if e.onUpdate != nil {
		e.onUpdate(order)
	}
}

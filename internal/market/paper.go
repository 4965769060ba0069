package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// FillMode — поведение исполнения paper-площадки.
type FillMode string

const (
	// FillNone — ордер остаётся в книге до отмены.
	FillNone FillMode = "none"

	// FillImmediate — ордер исполняется целиком в ответе SubmitOrder.
	FillImmediate FillMode = "immediate"

	// FillAsync — ордер исполняется через FillDelay, событие уходит в Updates.
	FillAsync FillMode = "async"
)

// PaperConfig — настройки paper-площадки.
type PaperConfig struct {
	Mode FillMode

	// FillDelay — задержка исполнения для FillAsync.
	FillDelay time.Duration

	// Latency — задержка ответа на SubmitOrder.
	Latency time.Duration

	// Reject — если возвращает непустую причину, ордер отклоняется.
	Reject func(OrderRequest) string
}

// Paper — площадка для dry run и тестов.
//
// Повторная отправка с тем же IdempotencyKey возвращает уже принятый
// ордер, как это делает настоящая площадка по client order id.
type Paper struct {
	cfg PaperConfig

	mu       sync.Mutex
	orders   map[string]*OrderState
	byClient map[string]string

	submits atomic.Int64
	updates chan OrderUpdate
}

// NewPaper создаёт paper-площадку.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.Mode == "" {
		cfg.Mode = FillImmediate
	}
	return &Paper{
		cfg:      cfg,
		orders:   make(map[string]*OrderState),
		byClient: make(map[string]string),
		updates:  make(chan OrderUpdate, 1024),
	}
}

// Submissions возвращает число вызовов SubmitOrder.
func (p *Paper) Submissions() int64 {
	return p.submits.Load()
}

// Updates возвращает поток исполнений FillAsync.
func (p *Paper) Updates() <-chan OrderUpdate {
	return p.updates
}

// SubmitOrder принимает ордер.
func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	p.submits.Add(1)

	if p.cfg.Latency > 0 {
		t := time.NewTimer(p.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Ack{}, ctx.Err()
		case <-t.C:
		}
	}

	if req.Size <= 0 {
		return Ack{}, Rejected("invalid_count")
	}
	if !req.Price.IsPositive() || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Ack{}, Rejected(fmt.Sprintf("invalid_price %s", req.Price))
	}
	if p.cfg.Reject != nil {
		if reason := p.cfg.Reject(req); reason != "" {
			return Ack{}, Rejected(reason)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[req.IdempotencyKey]; ok {
		return ackOf(p.orders[id]), nil
	}

	state := &OrderState{
		ExternalID:    "paper-" + uuid.NewString(),
		ClientOrderID: req.IdempotencyKey,
		Status:        domain.OrderStatusSubmitted,
	}
	switch p.cfg.Mode {
	case FillImmediate:
		state.Status = domain.OrderStatusFilled
		state.FilledQty = req.Size
		state.AvgPrice = req.Price
	case FillAsync:
		p.scheduleFill(state.ExternalID, req)
	}

	p.orders[state.ExternalID] = state
	p.byClient[req.IdempotencyKey] = state.ExternalID
	return ackOf(state), nil
}

// GetOrderStatus возвращает состояние ордера.
func (p *Paper) GetOrderStatus(_ context.Context, externalID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[externalID]
	if !ok {
		return OrderState{}, ErrOrderNotFound
	}
	return *state, nil
}

// CancelOrder отменяет неисполненный ордер.
func (p *Paper) CancelOrder(_ context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[externalID]
	if !ok {
		return ErrOrderNotFound
	}
	if state.Status.IsTerminal() {
		return Rejected("order_already_" + string(state.Status))
	}
	state.Status = domain.OrderStatusCancelled
	return nil
}

// Fill исполняет ордер до filledQty вручную (тесты, FillNone).
func (p *Paper) Fill(externalID string, filledQty int64, price decimal.Decimal, size int64) error {
	p.mu.Lock()
	state, ok := p.orders[externalID]
	if !ok {
		p.mu.Unlock()
		return ErrOrderNotFound
	}
	if state.Status.IsTerminal() {
		p.mu.Unlock()
		return nil
	}
	state.FilledQty = filledQty
	state.AvgPrice = price
	if filledQty >= size {
		state.Status = domain.OrderStatusFilled
	} else {
		state.Status = domain.OrderStatusPartiallyFilled
	}
	update := OrderUpdate{
		ExternalID:    state.ExternalID,
		ClientOrderID: state.ClientOrderID,
		Snapshot:      true,
		Status:        state.Status,
		FilledQty:     state.FilledQty,
		Price:         price,
		At:            time.Now(),
	}
	p.mu.Unlock()

	select {
	case p.updates <- update:
	default:
	}
	return nil
}

func (p *Paper) scheduleFill(externalID string, req OrderRequest) {
	time.AfterFunc(p.cfg.FillDelay, func() {
		_ = p.Fill(externalID, req.Size, req.Price, req.Size)
	})
}

func ackOf(s *OrderState) Ack {
	return Ack{
		ExternalID: s.ExternalID,
		Status:     s.Status,
		FilledQty:  s.FilledQty,
		AvgPrice:   s.AvgPrice,
	}
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order — ордер, созданный из сигнала.
//
// Ключ идемпотентности выводится из (market, side, outcome, run), поэтому
// один сигнал порождает не больше одного ордера на площадке.
type Order struct {
	// Key — ключ идемпотентности, он же client_order_id на площадке.
	Key string `json:"key"`

	// RunID — run, чей сигнал породил ордер.
	RunID uuid.UUID `json:"run_id"`

	MarketID string  `json:"market_id"`
	Side     Side    `json:"side"`
	Outcome  Outcome `json:"outcome"`

	// Size — запрошенное количество контрактов.
	Size int64 `json:"size"`

	// Price — лимитная цена в долларах.
	Price decimal.Decimal `json:"price"`

	// ExternalID — ID ордера на площадке, пуст до подтверждения.
	ExternalID string `json:"external_id,omitempty"`

	Status OrderStatus `json:"status"`

	// FilledQty — исполненное количество контрактов.
	FilledQty int64 `json:"filled_qty"`

	// AvgFillPrice — средняя цена исполнения.
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`

	// RejectReason — причина отказа (площадка, таймаут отправки).
	RejectReason string `json:"reject_reason,omitempty"`

	// Version — версия записи для optimistic concurrency.
	Version int `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OrderKey вычисляет ключ идемпотентности ордера.
func OrderKey(marketID string, side Side, outcome Outcome, runID uuid.UUID) string {
	h := sha256.New()
	h.Write([]byte(marketID))
	h.Write([]byte{'|'})
	h.Write([]byte(side))
	h.Write([]byte{'|'})
	h.Write([]byte(outcome))
	h.Write([]byte{'|'})
	h.Write([]byte(runID.String()))
	return "sf-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// NewOrder создаёт ордер в статусе PENDING из сигнала.
func NewOrder(sig *Signal) *Order {
	now := time.Now()
	return &Order{
		Key:       OrderKey(sig.MarketID, sig.Side, sig.Outcome, sig.RunID),
		RunID:     sig.RunID,
		MarketID:  sig.MarketID,
		Side:      sig.Side,
		Outcome:   sig.Outcome,
		Size:      sig.Size,
		Price:     sig.Price,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Remaining возвращает неисполненный остаток.
func (o *Order) Remaining() int64 {
	return o.Size - o.FilledQty
}

// Notional возвращает стоимость ордера по лимитной цене.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Size))
}

// IsFinished возвращает true, если ордер в терминальном статусе.
func (o *Order) IsFinished() bool {
	return o.Status.IsTerminal()
}

// MarkSubmitted фиксирует подтверждение площадки.
func (o *Order) MarkSubmitted(externalID string) {
	now := time.Now()
	o.ExternalID = externalID
	o.Status = OrderStatusSubmitted
	o.SubmittedAt = &now
	o.UpdatedAt = now
}

// MarkRejected переводит ордер в REJECTED с причиной.
func (o *Order) MarkRejected(reason string) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = time.Now()
}

// MarkCancelled переводит ордер в CANCELLED.
func (o *Order) MarkCancelled() {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now()
}

// ApplyFill учитывает исполнение до filledQty по цене price.
// Возвращает прирост исполненного количества.
func (o *Order) ApplyFill(filledQty int64, price decimal.Decimal) int64 {
	if filledQty <= o.FilledQty {
		return 0
	}
	if filledQty > o.Size {
		filledQty = o.Size
	}
	delta := filledQty - o.FilledQty

	if price.IsZero() {
		price = o.Price
	}
	prevCost := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	cost := prevCost.Add(price.Mul(decimal.NewFromInt(delta)))
	o.FilledQty = filledQty
	o.AvgFillPrice = cost.Div(decimal.NewFromInt(filledQty)).Round(MaxPricePlaces)

	if o.FilledQty == o.Size {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
	return delta
}

package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Ошибки площадки.
var (
	// ErrRejected — площадка отклонила ордер. Конкретная причина
	// в *RejectedError.
	ErrRejected = errors.New("order rejected by venue")

	// ErrOrderNotFound — площадка не знает ордер с таким ID.
	ErrOrderNotFound = errors.New("order not found on venue")
)

// RejectedError — отказ площадки с причиной.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "order rejected by venue: " + e.Reason }

// Is позволяет проверять отказ через errors.Is(err, ErrRejected).
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Rejected создаёт ошибку отказа с причиной.
func Rejected(reason string) error {
	return &RejectedError{Reason: reason}
}

// RejectReason достаёт причину отказа из ошибки.
func RejectReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// OrderRequest — лимитный ордер для отправки на площадку.
type OrderRequest struct {
	MarketID string
	Side     domain.Side
	Outcome  domain.Outcome
	Size     int64
	Price    decimal.Decimal

	// IdempotencyKey передаётся как client order id: повторная отправка
	// с тем же ключом не создаёт второй ордер.
	IdempotencyKey string
}

// RequestFromOrder собирает запрос из сохранённого ордера.
func RequestFromOrder(o *domain.Order) OrderRequest {
	return OrderRequest{
		MarketID:       o.MarketID,
		Side:           o.Side,
		Outcome:        o.Outcome,
		Size:           o.Size,
		Price:          o.Price,
		IdempotencyKey: o.Key,
	}
}

// Ack — подтверждение приёма ордера.
type Ack struct {
	ExternalID string
	Status     domain.OrderStatus
	FilledQty  int64
	AvgPrice   decimal.Decimal
}

// OrderState — состояние ордера на площадке.
type OrderState struct {
	ExternalID    string
	ClientOrderID string
	Status        domain.OrderStatus
	FilledQty     int64
	AvgPrice      decimal.Decimal
}

// OrderUpdate — событие по ордеру из потока площадки.
type OrderUpdate struct {
	ExternalID    string
	ClientOrderID string

	// Snapshot — FilledQty и Status содержат полное состояние ордера.
	// Без Snapshot событие только сообщает, что ордер изменился,
	// и состояние нужно запросить через GetOrderStatus.
	Snapshot  bool
	Status    domain.OrderStatus
	FilledQty int64
	Price     decimal.Decimal
	At        time.Time
}

// Client — контракт площадки.
type Client interface {
	// SubmitOrder отправляет лимитный ордер. Отказ площадки — *RejectedError,
	// остальные ошибки считаются временными.
	SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error)

	GetOrderStatus(ctx context.Context, externalID string) (OrderState, error)

	CancelOrder(ctx context.Context, externalID string) error
}

// Streamer — площадка с потоком обновлений по ордерам.
type Streamer interface {
	Updates() <-chan OrderUpdate
}

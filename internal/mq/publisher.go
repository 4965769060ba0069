package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunPending   MessageType = "run.pending"
	MessageTypeRunFinished  MessageType = "run.finished"
	MessageTypeOrderUpdated MessageType = "order.updated"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunPendingPayload — run ожидает выполнения.
type RunPendingPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunFinishedPayload — run перешёл в терминальный статус.
type RunFinishedPayload struct {
	RunID     uuid.UUID         `json:"run_id"`
	Pipeline  string            `json:"pipeline"`
	Status    domain.RunStatus  `json:"status"`
	Error     string            `json:"error,omitempty"`
	Signal    *domain.Signal    `json:"signal,omitempty"`
	Execution *domain.Execution `json:"execution,omitempty"`
	Duration  float64           `json:"duration_sec"`
}

// RunFinishedFromRun собирает payload из run.
func RunFinishedFromRun(run *domain.Run) RunFinishedPayload {
	return RunFinishedPayload{
		RunID:     run.ID,
		Pipeline:  run.Pipeline,
		Status:    run.Status,
		Error:     run.Error,
		Signal:    run.Signal,
		Execution: run.Execution,
		Duration:  run.Duration().Seconds(),
	}
}

// OrderUpdatedPayload — сохранено изменение ордера.
type OrderUpdatedPayload struct {
	Key          string             `json:"key"`
	RunID        uuid.UUID          `json:"run_id"`
	MarketID     string             `json:"market_id"`
	Side         domain.Side        `json:"side"`
	Outcome      domain.Outcome     `json:"outcome"`
	Status       domain.OrderStatus `json:"status"`
	Size         int64              `json:"size"`
	FilledQty    int64              `json:"filled_qty"`
	AvgFillPrice decimal.Decimal    `json:"avg_fill_price"`
	ExternalID   string             `json:"external_id,omitempty"`
	RejectReason string             `json:"reject_reason,omitempty"`
	Version      int                `json:"version"`
}

// OrderUpdatedFromOrder собирает payload из ордера.
func OrderUpdatedFromOrder(o *domain.Order) OrderUpdatedPayload {
	return OrderUpdatedPayload{
		Key:          o.Key,
		RunID:        o.RunID,
		MarketID:     o.MarketID,
		Side:         o.Side,
		Outcome:      o.Outcome,
		Status:       o.Status,
		Size:         o.Size,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		ExternalID:   o.ExternalID,
		RejectReason: o.RejectReason,
		Version:      o.Version,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		// Ждём подтверждения брокера, иначе событие может потеряться
		// при падении узла RabbitMQ.
		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm %s/%s: %w", exchange, routingKey, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s message %s", ErrNotConfirmed, exchange, routingKey, msg.ID)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishRunPending публикует команду на выполнение run.
// Потребитель: Orchestrator любого экземпляра.
func (p *Publisher) PublishRunPending(ctx context.Context, runID uuid.UUID) error {
	msg := NewMessage(MessageTypeRunPending, RunPendingPayload{RunID: runID})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyPending, msg)
}

// PublishRunFinished публикует событие о завершении run.
func (p *Publisher) PublishRunFinished(ctx context.Context, run *domain.Run) error {
	msg := NewMessage(MessageTypeRunFinished, RunFinishedFromRun(run))
	return p.Publish(ctx, ExchangeEvents, RoutingKeyRunFinished, msg)
}

// PublishOrderUpdated публикует событие об изменении ордера.
func (p *Publisher) PublishOrderUpdated(ctx context.Context, order *domain.Order) error {
	msg := NewMessage(MessageTypeOrderUpdated, OrderUpdatedFromOrder(order))
	return p.Publish(ctx, ExchangeEvents, RoutingKeyOrderUpdated, msg)
}

package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает сообщение. Ошибка приводит к nack: первая
// доставка возвращается в очередь, повторная уходит в DLQ.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — разобранный конверт сообщения.
type Delivery struct {
	ID          string
	Type        MessageType
	Timestamp   time.Time
	Payload     json.RawMessage
	Redelivered bool
}

// envelope — конверт на проводе. Payload остаётся сырым до ParsePayload.
type envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// decodeDelivery разбирает тело AMQP сообщения.
func decodeDelivery(body []byte) (*Delivery, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("decode envelope: missing type")
	}
	return &Delivery{
		ID:        env.ID,
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}, nil
}

// ParsePayload разбирает payload доставки в T.
func ParsePayload[T any](d *Delivery) (T, error) {
	var result T
	if len(d.Payload) == 0 {
		return result, fmt.Errorf("parse %s payload: empty", d.Type)
	}
	if err := json.Unmarshal(d.Payload, &result); err != nil {
		return result, fmt.Errorf("parse %s payload: %w", d.Type, err)
	}
	return result, nil
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Prefetch — неподтверждённых сообщений на канале (default: 1).
	Prefetch int

	// Types — принимаемые типы сообщений. Остальные подтверждаются
	// без вызова Handler. Пустой список принимает всё.
	Types []MessageType
}

// Consumer читает очередь на собственном канале и переподключается
// вместе с Connection.
type Consumer struct {
	conn    *Connection
	logger  *slog.Logger
	cfg     ConsumerConfig
	accepts map[MessageType]bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewConsumer создаёт Consumer. Чтение начинает Start.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var accepts map[MessageType]bool
	if len(cfg.Types) > 0 {
		accepts = make(map[MessageType]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			accepts[t] = true
		}
	}

	return &Consumer{
		conn:    conn,
		logger:  logger.With("queue", cfg.Queue),
		cfg:     cfg,
		accepts: accepts,
		done:    make(chan struct{}),
	}
}

// Start читает сообщения до Stop или отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("consumer already started")
	}
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.done)

	for {
		// Берём сигнал до открытия канала, чтобы не пропустить reconnect.
		renewed := c.conn.Reconnected()

		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-renewed:
			c.logger.Info("reconnected, restarting consumer")
		}
	}
}

// session читает очередь на одном канале до его закрытия.
func (c *Consumer) session(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, string(c.cfg.Queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("consumer started", "prefetch", c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

// handle обрабатывает одно сообщение и подтверждает его.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	d, err := decodeDelivery(raw.Body)
	if err != nil {
		c.logger.Error("dropping malformed message", "error", err, "body", string(raw.Body))
		_ = raw.Nack(false, false)
		return
	}
	d.Redelivered = raw.Redelivered

	if c.accepts != nil && !c.accepts[d.Type] {
		c.logger.Debug("skipping message", "message_id", d.ID, "type", d.Type)
		_ = raw.Ack(false)
		return
	}

	if err := c.cfg.Handler(ctx, d); err != nil {
		c.logger.Error("handler failed",
			"message_id", d.ID,
			"type", d.Type,
			"redelivered", raw.Redelivered,
			"error", err,
		)
		_ = raw.Nack(false, !raw.Redelivered)
		return
	}

	_ = raw.Ack(false)
}

// Stop останавливает consumer и ждёт выхода из Start.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-c.done
}

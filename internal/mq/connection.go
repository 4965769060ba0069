package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNoChannel — соединение ещё не восстановлено.
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrClosed — Connection закрыт через Close.
	ErrClosed = errors.New("amqp connection closed")

	// ErrNotConfirmed — брокер ответил nack на публикацию.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
	heartbeat         = 10 * time.Second
)

// Connection — AMQP соединение с автоматическим reconnect.
//
// Публикации идут через общий канал в режиме confirm, каждый consumer
// открывает свой канал через OpenChannel. После reconnect ждущие
// Reconnected получают сигнал и переоткрывают свои каналы.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	closed  bool
	renewed chan struct{}

	// pubMu сериализует публикации: confirm привязан к порядку на канале.
	pubMu sync.Mutex

	done chan struct{}
}

// NewConnection подключается к RabbitMQ по url.
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:     url,
		logger:  logger,
		renewed: make(chan struct{}),
		done:    make(chan struct{}),
	}

	conn, ch, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn, c.pubCh = conn, ch
	c.logger.Info("connected to RabbitMQ")

	go c.watch(conn)

	return c, nil
}

// dial открывает соединение и канал публикаций в режиме confirm.
func (c *Connection) dial() (*amqp.Connection, *amqp.Channel, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("signalflow")

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat:  heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("enable confirms: %w", err)
	}
	return conn, ch, nil
}

// watch ждёт разрыва conn и восстанавливает соединение.
func (c *Connection) watch(conn *amqp.Connection) {
	for {
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.done:
			return
		case err := <-notify:
			if err != nil {
				c.logger.Warn("connection closed", "error", err)
			}
		}

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
	}
}

// redial переподключается с экспоненциальной задержкой, пока не вызван Close.
func (c *Connection) redial() (*amqp.Connection, bool) {
	delay := minReconnectDelay

	for {
		c.logger.Info("attempting to reconnect", "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-c.done:
			t.Stop()
			return nil, false
		case <-t.C:
		}

		conn, ch, err := c.dial()
		if err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn, c.pubCh = conn, ch
		close(c.renewed)
		c.renewed = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ")
		return conn, true
	}
}

// Reconnected возвращает канал, который закрывается при следующем
// восстановлении соединения.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.renewed
}

// OpenChannel открывает отдельный канал на текущем соединении.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, ErrNoChannel
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// WithChannel выполняет fn на канале публикаций.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch, closed := c.pubCh, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if ch == nil || ch.IsClosed() {
		return ErrNoChannel
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return fn(ch)
}

// Close закрывает соединение. Повторный вызов ничего не делает.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}

	c.logger.Info("connection closed")
	return nil
}

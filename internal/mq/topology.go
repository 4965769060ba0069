package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeRuns — команды на выполнение runs.
	ExchangeRuns Exchange = "signalflow.runs"

	// ExchangeEvents — события жизненного цикла runs и ордеров (topic).
	ExchangeEvents Exchange = "signalflow.events"

	ExchangeDLQ Exchange = "signalflow.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsPending  Queue = "runs.pending"
	QueueRunsFinished Queue = "runs.finished"
	QueueOrderUpdates Queue = "orders.updated"
	QueueDLQRuns      Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyPending      RoutingKey = "pending"
	RoutingKeyRunFinished  RoutingKey = "run.finished"
	RoutingKeyOrderUpdated RoutingKey = "order.updated"
	RoutingKeyDLQRuns      RoutingKey = "runs"
)

// SetupTopology объявляет exchanges, очереди и привязки.
// Операция идемпотентна, её вызывает каждый экземпляр при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeRuns, amqp.ExchangeDirect},
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

func declareQueues(ch *amqp.Channel) error {
	// Сообщение run.pending, которое не удалось разобрать или обработать
	// повторно, уходит в dlq.runs.
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
	}

	// Очереди событий читают внешние потребители. Ограничиваем их,
	// чтобы отсутствие потребителя не копило сообщения бесконечно.
	eventArgs := amqp.Table{
		"x-max-length": int32(100000),
		"x-overflow":   "drop-head",
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueRunsPending, dlqArgs},
		{QueueRunsFinished, eventArgs},
		{QueueOrderUpdates, eventArgs},
		{QueueDLQRuns, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueRunsPending, RoutingKeyPending, ExchangeRuns},
		{QueueRunsFinished, RoutingKeyRunFinished, ExchangeEvents},
		{QueueOrderUpdates, RoutingKeyOrderUpdated, ExchangeEvents},
		{QueueDLQRuns, RoutingKeyDLQRuns, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Signalflow RabbitMQ Topology:

    signalflow.runs (direct)
    └── runs.pending [routing: pending]
            Consumer: Orchestrator
            DLQ: dlq.runs

    signalflow.events (topic)
    ├── runs.finished [routing: run.finished]
    │       Consumer: external (audit, notifications)
    └── orders.updated [routing: order.updated]
            Consumer: external (audit, notifications)

    signalflow.dlq (direct)
    └── dlq.runs [routing: runs]
            Manual processing
  `
}

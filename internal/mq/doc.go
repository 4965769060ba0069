// Package mq — RabbitMQ транспорт сервиса.
//
// Структура:
//   - connection.go — соединение с автоматическим reconnect
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация команд и событий
//   - consumer.go   — потребление очередей с ack/nack
//
// Типы сообщений:
//   - run.pending   — run ожидает выполнения (команда для Orchestrator)
//   - run.finished  — run завершён, в payload сигнал и результат исполнения
//   - order.updated — сохранено изменение ордера
//
// Exchanges:
//   - signalflow.runs   — команды runs (direct)
//   - signalflow.events — события (topic)
//   - signalflow.dlq    — dead letter
package mq

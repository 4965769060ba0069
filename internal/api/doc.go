// Package api содержит HTTP control surface.
//
// Структура:
//   - handler.go          — Handler и интерфейсы зависимостей
//   - routes.go           — регистрация маршрутов, /healthz
//   - middleware.go       — logging, recovery, метрики запросов
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - run_handler.go      — /runs
//   - order_handler.go    — /orders и /positions
//   - pipeline_handler.go — /pipelines
//   - trigger_handler.go  — /triggers
//
// /metrics регистрируется в cmd/signalflow поверх общего реестра Prometheus.
package api

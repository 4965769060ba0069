// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go   — structured logging через slog
//   - metrics.go   — Prometheus метрики (runs, tasks, агенты, ордера, позиции)
//   - profiling.go — continuous profiling через Pyroscope
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry

// Package market описывает контракт площадки и его реализации.
//
// # Client
//
//	type Client interface {
//	    SubmitOrder(ctx, OrderRequest) (Ack, error)
//	    GetOrderStatus(ctx, externalID) (OrderState, error)
//	    CancelOrder(ctx, externalID) error
//	}
//
// Отказ площадки возвращается как *RejectedError (errors.Is(err, ErrRejected)),
// остальные ошибки считаются временными. IdempotencyKey уходит на площадку
// как client order id, повторная отправка не создаёт второй ордер.
//
// # Реализации
//
//   - Kalshi — REST Trade API v2, запросы подписаны RSA-PSS
//   - Stream — WebSocket канал fill, реализует Streamer
//   - Paper  — площадка в памяти для dry run и тестов
//
// Цены Kalshi в центах: покупка округляется вниз, продажа вверх.
package market

// Package execution превращает сигналы в ордера на площадке.
//
// # Submit
//
//	engine := execution.New(execution.Config{
//	    Orders: store,
//	    Runs:   store,
//	    Market: venue,
//	    Limits: execution.Limits{MaxPosition: 100},
//	})
//	result, err := engine.Submit(ctx, signal)
//
// Шаги:
//
//  1. Ключ идемпотентности из сигнала. Существующий ордер возвращается
//     как OutcomeDuplicate, одновременные вызовы делят один singleflight
//  2. Сигнал отменённого run отбрасывается (OutcomeRunCancelled)
//  3. Book.Reserve проверяет лимиты и резервирует объём под мьютексом рынка
//  4. CreateOrder (insert-if-absent), проигравший гонку снимает резерв
//  5. Ожидание rate limiter с дедлайном SubmitTimeout
//  6. SubmitOrder на площадке
//
// Ошибка Submit означает сбой инфраструктуры. Отказы риска, таймаут
// отправки и отказ площадки возвращаются как Outcome.
//
// # Позиции
//
// Позиция хранится в YES-эквиваленте: покупка YES и продажа NO её
// увеличивают. Резерв нетерминальных ордеров входит в проверку лимита,
// исполнения переносят количество из резерва в позицию. При старте
// книга пересобирается из таблицы orders (Engine.Restore).
//
// # Сверка
//
// Reconciler применяет события Streamer площадки и периодически
// опрашивает открытые ордера. PENDING без external ID старше PendingGrace
// переотправляется с тем же ключом.
package execution

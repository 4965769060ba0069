// Package orchestrator ведёт runs от создания до записи результата исполнения.
//
// Orchestrator отвечает за:
//   - Создание run (StartRun): валидация pipeline, снимок spec, PENDING
//   - Захват run: CAS PENDING → RUNNING, выигрывает один экземпляр
//   - Проведение по DAG через scheduler.Scheduler
//   - Извлечение сигнала терминальной стадии и передачу его в execution
//   - Финализацию run (SUCCEEDED/FAILED/ABORTED) и событие run.finished
//   - Отмену (CancelRun) и восстановление брошенных runs
//
// Новые runs приходят из очереди run.pending или из polling хранилища.
// RUNNING run, у которого нет активности дольше StaleAfter и который
// не ведёт этот экземпляр, подхватывается заново из истории попыток.
package orchestrator

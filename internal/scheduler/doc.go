// Package scheduler проводит run по DAG стадий.
//
// # Цикл run
//
//  1. BuildDAG по снимку PipelineSpec из run
//  2. Восстановление состояния из истории попыток (ListTasks)
//  3. Готовые стадии (все зависимости SUCCEEDED, нет незавершённой
//     попытки) записываются QUEUED и выполняются через worker.Executor
//  4. Каждое завершение приходит событием, готовность пересчитывается
//     без polling
//
// # Повторы
//
// Повторяемая ошибка (transient, timeout) при failures < MaxAttempts:
// следующая попытка записывается сразу с NotBefore = now + backoff,
// предыдущая помечается RETRYING, time.AfterFunc присылает событие
// "retry due". Backoff: min(base × 2^(n-1), cap) + jitter, не больше cap.
//
// Постоянная ошибка, merge conflict или исчерпанные попытки дают
// *StageError, run должен завершиться FAILED.
//
// # Отмена
//
// Отмена ctx останавливает запуск новых попыток и таймеры, выполняющиеся
// попытки получают отменённый контекст, оставшиеся QUEUED попытки
// проваливаются как cancelled. Execute возвращает ErrRunCancelled.
// Успешные попытки не трогаются.
//
// # Конкурентность
//
// Semaphore из golang.org/x/sync ограничивает число агентов во всех runs,
// RunConcurrency (или PipelineSpec.Concurrency) — внутри одного run.
package scheduler

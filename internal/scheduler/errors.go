package scheduler

import (
	"errors"
	"fmt"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Ошибки scheduler.
var (
	// ErrRunCancelled — выполнение run прервано отменой контекста.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrStalled — не осталось ни готовых, ни выполняющихся стадий,
	// но run не завершён.
	ErrStalled = errors.New("scheduler stalled")

	// ErrRunTakenOver — run ведёт другой экземпляр: его попытка ещё
	// жива или перехватила нашу. Run нельзя ни финализировать, ни
	// трогать его попытки.
	ErrRunTakenOver = errors.New("run taken over by another instance")
)

// StageError — стадия провалилась окончательно, run должен завершиться FAILED.
type StageError struct {
	StageID string
	Attempt int
	Kind    domain.ErrorKind
	Message string
}

// Error реализует интерфейс error.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s) [%s]: %s", e.StageID, e.Attempt, e.Kind, e.Message)
}

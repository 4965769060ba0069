package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotClaimed — попытку не удалось захватить: её уже взял
	// другой экземпляр, run не в статусе RUNNING или не истёк backoff.
	ErrTaskNotClaimed = errors.New("task not claimed")

	// ErrAgentPanic — агент завершился паникой.
	ErrAgentPanic = errors.New("agent panicked")
)

package execution

import "errors"

// Ошибки исполнения.
var (
	// ErrOrderNotFound — ордер с таким ключом не найден.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderFinished — ордер уже в терминальном статусе.
	ErrOrderFinished = errors.New("order already finished")

	// ErrNotSubmitted — ордер ещё не принят площадкой, отменять нечего.
	ErrNotSubmitted = errors.New("order not submitted to venue")
)

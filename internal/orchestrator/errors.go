package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrPipelineNotFound — pipeline нет в каталоге.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrInvalidPipeline — pipeline не прошёл валидацию, run не создан.
	ErrInvalidPipeline = errors.New("invalid pipeline")

	// ErrRunAlreadyActive — run уже ведёт этот экземпляр.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunNotPending — run не в статусе PENDING (его забрал другой экземпляр).
	ErrRunNotPending = errors.New("run is not in PENDING status")

	// ErrRunFinished — run уже в терминальном статусе.
	ErrRunFinished = errors.New("run already finished")

	// ErrTooManyRuns — достигнут предел одновременно выполняемых runs.
	ErrTooManyRuns = errors.New("too many active runs")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

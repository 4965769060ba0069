package engine

import "errors"

// Ошибки валидации PipelineSpec.
var (
	// ErrEmptyStages — pipeline не содержит стадий.
	ErrEmptyStages = errors.New("pipeline spec has no stages")

	// ErrEmptyStageID — стадия не имеет ID.
	ErrEmptyStageID = errors.New("stage has empty ID")

	// ErrDuplicateStageID — несколько стадий с одинаковым ID.
	ErrDuplicateStageID = errors.New("duplicate stage ID")

	// ErrUnknownCapability — неизвестная capability стадии.
	ErrUnknownCapability = errors.New("unknown stage capability")

	// ErrMissingDependency — стадия зависит от несуществующей стадии.
	ErrMissingDependency = errors.New("stage depends on unknown stage")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — стадия зависит от самой себя.
	ErrSelfDependency = errors.New("stage depends on itself")

	// ErrMultipleTerminalStages — у pipeline больше одной конечной стадии.
	ErrMultipleTerminalStages = errors.New("pipeline has more than one terminal stage")

	// ErrInvalidMergeRule — неизвестное правило merge.
	ErrInvalidMergeRule = errors.New("invalid merge rule")

	// ErrInvalidRetryPolicy — некорректная политика повторов.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrDependencyMergeConflict — выходы upstream-стадий конфликтуют по ключу.
	ErrDependencyMergeConflict = errors.New("dependency merge conflict")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// Ошибки каталога pipelines.
var (
	// ErrPipelineNotFound — pipeline с таким именем нет в каталоге.
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	StageID string // ID стадии, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.StageID != "" {
		return "stage " + e.StageID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stageID, field, message string, err error) *ValidationError {
	return &ValidationError{
		StageID: stageID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

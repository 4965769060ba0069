package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — одна попытка выполнения стадии внутри run.
//
// История попыток append-only: повтор создаёт новую запись с Attempt+1,
// предыдущая остаётся в статусе RETRYING. В каждый момент у пары
// (run, stage) не больше одной нетерминальной попытки.
type Task struct {
	// ID — уникальный идентификатор попытки.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// StageID — ID стадии из PipelineSpec.
	StageID string `json:"stage_id"`

	// Capability — агент, исполняющий стадию (копия StageDef.Capability).
	Capability Capability `json:"capability"`

	// Attempt — номер попытки (начиная с 1).
	Attempt int `json:"attempt"`

	// Status — текущий статус попытки.
	Status TaskStatus `json:"status"`

	// Input — объединённые выходы upstream и параметры стадии.
	Input map[string]any `json:"input,omitempty"`

	// Output — результат агента при успехе.
	Output map[string]any `json:"output,omitempty"`

	// Error — текст ошибки при неудаче.
	Error string `json:"error,omitempty"`

	// ErrorKind — классификация ошибки.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// ClaimedBy — экземпляр сервиса, захвативший попытку.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// NotBefore — попытку нельзя захватить раньше этого времени (backoff).
	NotBefore *time.Time `json:"not_before,omitempty"`

	// StartedAt — время захвата.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// HeartbeatAt — последний признак жизни исполнителя RUNNING попытки.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// CreatedAt — время записи попытки.
	CreatedAt time.Time `json:"created_at"`
}

// NewTask создаёт попытку в статусе QUEUED.
func NewTask(runID uuid.UUID, stage *StageDef, attempt int, input map[string]any) *Task {
	return &Task{
		ID:         uuid.New(),
		RunID:      runID,
		StageID:    stage.ID,
		Capability: stage.Capability,
		Attempt:    attempt,
		Status:     TaskStatusQueued,
		Input:      input,
		CreatedAt:  time.Now(),
	}
}

// Duration возвращает продолжительность выполнения.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// IsFinished возвращает true, если попытка завершена.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// MarkRunning переводит попытку в статус RUNNING.
func (t *Task) MarkRunning(owner string) {
	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	t.ClaimedBy = owner
}

// MarkSucceeded переводит попытку в статус SUCCEEDED с результатом.
func (t *Task) MarkSucceeded(output map[string]any) {
	now := time.Now()
	t.Status = TaskStatusSucceeded
	t.FinishedAt = &now
	t.Output = output
}

// MarkFailed переводит попытку в статус FAILED с ошибкой.
func (t *Task) MarkFailed(kind ErrorKind, err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.FinishedAt = &now
	t.ErrorKind = kind
	t.Error = err
}

// CanRetry проверяет, можно ли сделать ещё одну попытку.
func (t *Task) CanRetry(maxAttempts int) bool {
	return t.ErrorKind.Retryable() && t.Attempt < maxAttempts
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — один проход pipeline от входных данных до ордера.
//
// Run создаётся когда:
// - Оператор запускает pipeline вручную (через API/CLI)
// - Trigger создаёт run по расписанию
//
// Снимок PipelineSpec хранится в run, задачи стадий — в таблице tasks.
// После перехода в терминальный статус run не меняется, за исключением
// однократной записи Execution после SUCCEEDED.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// Pipeline — имя pipeline из каталога.
	Pipeline string `json:"pipeline"`

	// Spec — снимок определения pipeline на момент запуска.
	Spec PipelineSpec `json:"spec"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Inputs — входные параметры, переданные при запуске.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Signal — итоговый сигнал терминальной стадии.
	// Nil, пока run не завершился или если сигнал "не торговать".
	Signal *Signal `json:"signal,omitempty"`

	// Execution — результат отправки сигнала на площадку.
	Execution *Execution `json:"execution,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в терминальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error — текст ошибки для FAILED и ABORTED.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности создания run.
	// Для scheduled runs: "{trigger}_{fire_time}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// Execution — запись о результате исполнения сигнала run.
type Execution struct {
	// Outcome — бизнес-результат отправки (accepted, risk_limit_exceeded, ...).
	Outcome string `json:"outcome"`

	// OrderKey — ключ идемпотентности ордера, если ордер создавался.
	OrderKey string `json:"order_key,omitempty"`

	// Detail — пояснение (причина отказа площадки, нарушенный лимит).
	Detail string `json:"detail,omitempty"`

	// RecordedAt — время записи результата.
	RecordedAt time.Time `json:"recorded_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED.
func (r *Run) MarkSucceeded() {
	now := time.Now()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(err string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// MarkAborted переводит run в статус ABORTED.
func (r *Run) MarkAborted(reason string) {
	now := time.Now()
	r.Status = RunStatusAborted
	r.FinishedAt = &now
	r.Error = reason
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Trigger — расписание автоматического запуска pipeline.
//
// Trigger позволяет запускать pipeline:
// - По cron-выражению: "*/15 * * * *" (каждые 15 минут)
// - По интервалу: каждые N секунд
//
// Триггеры задаются в конфигурации сервиса, состояние
// (NextDueAt, LastRunID) хранится в памяти процесса. Повторное создание
// run после рестарта исключено ключом идемпотентности.
type Trigger struct {
	// Name — уникальное имя триггера.
	Name string `json:"name" toml:"name"`

	// Pipeline — имя pipeline из каталога.
	Pipeline string `json:"pipeline" toml:"pipeline"`

	// CronExpr — cron-выражение "минуты часы дни месяцы дни_недели".
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty" toml:"cron"`

	// IntervalSec — интервал в секундах между запусками.
	IntervalSec int `json:"interval_sec,omitempty" toml:"interval_sec"`

	// Timezone — часовой пояс для cron. По умолчанию UTC.
	Timezone string `json:"timezone,omitempty" toml:"timezone"`

	// Enabled — флаг активности.
	Enabled bool `json:"enabled" toml:"enabled"`

	// Inputs — входные параметры каждого созданного run.
	Inputs map[string]any `json:"inputs,omitempty" toml:"inputs"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty" toml:"-"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty" toml:"-"`

	// LastRunID — ID последнего созданного run.
	LastRunID *uuid.UUID `json:"last_run_id,omitempty" toml:"-"`
}

// IsCron возвращает true, если триггер использует cron-выражение.
func (t *Trigger) IsCron() bool {
	return t.CronExpr != ""
}

// IsInterval возвращает true, если триггер использует интервал.
func (t *Trigger) IsInterval() bool {
	return t.CronExpr == "" && t.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (t *Trigger) IsDue(now time.Time) bool {
	if !t.Enabled || t.NextDueAt == nil {
		return false
	}
	return !now.Before(*t.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (t *Trigger) RecordRun(runID uuid.UUID, nextDue time.Time) {
	now := time.Now()
	t.LastRunAt = &now
	t.LastRunID = &runID
	t.NextDueAt = &nextDue
}

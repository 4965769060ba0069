package orchestrator

import (
	"time"

	"github.com/shaiso/Signalflow/internal/domain"
)

// StageStatus — сводный статус стадии run.
type StageStatus string

const (
	// StageWaiting — у стадии ещё нет ни одной попытки.
	StageWaiting StageStatus = "WAITING"

	StageQueued    StageStatus = "QUEUED"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"

	// StageRetrying — попытка провалилась, следующая ждёт NotBefore.
	StageRetrying StageStatus = "RETRYING"
)

// RunState — снимок run для control surface: run, история попыток
// и сводка по стадиям.
//
// Собирается из хранилища при каждом запросе, поэтому одинаков на всех
// экземплярах. Active показывает, ведёт ли run этот экземпляр.
type RunState struct {
	Run    *domain.Run   `json:"run"`
	Stages []StageState  `json:"stages"`
	Tasks  []domain.Task `json:"tasks"`
	Stats  RunStats      `json:"stats"`
	Active bool          `json:"active"`
}

// StageState — стадия и её последняя попытка.
type StageState struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Capability domain.Capability `json:"capability"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Status     StageStatus       `json:"status"`
	Attempts   int               `json:"attempts"`
	ErrorKind  domain.ErrorKind  `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	NotBefore  *time.Time        `json:"not_before,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunStats — счётчики стадий run.
type RunStats struct {
	TotalStages     int `json:"total_stages"`
	SucceededStages int `json:"succeeded_stages"`
	RunningStages   int `json:"running_stages"`
	FailedStages    int `json:"failed_stages"`
	WaitingStages   int `json:"waiting_stages"`
}

// NewRunState собирает RunState из run и его истории попыток.
func NewRunState(run *domain.Run, tasks []domain.Task, active bool) *RunState {
	latest := make(map[string]*domain.Task, len(run.Spec.Stages))
	for i := range tasks {
		t := &tasks[i]
		if cur, ok := latest[t.StageID]; !ok || t.Attempt > cur.Attempt {
			latest[t.StageID] = t
		}
	}

	state := &RunState{
		Run:    run,
		Stages: make([]StageState, 0, len(run.Spec.Stages)),
		Tasks:  tasks,
		Active: active,
	}
	if state.Tasks == nil {
		state.Tasks = []domain.Task{}
	}

	for i := range run.Spec.Stages {
		def := &run.Spec.Stages[i]
		stage := StageState{
			ID:         def.ID,
			Name:       def.DisplayName(),
			Capability: def.Capability,
			DependsOn:  def.DependsOn,
			Status:     StageWaiting,
		}

		if t, ok := latest[def.ID]; ok {
			stage.Attempts = t.Attempt
			stage.Status = stageStatus(t)
			stage.ErrorKind = t.ErrorKind
			stage.Error = t.Error
			stage.NotBefore = t.NotBefore
			stage.StartedAt = t.StartedAt
			stage.FinishedAt = t.FinishedAt
		}

		state.Stats.add(stage.Status)
		state.Stages = append(state.Stages, stage)
	}

	return state
}

// Stage возвращает стадию по ID.
func (s *RunState) Stage(id string) (StageState, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return StageState{}, false
}

func stageStatus(t *domain.Task) StageStatus {
	switch t.Status {
	case domain.TaskStatusQueued:
		if t.Attempt > 1 && t.NotBefore != nil && t.NotBefore.After(time.Now()) {
			return StageRetrying
		}
		return StageQueued
	case domain.TaskStatusRunning:
		return StageRunning
	case domain.TaskStatusSucceeded:
		return StageSucceeded
	case domain.TaskStatusRetrying:
		return StageRetrying
	default:
		return StageFailed
	}
}

func (s *RunStats) add(status StageStatus) {
	s.TotalStages++
	switch status {
	case StageSucceeded:
		s.SucceededStages++
	case StageRunning, StageQueued, StageRetrying:
		s.RunningStages++
	case StageFailed:
		s.FailedStages++
	default:
		s.WaitingStages++
	}
}

// lastActivity возвращает время последнего изменения истории попыток.
// Отложенный повтор считается активностью до своего NotBefore,
// heartbeat выполняющейся попытки — тоже активность.
// Для run без попыток — время старта run.
func lastActivity(run *domain.Run, tasks []domain.Task) time.Time {
	var last time.Time
	if run.StartedAt != nil {
		last = *run.StartedAt
	}
	for i := range tasks {
		t := &tasks[i]
		for _, ts := range []*time.Time{&t.CreatedAt, t.StartedAt, t.HeartbeatAt, t.FinishedAt, t.NotBefore} {
			if ts != nil && ts.After(last) {
				last = *ts
			}
		}
	}
	return last
}

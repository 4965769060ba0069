package scheduler

import (
	"maps"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
)

// stageState — состояние одной стадии внутри run.
type stageState struct {
	// latest — последняя попытка стадии.
	latest *domain.Task

	// output — выход успешной попытки.
	output map[string]any

	completed bool

	// inflight — попытка захватывается или выполняется агентом.
	inflight bool

	// pending — записанная QUEUED попытка ждёт истечения backoff.
	pending bool

	// due — backoff истёк, попытку можно запускать.
	due bool

	// failures — число неудачных попыток без учёта отменённых.
	failures int
}

// runState — состояние выполнения одного run в памяти scheduler.
//
// Живёт только внутри цикла Scheduler.Execute и не разделяется
// между горутинами: исполнители сообщают о результатах через события.
type runState struct {
	run    *domain.Run
	dag    *engine.DAG
	stages map[string]*stageState

	inflight int
	pending  int
}

func newRunState(run *domain.Run, dag *engine.DAG) *runState {
	stages := make(map[string]*stageState, dag.Size())
	for id := range dag.Nodes {
		stages[id] = &stageState{}
	}
	return &runState{run: run, dag: dag, stages: stages}
}

// restore восстанавливает состояние из истории попыток.
//
// Возвращает стадии, чья последняя попытка провалилась и ещё не
// получила продолжения: решение о них принимает scheduler.
func (s *runState) restore(history []domain.Task) []*domain.Task {
	for i := range history {
		task := &history[i]
		st, ok := s.stages[task.StageID]
		if !ok {
			continue
		}
		if task.Status == domain.TaskStatusFailed || task.Status == domain.TaskStatusRetrying {
			if task.ErrorKind != domain.ErrorKindCancelled {
				st.failures++
			}
		}
		if st.latest == nil || task.Attempt > st.latest.Attempt {
			st.latest = task
		}
	}

	var unresolved []*domain.Task
	for _, node := range s.dag.Order {
		st := s.stages[node.ID]
		if st.latest == nil {
			continue
		}
		switch st.latest.Status {
		case domain.TaskStatusSucceeded:
			st.completed = true
			st.output = st.latest.Output
		case domain.TaskStatusQueued:
			st.pending = true
			s.pending++
		case domain.TaskStatusFailed, domain.TaskStatusRetrying:
			unresolved = append(unresolved, st.latest)
		}
	}
	return unresolved
}

// completedSet возвращает завершённые стадии.
func (s *runState) completedSet() map[string]bool {
	done := make(map[string]bool, len(s.stages))
	for id, st := range s.stages {
		if st.completed {
			done[id] = true
		}
	}
	return done
}

// busySet возвращает стадии, у которых есть незавершённая попытка.
func (s *runState) busySet() map[string]bool {
	busy := make(map[string]bool)
	for id, st := range s.stages {
		if st.inflight || st.pending {
			busy[id] = true
		}
	}
	return busy
}

// readyNodes возвращает стадии, готовые к новой попытке, в порядке объявления.
func (s *runState) readyNodes() []*engine.Node {
	return s.dag.GetReadyNodes(s.completedSet(), s.busySet())
}

// isComplete проверяет, что все стадии завершены успешно.
func (s *runState) isComplete() bool {
	for _, st := range s.stages {
		if !st.completed {
			return false
		}
	}
	return true
}

// upstream собирает выходы завершённых стадий.
func (s *runState) upstream() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for id, st := range s.stages {
		if st.completed {
			out[id] = st.output
		}
	}
	return out
}

// outputs возвращает копию выходов всех стадий.
func (s *runState) outputs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.stages))
	for id, st := range s.stages {
		out[id] = maps.Clone(st.output)
	}
	return out
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/telemetry"
	"github.com/shaiso/Signalflow/internal/worker"
)

// Default configuration values.
const (
	defaultGlobalConcurrency = 16
	defaultRunConcurrency    = 4
	defaultStaleAfter        = 10 * time.Minute
	abandonTimeout           = 5 * time.Second
)

// Scheduler проводит run по DAG стадий.
//
// Для каждого run работает собственный цикл событий: готовые стадии
// записываются как QUEUED попытки и выполняются через worker.Executor,
// завершения приходят событиями, после каждого события готовность
// пересчитывается. Повторы с backoff записываются сразу с NotBefore и
// запускаются по таймеру, поэтому переживают рестарт.
//
// Общее число одновременно выполняющихся агентов ограничено семафором,
// разделяемым всеми runs.
type Scheduler struct {
	tasks    repo.TaskStore
	exec     *worker.Executor
	slots    *semaphore.Weighted
	runLimit int
	stale    time.Duration
	jitter   func() float64
	onTask   func(run *domain.Run, task *domain.Task)
	logger   *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Tasks    repo.TaskStore
	Executor *worker.Executor

	// GlobalConcurrency — максимум одновременно выполняющихся агентов
	// во всех runs (default: 16).
	GlobalConcurrency int64

	// RunConcurrency — максимум одновременно выполняющихся стадий
	// одного run, если pipeline не задаёт своё (default: 4).
	RunConcurrency int

	// StaleAfter — RUNNING попытка без heartbeat дольше этого срока
	// считается брошенной при восстановлении run (default: 10m).
	StaleAfter time.Duration

	// Jitter — источник случайности для backoff, [0, 1).
	Jitter func() float64

	// OnTaskFinished вызывается из цикла run после завершения каждой попытки.
	OnTaskFinished func(run *domain.Run, task *domain.Task)

	Logger *slog.Logger
}

// Result — результат успешного run.
type Result struct {
	// Outputs — выходы всех стадий (stageID → output).
	Outputs map[string]map[string]any

	// TerminalStage — ID терминальной стадии.
	TerminalStage string

	// Terminal — выход терминальной стадии.
	Terminal map[string]any
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	global := cfg.GlobalConcurrency
	if global <= 0 {
		global = defaultGlobalConcurrency
	}

	runLimit := cfg.RunConcurrency
	if runLimit <= 0 {
		runLimit = defaultRunConcurrency
	}

	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}

	jitter := cfg.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		tasks:    cfg.Tasks,
		exec:     cfg.Executor,
		slots:    semaphore.NewWeighted(global),
		runLimit: runLimit,
		stale:    stale,
		jitter:   jitter,
		onTask:   cfg.OnTaskFinished,
		logger:   logger,
	}
}

// Execute проводит run до завершения.
//
// Run должен быть в статусе RUNNING: только тогда попытки можно захватить.
// Состояние восстанавливается из истории попыток, поэтому Execute можно
// вызвать повторно для run, прерванного рестартом.
//
// Возвращает Result, если все стадии SUCCEEDED; *StageError, если стадия
// провалилась окончательно; ErrRunCancelled при отмене ctx;
// ErrRunTakenOver, если run ведёт другой экземпляр.
// Статус run не меняет: это делает orchestrator.
func (s *Scheduler) Execute(ctx context.Context, run *domain.Run) (*Result, error) {
	dag, err := engine.BuildDAG(&run.Spec)
	if err != nil {
		return nil, fmt.Errorf("build DAG: %w", err)
	}

	history, err := s.tasks.ListTasks(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(history) > 0 {
		// Run подхвачен заново: RUNNING попытки без heartbeat остались
		// от упавшего владельца.
		n, err := s.tasks.FailStaleTasks(ctx, run.ID, time.Now().Add(-s.stale))
		if err != nil {
			return nil, fmt.Errorf("fail stale tasks: %w", err)
		}
		if n > 0 {
			if history, err = s.tasks.ListTasks(ctx, run.ID); err != nil {
				return nil, fmt.Errorf("list tasks: %w", err)
			}
		}
		for i := range history {
			if history[i].Status == domain.TaskStatusRunning {
				return nil, fmt.Errorf("stage %s: %w", history[i].StageID, ErrRunTakenOver)
			}
		}
	}

	state := newRunState(run, dag)
	unresolved := state.restore(history)

	limit := s.runLimit
	if run.Spec.Concurrency > 0 {
		limit = run.Spec.Concurrency
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	x := &execution{
		s:      s,
		state:  state,
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan event, 2*len(dag.Nodes)+1),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
		limit:  limit,
		logger: telemetry.WithRunID(s.logger, run.ID.String()),
	}
	defer close(x.done)

	x.logger.Info("run scheduling started",
		"pipeline", run.Pipeline,
		"stages", dag.Size(),
		"restored_tasks", len(history),
		"concurrency", limit,
	)

	for _, task := range unresolved {
		x.resolveFailure(task, derefTime(task.FinishedAt))
	}
	for id, st := range state.stages {
		if st.pending {
			x.arm(id, time.Until(derefTime(st.latest.NotBefore)))
		}
	}

	return x.loop()
}

type eventKind int

const (
	eventTaskDone eventKind = iota
	eventRetryDue
)

type event struct {
	kind  eventKind
	stage string
	task  *domain.Task
	err   error
}

// execution — один проход Scheduler.Execute.
// Все поля меняются только горутиной цикла.
type execution struct {
	s      *Scheduler
	state  *runState
	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
	timers map[string]*time.Timer
	limit  int
	logger *slog.Logger
	fatal  error
}

func (x *execution) loop() (*Result, error) {
	for {
		if x.fatal == nil && x.ctx.Err() == nil {
			x.dispatch()
		}
		if x.fatal != nil || x.ctx.Err() != nil {
			return x.shutdown()
		}
		if x.state.isComplete() {
			x.logger.Info("run stages completed")
			return x.result(), nil
		}
		if x.state.inflight == 0 && x.state.pending == 0 {
			x.fatal = ErrStalled
			return x.shutdown()
		}

		select {
		case ev := <-x.events:
			x.handle(ev)
		case <-x.ctx.Done():
		}
	}
}

// dispatch запускает попытки: сначала те, у которых истёк backoff,
// затем новые для готовых стадий. Всё в порядке объявления стадий.
func (x *execution) dispatch() {
	for i := range x.state.run.Spec.Stages {
		if x.state.inflight >= x.limit {
			return
		}
		id := x.state.run.Spec.Stages[i].ID
		st := x.state.stages[id]
		if st.pending && st.due {
			st.pending, st.due = false, false
			x.state.pending--
			x.launch(id, st.latest)
		}
	}

	for _, node := range x.state.readyNodes() {
		if x.state.inflight >= x.limit || x.fatal != nil {
			return
		}
		task, err := x.newAttempt(node)
		if err != nil {
			x.fatal = err
			return
		}
		if task != nil {
			x.launch(node.ID, task)
		}
	}
}

// newAttempt записывает первую попытку готовой стадии.
// Если вход собрать не удалось, попытка сразу проваливается и
// возвращается nil.
func (x *execution) newAttempt(node *engine.Node) (*domain.Task, error) {
	run := x.state.run
	st := x.state.stages[node.ID]

	attempt := 1
	if st.latest != nil {
		attempt = st.latest.Attempt + 1
	}

	var (
		kind  domain.ErrorKind
		cause error
	)
	upstream, err := x.collectUpstream(node)
	if err != nil {
		kind, cause = domain.ErrorKindMergeConflict, err
	}
	params, err := x.renderParams(node.Stage, attempt)
	if err != nil && cause == nil {
		kind, cause = domain.ErrorKindPermanent, err
	}

	task := domain.NewTask(run.ID, node.Stage, attempt, worker.TaskInput(params, upstream))
	if err := x.s.tasks.RecordTaskAttempt(x.ctx, task); err != nil {
		return nil, ownership(fmt.Errorf("record attempt %s/%d: %w", node.ID, attempt, err))
	}
	st.latest = task

	if cause == nil {
		return task, nil
	}

	failed, err := x.s.exec.Reject(x.ctx, task.ID, kind, cause)
	if err != nil {
		return nil, ownership(fmt.Errorf("reject attempt %s/%d: %w", node.ID, attempt, err))
	}
	x.finished(node.ID, failed)
	return nil, nil
}

func (x *execution) collectUpstream(node *engine.Node) (map[string]any, error) {
	if len(node.DependsOn) == 0 {
		inputs := maps.Clone(x.state.run.Inputs)
		if inputs == nil {
			inputs = make(map[string]any)
		}
		return inputs, nil
	}
	return engine.MergeInputs(x.state.run.Spec.EffectiveMerge(), node, x.state.upstream())
}

func (x *execution) renderParams(stage *domain.StageDef, attempt int) (map[string]any, error) {
	run := x.state.run
	tctx := engine.NewContext(run.Inputs)
	tctx.Run = engine.RunContext{ID: run.ID.String(), Pipeline: run.Pipeline}
	tctx.Stage = engine.StageContext{ID: stage.ID, Attempt: attempt}
	return engine.RenderParams(stage.Params, tctx)
}

// launch выполняет попытку в отдельной горутине.
func (x *execution) launch(stageID string, task *domain.Task) {
	st := x.state.stages[stageID]
	st.inflight = true
	x.state.inflight++

	run := x.state.run
	stage, _ := run.Spec.Stage(stageID)
	timeout := run.Spec.EffectiveTimeout(stage)

	go func() {
		var (
			done *domain.Task
			err  error
		)
		if err = x.s.slots.Acquire(x.ctx, 1); err == nil {
			done, err = x.s.exec.Execute(x.ctx, run, task.ID, timeout)
			x.s.slots.Release(1)
		}
		x.post(event{kind: eventTaskDone, stage: stageID, task: done, err: err})
	}()
}

func (x *execution) handle(ev event) {
	switch ev.kind {
	case eventRetryDue:
		delete(x.timers, ev.stage)
		if st := x.state.stages[ev.stage]; st.pending {
			st.due = true
		}

	case eventTaskDone:
		st := x.state.stages[ev.stage]
		st.inflight = false
		x.state.inflight--

		if ev.err != nil {
			if x.ctx.Err() != nil {
				return
			}
			x.fatal = ownership(fmt.Errorf("stage %s: %w", ev.stage, ev.err))
			return
		}
		x.finished(ev.stage, ev.task)
	}
}

// finished применяет результат завершённой попытки.
func (x *execution) finished(stageID string, task *domain.Task) {
	st := x.state.stages[stageID]
	st.latest = task

	if x.s.onTask != nil {
		x.s.onTask(x.state.run, task)
	}

	switch task.Status {
	case domain.TaskStatusSucceeded:
		st.completed = true
		st.output = task.Output

	case domain.TaskStatusFailed:
		if task.ErrorKind != domain.ErrorKindCancelled {
			st.failures++
		}
		x.resolveFailure(task, time.Now())
	}
}

// resolveFailure решает судьбу проваленной попытки: повтор или
// окончательный провал стадии. from — момент, от которого отсчитывается
// backoff.
func (x *execution) resolveFailure(task *domain.Task, from time.Time) {
	st := x.state.stages[task.StageID]
	stage, _ := x.state.run.Spec.Stage(task.StageID)
	policy := x.state.run.Spec.EffectiveRetry(stage)

	switch {
	case task.ErrorKind == domain.ErrorKindCancelled:
		if x.ctx.Err() != nil {
			return
		}
		// Попытку прервала остановка прежнего экземпляра: повторяем сразу.
		x.scheduleRetry(task, time.Now())

	case task.ErrorKind.Retryable() && st.failures < policy.MaxAttempts:
		delay := Backoff(policy, st.failures, x.s.jitter)
		x.logger.Info("stage retry scheduled",
			"stage_id", task.StageID,
			"failed_attempt", task.Attempt,
			"delay", delay,
			"error", task.Error,
		)
		x.scheduleRetry(task, from.Add(delay))

	default:
		x.fatal = &StageError{
			StageID: task.StageID,
			Attempt: task.Attempt,
			Kind:    task.ErrorKind,
			Message: task.Error,
		}
	}
}

// scheduleRetry записывает следующую попытку с NotBefore и взводит таймер.
func (x *execution) scheduleRetry(prev *domain.Task, notBefore time.Time) {
	run := x.state.run
	stage, _ := run.Spec.Stage(prev.StageID)
	st := x.state.stages[prev.StageID]
	attempt := prev.Attempt + 1

	_, upstream := worker.SplitTaskInput(prev.Input)
	params, err := x.renderParams(stage, attempt)
	if err != nil {
		x.fatal = &StageError{StageID: stage.ID, Attempt: attempt, Kind: domain.ErrorKindPermanent, Message: err.Error()}
		return
	}

	next := domain.NewTask(run.ID, stage, attempt, worker.TaskInput(params, upstream))
	next.NotBefore = &notBefore
	if err := x.s.tasks.RecordTaskAttempt(x.ctx, next); err != nil {
		x.fatal = ownership(fmt.Errorf("record attempt %s/%d: %w", stage.ID, attempt, err))
		return
	}
	if err := x.s.tasks.MarkTaskRetrying(x.ctx, prev.ID); err != nil && !errors.Is(err, repo.ErrInvalidState) {
		x.logger.Warn("failed to mark task retrying", "task_id", prev.ID, "error", err)
	}
	prev.Status = domain.TaskStatusRetrying

	st.latest = next
	st.pending = true
	x.state.pending++
	x.arm(stage.ID, time.Until(notBefore))
}

// arm взводит таймер, по которому отложенная попытка станет готовой.
func (x *execution) arm(stageID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if t, ok := x.timers[stageID]; ok {
		t.Stop()
	}
	x.timers[stageID] = time.AfterFunc(d, func() {
		x.post(event{kind: eventRetryDue, stage: stageID})
	})
}

func (x *execution) post(ev event) {
	select {
	case x.events <- ev:
	case <-x.done:
	}
}

// shutdown останавливает run: таймеры гасятся, выполняющиеся попытки
// получают отменённый контекст и дожидаются, оставшиеся QUEUED
// попытки проваливаются как cancelled.
func (x *execution) shutdown() (*Result, error) {
	x.cancel()
	for id, t := range x.timers {
		t.Stop()
		delete(x.timers, id)
	}

	for x.state.inflight > 0 {
		ev := <-x.events
		if ev.kind != eventTaskDone {
			continue
		}
		st := x.state.stages[ev.stage]
		st.inflight = false
		x.state.inflight--
		if ev.task != nil {
			st.latest = ev.task
			if ev.task.Status == domain.TaskStatusSucceeded {
				st.completed = true
				st.output = ev.task.Output
			}
			if x.s.onTask != nil {
				x.s.onTask(x.state.run, ev.task)
			}
		}
	}

	if errors.Is(x.fatal, ErrRunTakenOver) {
		// Попытки принадлежат новому владельцу.
		x.logger.Warn("run scheduling stopped", "error", x.fatal)
		return nil, x.fatal
	}

	reason := "run cancelled"
	if x.fatal != nil {
		reason = "run failed: " + x.fatal.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), abandonTimeout)
	defer cancel()
	n, err := x.s.tasks.AbandonTasks(ctx, x.state.run.ID, reason)
	if err != nil {
		x.logger.Error("failed to abandon queued tasks", "error", err)
	} else if n > 0 {
		x.logger.Info("queued tasks abandoned", "count", n)
	}

	if x.fatal != nil {
		x.logger.Warn("run scheduling failed", "error", x.fatal)
		return nil, x.fatal
	}
	x.logger.Info("run scheduling cancelled")
	return nil, ErrRunCancelled
}

func (x *execution) result() *Result {
	outputs := x.state.outputs()
	terminal := x.state.dag.Terminal.ID
	return &Result{
		Outputs:       outputs,
		TerminalStage: terminal,
		Terminal:      outputs[terminal],
	}
}

// ownership помечает err как ErrRunTakenOver, если запись попытки
// отклонена из-за другого владельца run.
func ownership(err error) error {
	if errors.Is(err, repo.ErrClaimLost) ||
		errors.Is(err, repo.ErrAlreadyExists) ||
		errors.Is(err, worker.ErrTaskNotClaimed) {
		return fmt.Errorf("%w: %w", ErrRunTakenOver, err)
	}
	return err
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Now()
	}
	return *t
}

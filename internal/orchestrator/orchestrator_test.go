package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/shaiso/Signalflow/internal/agent"
	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/execution"
	"github.com/shaiso/Signalflow/internal/market"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/repo/sqlite"
	"github.com/shaiso/Signalflow/internal/scheduler"
	"github.com/shaiso/Signalflow/internal/telemetry"
	"github.com/shaiso/Signalflow/internal/worker"
)

type fakeAgent struct {
	capability domain.Capability
	fn         func(ctx context.Context, in *agent.Input) (agent.Output, error)
}

func (a *fakeAgent) Capability() domain.Capability { return a.capability }

func (a *fakeAgent) Execute(ctx context.Context, in *agent.Input) (agent.Output, error) {
	return a.fn(ctx, in)
}

// recordingEvents запоминает опубликованные события.
type recordingEvents struct {
	mu       sync.Mutex
	pending  []uuid.UUID
	finished []domain.Run
}

func (e *recordingEvents) PublishRunPending(_ context.Context, runID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, runID)
	return nil
}

func (e *recordingEvents) PublishRunFinished(_ context.Context, run *domain.Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, *run)
	return nil
}

func (e *recordingEvents) finishedFor(id uuid.UUID) []domain.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Run
	for _, r := range e.finished {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

type harness struct {
	store    *sqlite.Store
	registry *agent.Registry
	catalog  *engine.Catalog
	venue    *market.Paper
	events   *recordingEvents
	orch     *Orchestrator
}

func newHarness(t *testing.T, tune func(*Config)) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	logger := telemetry.Discard()
	registry := agent.NewRegistry()
	catalog := engine.NewCatalog(t.TempDir(), logger)
	catalog.Put(pipeline("daily"))

	venue := market.NewPaper(market.PaperConfig{Mode: market.FillImmediate})
	exec := execution.New(execution.Config{
		Orders:    store,
		Runs:      store,
		Market:    venue,
		Limits:    execution.Limits{MaxPosition: 100},
		RateLimit: rate.Inf,
		Logger:    logger,
	})

	sched := scheduler.New(scheduler.Config{
		Tasks: store,
		Executor: worker.New(worker.Config{
			Tasks:             store,
			Agents:            registry,
			Owner:             "test-instance",
			HeartbeatInterval: 10 * time.Millisecond,
			Logger:            logger,
		}),
		StaleAfter: 50 * time.Millisecond,
		Jitter:     func() float64 { return 0 },
		Logger:     logger,
	})

	cfg := Config{
		Store:        store,
		Catalog:      catalog,
		Scheduler:    sched,
		Executor:     exec,
		Agents:       registry,
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
	}
	if tune != nil {
		tune(&cfg)
	}

	h := &harness{
		store:    store,
		registry: registry,
		catalog:  catalog,
		venue:    venue,
		orch:     New(cfg),
	}
	if ev, ok := cfg.Events.(*recordingEvents); ok {
		h.events = ev
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Start(context.Background()))
	t.Cleanup(h.orch.Stop)
}

func (h *harness) agent(c domain.Capability, fn func(ctx context.Context, in *agent.Input) (agent.Output, error)) {
	h.registry.Register(&fakeAgent{capability: c, fn: fn})
}

func (h *harness) wait(t *testing.T, id uuid.UUID) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.orch.WaitRun(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return run
}

// pipeline — clean → signal с быстрыми повторами.
func pipeline(name string) *domain.PipelineSpec {
	retry := &domain.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 10, MaxDelayMs: 20}
	return &domain.PipelineSpec{
		Name: name,
		Stages: []domain.StageDef{
			{ID: "clean", Capability: domain.CapabilityDataCleaning, Outputs: []string{"clean_quotes"}, Retry: retry},
			{ID: "signal", Capability: domain.CapabilitySignalGeneration, DependsOn: []string{"clean"}, Outputs: []string{"signal"}, Retry: retry},
		},
	}
}

func cleanOK(context.Context, *agent.Input) (agent.Output, error) {
	return agent.Output{"clean_quotes": []any{"0.41", "0.43"}}, nil
}

func emit(signal any) func(context.Context, *agent.Input) (agent.Output, error) {
	return func(context.Context, *agent.Input) (agent.Output, error) {
		return agent.Output{"signal": signal}, nil
	}
}

func buySignal() map[string]any {
	return map[string]any{
		"market_id":  "KXBTC-25",
		"side":       "buy",
		"outcome":    "yes",
		"size":       5,
		"price":      "0.42",
		"confidence": "0.7",
	}
}

func TestStartRun_ExecutesSignal(t *testing.T) {
	h := newHarness(t, nil)
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, emit(buySignal()))
	h.start(t)

	run, err := h.orch.StartRun(context.Background(), StartRequest{
		Pipeline: "daily",
		Inputs:   map[string]any{"market": map[string]any{"id": "KXBTC-25"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Equal(t, "daily", run.Spec.Name)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)
	require.NotNil(t, final.Signal)
	assert.Equal(t, "KXBTC-25", final.Signal.MarketID)
	assert.Equal(t, run.ID, final.Signal.RunID)

	require.NotNil(t, final.Execution)
	assert.Equal(t, string(execution.OutcomeAccepted), final.Execution.Outcome)

	order, err := h.store.GetOrder(context.Background(), final.Execution.OrderKey)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, int64(5), order.FilledQty)
	assert.Equal(t, int64(1), h.venue.Submissions())
}

func TestStartRun_NoTrade(t *testing.T) {
	h := newHarness(t, nil)
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, emit(nil))
	h.start(t)

	run, err := h.orch.StartRun(context.Background(), StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)
	assert.Nil(t, final.Signal)
	require.NotNil(t, final.Execution)
	assert.Equal(t, ExecutionNoTrade, final.Execution.Outcome)
	assert.Zero(t, h.venue.Submissions())
}

func TestStartRun_InvalidPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, emit(nil))
	ctx := context.Background()

	cyclic := &domain.PipelineSpec{
		Name: "cyclic",
		Stages: []domain.StageDef{
			{ID: "a", Capability: domain.CapabilityDataCleaning, DependsOn: []string{"b"}},
			{ID: "b", Capability: domain.CapabilitySignalGeneration, DependsOn: []string{"a"}},
		},
	}
	_, err := h.orch.StartRun(ctx, StartRequest{Spec: cyclic})
	require.ErrorIs(t, err, ErrInvalidPipeline)
	assert.ErrorIs(t, err, engine.ErrCyclicDependency)

	conflict := &domain.PipelineSpec{
		Name: "conflict",
		Stages: []domain.StageDef{
			{ID: "a", Capability: domain.CapabilityDataCleaning, Outputs: []string{"x"}},
			{ID: "b", Capability: domain.CapabilityDataCleaning, Outputs: []string{"x"}},
			{ID: "c", Capability: domain.CapabilitySignalGeneration, DependsOn: []string{"a", "b"}},
		},
	}
	_, err = h.orch.StartRun(ctx, StartRequest{Spec: conflict})
	assert.ErrorIs(t, err, engine.ErrDependencyMergeConflict)

	// capability без зарегистрированного агента
	remote := &domain.PipelineSpec{
		Name:   "remote",
		Stages: []domain.StageDef{{ID: "r", Capability: domain.CapabilityRemote}},
	}
	_, err = h.orch.StartRun(ctx, StartRequest{Spec: remote})
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = h.orch.StartRun(ctx, StartRequest{Pipeline: "missing"})
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	_, err = h.orch.StartRun(ctx, StartRequest{})
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	runs, err := h.store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "invalid pipelines must not create runs")
}

func TestStartRun_IdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.orch.StartRun(ctx, StartRequest{Pipeline: "daily", IdempotencyKey: "hourly_2026-10-16T10:00:00Z"})
	require.NoError(t, err)

	second, err := h.orch.StartRun(ctx, StartRequest{Pipeline: "daily", IdempotencyKey: "hourly_2026-10-16T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := h.orch.StartRun(ctx, StartRequest{Pipeline: "daily", IdempotencyKey: "hourly_2026-10-16T11:00:00Z"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRun_StageFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.agent(domain.CapabilityDataCleaning, func(context.Context, *agent.Input) (agent.Output, error) {
		return nil, agent.Permanentf("quotes feed returned garbage")
	})
	h.agent(domain.CapabilitySignalGeneration, emit(buySignal()))
	h.start(t)

	run, err := h.orch.StartRun(context.Background(), StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Contains(t, final.Error, "clean")
	assert.Nil(t, final.Execution)
	assert.Zero(t, h.venue.Submissions())

	state, err := h.orch.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	clean, ok := state.Stage("clean")
	require.True(t, ok)
	assert.Equal(t, StageFailed, clean.Status)
	assert.Equal(t, domain.ErrorKindPermanent, clean.ErrorKind)
	signal, _ := state.Stage("signal")
	assert.Equal(t, StageWaiting, signal.Status)
}

func TestRun_MalformedSignalFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	bad := buySignal()
	bad["price"] = "1.5"
	h.agent(domain.CapabilitySignalGeneration, emit(bad))
	h.start(t)

	run, err := h.orch.StartRun(context.Background(), StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Contains(t, final.Error, "invalid signal")
	assert.Zero(t, h.venue.Submissions())
}

func TestCancelRun_StopsRunningRun(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, func(ctx context.Context, _ *agent.Input) (agent.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.start(t)
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("signal stage did not start")
	}

	cancelled, err := h.orch.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, cancelled.Status)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusAborted, final.Status)
	assert.Zero(t, h.orch.ActiveRunsCount())

	state, err := h.orch.GetStatus(ctx, run.ID)
	require.NoError(t, err)
	clean, _ := state.Stage("clean")
	assert.Equal(t, StageSucceeded, clean.Status, "succeeded stages stay succeeded")
	for _, task := range state.Tasks {
		assert.True(t, task.Status.IsTerminal(), "task %s left %s", task.StageID, task.Status)
	}

	_, err = h.orch.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunFinished)

	_, err = h.orch.CancelRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelRun_Pending(t *testing.T) {
	events := &recordingEvents{}
	h := newHarness(t, func(c *Config) { c.Events = events })
	ctx := context.Background()

	// Оркестратор не запущен: run остаётся PENDING.
	run, err := h.orch.StartRun(ctx, StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	cancelled, err := h.orch.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, cancelled.Status)

	finished := events.finishedFor(run.ID)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.RunStatusAborted, finished[0].Status)
}

func TestRun_PendingPublishedThenPolled(t *testing.T) {
	events := &recordingEvents{}
	h := newHarness(t, func(c *Config) { c.Events = events })
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, emit(nil))
	h.start(t)

	run, err := h.orch.StartRun(context.Background(), StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	events.mu.Lock()
	assert.Equal(t, []uuid.UUID{run.ID}, events.pending)
	events.mu.Unlock()

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)

	require.Eventually(t, func() bool { return len(events.finishedFor(run.ID)) == 1 },
		5*time.Second, 10*time.Millisecond)
	ev := events.finishedFor(run.ID)[0]
	assert.Equal(t, domain.RunStatusSucceeded, ev.Status)
	require.NotNil(t, ev.Execution)
	assert.Equal(t, ExecutionNoTrade, ev.Execution.Outcome)
}

func TestRecovery_ResumesStaleRun(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StaleAfter = 50 * time.Millisecond })
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, emit(nil))
	ctx := context.Background()

	// Run брошен упавшим экземпляром посреди стадии clean.
	spec := pipeline("daily")
	run := &domain.Run{
		ID:        uuid.New(),
		Pipeline:  spec.Name,
		Spec:      *spec,
		Status:    domain.RunStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	_, err := h.store.TransitionRun(ctx, run.ID, domain.ActiveRunStatuses, domain.RunStatusRunning, "")
	require.NoError(t, err)

	task := domain.NewTask(run.ID, &spec.Stages[0], 1, map[string]any{})
	require.NoError(t, h.store.RecordTaskAttempt(ctx, task))
	_, err = h.store.ClaimTask(ctx, task.ID, "dead-instance")
	require.NoError(t, err)

	h.start(t)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)

	state, err := h.orch.GetStatus(ctx, run.ID)
	require.NoError(t, err)
	clean, _ := state.Stage("clean")
	assert.Equal(t, StageSucceeded, clean.Status)
	assert.Equal(t, 2, clean.Attempts, "stale attempt is failed and retried")
}

// seedRunning создаёт RUNNING run, брошенный другим экземпляром.
func (h *harness) seedRunning(t *testing.T) *domain.Run {
	t.Helper()
	ctx := context.Background()
	spec := pipeline("daily")
	run := &domain.Run{
		ID:        uuid.New(),
		Pipeline:  spec.Name,
		Spec:      *spec,
		Status:    domain.RunStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	started, err := h.store.TransitionRun(ctx, run.ID, domain.ActiveRunStatuses, domain.RunStatusRunning, "")
	require.NoError(t, err)
	return started
}

func TestRecovery_HeartbeatKeepsRunWithOwner(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StaleAfter = 150 * time.Millisecond })
	h.agent(domain.CapabilityDataCleaning, cleanOK)
	h.agent(domain.CapabilitySignalGeneration, emit(nil))
	ctx := context.Background()

	run := h.seedRunning(t)
	task := domain.NewTask(run.ID, &run.Spec.Stages[0], 1, map[string]any{})
	require.NoError(t, h.store.RecordTaskAttempt(ctx, task))
	_, err := h.store.ClaimTask(ctx, task.ID, "busy-instance")
	require.NoError(t, err)

	// Владелец жив, пока шлёт heartbeat.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := h.store.HeartbeatTask(ctx, task.ID, "busy-instance"); err != nil {
					t.Errorf("heartbeat: %v", err)
					return
				}
			}
		}
	}()

	h.start(t)
	time.Sleep(400 * time.Millisecond)

	tasks, err := h.store.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "live attempt must not be taken over")
	assert.Equal(t, domain.TaskStatusRunning, tasks[0].Status)
	assert.Zero(t, h.orch.ActiveRunsCount())

	close(stop)
	<-done

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)
}

func TestRecovery_ExecutesOrphanedSignal(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StaleAfter = 50 * time.Millisecond })
	ctx := context.Background()

	// Экземпляр упал после перехода в SUCCEEDED, до отправки ордера.
	run := h.seedRunning(t)
	sig, err := domain.ParseSignal(map[string]any{"signal": buySignal()}, run.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.SetRunSignal(ctx, run.ID, sig))
	_, err = h.store.TransitionRun(ctx, run.ID, domain.ActiveRunStatuses, domain.RunStatusSucceeded, "")
	require.NoError(t, err)

	h.start(t)

	final := h.wait(t, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)
	require.NotNil(t, final.Execution)
	assert.Equal(t, string(execution.OutcomeAccepted), final.Execution.Outcome)
	assert.Equal(t, domain.OrderKey(sig.MarketID, sig.Side, sig.Outcome, run.ID), final.Execution.OrderKey)
	assert.Equal(t, int64(1), h.venue.Submissions())

	// Повторные poll не отправляют ордер снова.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), h.venue.Submissions())
}

func TestStop_LeavesRunRunning(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	h.agent(domain.CapabilityDataCleaning, func(ctx context.Context, _ *agent.Input) (agent.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.agent(domain.CapabilitySignalGeneration, emit(nil))
	require.NoError(t, h.orch.Start(context.Background()))

	run, err := h.orch.StartRun(context.Background(), StartRequest{Pipeline: "daily"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("clean stage did not start")
	}

	h.orch.Stop()
	assert.True(t, h.orch.IsStopped())
	assert.Zero(t, h.orch.ActiveRunsCount())

	after, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, after.Status, "shutdown must not finalize the run")

	_, err = h.orch.StartRun(context.Background(), StartRequest{Pipeline: "daily"})
	require.NoError(t, err, "run is created and left pending for another instance")
}

func TestGetStatus_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.GetStatus(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestNewRunState(t *testing.T) {
	spec := pipeline("daily")
	run := &domain.Run{ID: uuid.New(), Spec: *spec, Status: domain.RunStatusRunning}

	finished := time.Now()
	future := time.Now().Add(time.Minute)
	tasks := []domain.Task{
		{StageID: "clean", Attempt: 1, Status: domain.TaskStatusRetrying, ErrorKind: domain.ErrorKindTransient, FinishedAt: &finished},
		{StageID: "clean", Attempt: 2, Status: domain.TaskStatusQueued, NotBefore: &future},
	}

	state := NewRunState(run, tasks, true)
	require.Len(t, state.Stages, 2)

	clean := state.Stages[0]
	assert.Equal(t, "clean", clean.ID)
	assert.Equal(t, StageRetrying, clean.Status)
	assert.Equal(t, 2, clean.Attempts)

	assert.Equal(t, StageWaiting, state.Stages[1].Status)
	assert.Equal(t, RunStats{TotalStages: 2, RunningStages: 1, WaitingStages: 1}, state.Stats)
	assert.True(t, state.Active)

	assert.Equal(t, future, lastActivity(run, tasks), "delayed retry counts as activity")

	started := time.Now().Add(-time.Hour)
	beat := time.Now()
	running := []domain.Task{{StageID: "clean", Attempt: 1, Status: domain.TaskStatusRunning, CreatedAt: started, StartedAt: &started, HeartbeatAt: &beat}}
	assert.Equal(t, beat, lastActivity(run, running), "heartbeat counts as activity")
}

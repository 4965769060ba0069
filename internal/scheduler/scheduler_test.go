package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Signalflow/internal/agent"
	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/repo/sqlite"
	"github.com/shaiso/Signalflow/internal/telemetry"
	"github.com/shaiso/Signalflow/internal/worker"
)

// fakeAgent — агент с поведением из функции.
type fakeAgent struct {
	capability domain.Capability
	fn         func(ctx context.Context, in *agent.Input) (agent.Output, error)
}

func (a *fakeAgent) Capability() domain.Capability { return a.capability }

func (a *fakeAgent) Execute(ctx context.Context, in *agent.Input) (agent.Output, error) {
	return a.fn(ctx, in)
}

type harness struct {
	store     *sqlite.Store
	registry  *agent.Registry
	scheduler *Scheduler
}

func newHarness(t *testing.T, runConcurrency int) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	registry := agent.NewRegistry()
	exec := worker.New(worker.Config{
		Tasks:  store,
		Agents: registry,
		Owner:  "test",
		Logger: telemetry.Discard(),
	})

	return &harness{
		store:    store,
		registry: registry,
		scheduler: New(Config{
			Tasks:          store,
			Executor:       exec,
			RunConcurrency: runConcurrency,
			Jitter:         func() float64 { return 0 },
			Logger:         telemetry.Discard(),
		}),
	}
}

func (h *harness) agent(c domain.Capability, fn func(ctx context.Context, in *agent.Input) (agent.Output, error)) {
	h.registry.Register(&fakeAgent{capability: c, fn: fn})
}

func (h *harness) startRun(t *testing.T, spec domain.PipelineSpec) *domain.Run {
	t.Helper()
	ctx := context.Background()
	run := &domain.Run{
		ID:        uuid.New(),
		Pipeline:  spec.Name,
		Spec:      spec,
		Status:    domain.RunStatusPending,
		Inputs:    map[string]any{"market": map[string]any{"id": "M1"}},
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	started, err := h.store.TransitionRun(ctx, run.ID, domain.ActiveRunStatuses, domain.RunStatusRunning, "")
	require.NoError(t, err)
	return started
}

func (h *harness) attempts(t *testing.T, runID uuid.UUID, stageID string) []domain.Task {
	t.Helper()
	all, err := h.store.ListTasks(context.Background(), runID)
	require.NoError(t, err)
	var out []domain.Task
	for _, task := range all {
		if task.StageID == stageID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func ok(out agent.Output) func(context.Context, *agent.Input) (agent.Output, error) {
	return func(context.Context, *agent.Input) (agent.Output, error) { return out, nil }
}

// threeStage — clean → features → signal.
func threeStage(retry *domain.RetryPolicy) domain.PipelineSpec {
	return domain.PipelineSpec{
		Name: "three",
		Stages: []domain.StageDef{
			{ID: "clean", Capability: domain.CapabilityDataCleaning, Outputs: []string{"clean_quotes"}},
			{ID: "features", Capability: domain.CapabilityFeatureEngineering, DependsOn: []string{"clean"}, Outputs: []string{"features"}, Retry: retry},
			{ID: "signal", Capability: domain.CapabilitySignalGeneration, DependsOn: []string{"features"}, Outputs: []string{"signal"}},
		},
	}
}

func TestExecute_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t, 0)

	var featureCalls atomic.Int32
	h.agent(domain.CapabilityDataCleaning, func(_ context.Context, in *agent.Input) (agent.Output, error) {
		assert.Contains(t, in.Upstream, "market", "root stage sees run inputs")
		return agent.Output{"clean_quotes": []any{"q"}}, nil
	})
	h.agent(domain.CapabilityFeatureEngineering, func(_ context.Context, in *agent.Input) (agent.Output, error) {
		assert.Contains(t, in.Upstream, "clean_quotes")
		if featureCalls.Add(1) <= 2 {
			return nil, errors.New("feature store unavailable")
		}
		return agent.Output{"features": map[string]any{"mid": "0.5"}}, nil
	})
	h.agent(domain.CapabilitySignalGeneration, ok(agent.Output{"signal": nil}))

	spec := threeStage(&domain.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 1000})
	run := h.startRun(t, spec)

	start := time.Now()
	res, err := h.scheduler.Execute(context.Background(), run)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, "signal", res.TerminalStage)
	assert.Contains(t, res.Terminal, "signal")
	assert.Equal(t, int32(3), featureCalls.Load())

	attempts := h.attempts(t, run.ID, "features")
	require.Len(t, attempts, 3)
	assert.Equal(t, domain.TaskStatusRetrying, attempts[0].Status)
	assert.Equal(t, domain.TaskStatusRetrying, attempts[1].Status)
	assert.Equal(t, domain.TaskStatusSucceeded, attempts[2].Status)
	require.NotNil(t, attempts[2].NotBefore)

	assert.Len(t, h.attempts(t, run.ID, "clean"), 1)
	assert.Len(t, h.attempts(t, run.ID, "signal"), 1)
}

func TestExecute_PermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(domain.CapabilityDataCleaning, ok(agent.Output{"clean_quotes": []any{}}))
	h.agent(domain.CapabilityFeatureEngineering, func(context.Context, *agent.Input) (agent.Output, error) {
		return nil, agent.Permanent(errors.New("no quotes"))
	})
	h.agent(domain.CapabilitySignalGeneration, func(context.Context, *agent.Input) (agent.Output, error) {
		t.Error("downstream stage must not run")
		return nil, nil
	})

	run := h.startRun(t, threeStage(&domain.RetryPolicy{MaxAttempts: 5, InitialDelayMs: 10}))
	_, err := h.scheduler.Execute(context.Background(), run)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "features", stageErr.StageID)
	assert.Equal(t, 1, stageErr.Attempt)
	assert.Equal(t, domain.ErrorKindPermanent, stageErr.Kind)
	assert.Len(t, h.attempts(t, run.ID, "features"), 1)
	assert.Empty(t, h.attempts(t, run.ID, "signal"))
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(domain.CapabilityDataCleaning, ok(agent.Output{}))
	h.agent(domain.CapabilityFeatureEngineering, func(context.Context, *agent.Input) (agent.Output, error) {
		return nil, agent.Transient(errors.New("flaky"))
	})
	h.agent(domain.CapabilitySignalGeneration, ok(agent.Output{"signal": nil}))

	run := h.startRun(t, threeStage(&domain.RetryPolicy{MaxAttempts: 2, InitialDelayMs: 10}))
	_, err := h.scheduler.Execute(context.Background(), run)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, 2, stageErr.Attempt)
	assert.Equal(t, domain.ErrorKindTransient, stageErr.Kind)

	attempts := h.attempts(t, run.ID, "features")
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.TaskStatusRetrying, attempts[0].Status)
	assert.Equal(t, domain.TaskStatusFailed, attempts[1].Status)
}

func TestExecute_CancelStopsDispatch(t *testing.T) {
	h := newHarness(t, 0)
	started := make(chan struct{})

	h.agent(domain.CapabilityDataCleaning, ok(agent.Output{"clean_quotes": []any{}}))
	h.agent(domain.CapabilityFeatureEngineering, func(ctx context.Context, _ *agent.Input) (agent.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.agent(domain.CapabilitySignalGeneration, func(context.Context, *agent.Input) (agent.Output, error) {
		t.Error("stage after cancel must not run")
		return nil, nil
	})

	run := h.startRun(t, threeStage(nil))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := h.scheduler.Execute(ctx, run)
	require.ErrorIs(t, err, ErrRunCancelled)

	clean := h.attempts(t, run.ID, "clean")
	require.Len(t, clean, 1)
	assert.Equal(t, domain.TaskStatusSucceeded, clean[0].Status)

	features := h.attempts(t, run.ID, "features")
	require.Len(t, features, 1)
	assert.Equal(t, domain.TaskStatusFailed, features[0].Status)
	assert.Equal(t, domain.ErrorKindCancelled, features[0].ErrorKind)

	assert.Empty(t, h.attempts(t, run.ID, "signal"))
}

func TestExecute_CancelDuringBackoff(t *testing.T) {
	h := newHarness(t, 0)
	failed := make(chan struct{}, 1)

	h.agent(domain.CapabilityDataCleaning, ok(agent.Output{}))
	h.agent(domain.CapabilityFeatureEngineering, func(context.Context, *agent.Input) (agent.Output, error) {
		failed <- struct{}{}
		return nil, errors.New("flaky")
	})
	h.agent(domain.CapabilitySignalGeneration, ok(agent.Output{"signal": nil}))

	run := h.startRun(t, threeStage(&domain.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 10_000, MaxDelayMs: 10_000}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-failed
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.scheduler.Execute(ctx, run)
	require.ErrorIs(t, err, ErrRunCancelled)
	assert.Less(t, time.Since(start), 5*time.Second, "pending retry timer must be stopped")

	attempts := h.attempts(t, run.ID, "features")
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.TaskStatusRetrying, attempts[0].Status)
	assert.Equal(t, domain.TaskStatusFailed, attempts[1].Status)
	assert.Equal(t, domain.ErrorKindCancelled, attempts[1].ErrorKind)
}

func TestExecute_ResumeAfterCancel(t *testing.T) {
	h := newHarness(t, 0)
	var cleanCalls atomic.Int32
	block := atomic.Bool{}
	block.Store(true)
	started := make(chan struct{}, 1)

	h.agent(domain.CapabilityDataCleaning, func(context.Context, *agent.Input) (agent.Output, error) {
		cleanCalls.Add(1)
		return agent.Output{"clean_quotes": []any{}}, nil
	})
	h.agent(domain.CapabilityFeatureEngineering, func(ctx context.Context, _ *agent.Input) (agent.Output, error) {
		if block.Load() {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return agent.Output{"features": map[string]any{}}, nil
	})
	h.agent(domain.CapabilitySignalGeneration, ok(agent.Output{"signal": nil}))

	run := h.startRun(t, threeStage(&domain.RetryPolicy{MaxAttempts: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := h.scheduler.Execute(ctx, run)
	require.ErrorIs(t, err, ErrRunCancelled)

	// Повторный запуск: clean не выполняется заново, отменённая попытка
	// не расходует MaxAttempts.
	block.Store(false)
	res, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, "signal", res.TerminalStage)
	assert.Equal(t, int32(1), cleanCalls.Load())

	features := h.attempts(t, run.ID, "features")
	require.Len(t, features, 2)
	assert.Equal(t, domain.TaskStatusSucceeded, features[1].Status)
}

func TestExecute_LiveAttemptElsewhere(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(domain.CapabilityDataCleaning, func(context.Context, *agent.Input) (agent.Output, error) {
		t.Error("stage owned by another instance must not run")
		return nil, nil
	})
	run := h.startRun(t, threeStage(nil))
	ctx := context.Background()

	task := domain.NewTask(run.ID, &run.Spec.Stages[0], 1, map[string]any{})
	require.NoError(t, h.store.RecordTaskAttempt(ctx, task))
	_, err := h.store.ClaimTask(ctx, task.ID, "other-node")
	require.NoError(t, err)

	_, err = h.scheduler.Execute(ctx, run)
	require.ErrorIs(t, err, ErrRunTakenOver)

	clean := h.attempts(t, run.ID, "clean")
	require.Len(t, clean, 1)
	assert.Equal(t, domain.TaskStatusRunning, clean[0].Status, "fresh attempt is left to its owner")
}

func TestExecute_TakenOverMidStage(t *testing.T) {
	h := newHarness(t, 0)
	h.scheduler = New(Config{
		Tasks: h.store,
		Executor: worker.New(worker.Config{
			Tasks:             h.store,
			Agents:            h.registry,
			Owner:             "slow-node",
			HeartbeatInterval: 10 * time.Millisecond,
			Logger:            telemetry.Discard(),
		}),
		Jitter: func() float64 { return 0 },
		Logger: telemetry.Discard(),
	})

	started := make(chan struct{})
	h.agent(domain.CapabilityDataCleaning, ok(agent.Output{"clean_quotes": []any{}}))
	h.agent(domain.CapabilityFeatureEngineering, func(ctx context.Context, _ *agent.Input) (agent.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.agent(domain.CapabilitySignalGeneration, ok(agent.Output{"signal": nil}))

	run := h.startRun(t, threeStage(&domain.RetryPolicy{MaxAttempts: 3}))
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		<-started
		// Другой экземпляр перехватил run и поставил свою попытку.
		ctx := context.Background()
		if _, err := h.store.FailStaleTasks(ctx, run.ID, time.Now().Add(time.Hour)); err != nil {
			t.Errorf("fail stale tasks: %v", err)
			return
		}
		retry := domain.NewTask(run.ID, &run.Spec.Stages[1], 2, map[string]any{})
		if err := h.store.RecordTaskAttempt(ctx, retry); err != nil {
			t.Errorf("record attempt: %v", err)
		}
	}()

	_, err := h.scheduler.Execute(context.Background(), run)
	require.ErrorIs(t, err, ErrRunTakenOver)
	<-recorded

	features := h.attempts(t, run.ID, "features")
	require.Len(t, features, 2)
	assert.Equal(t, "executor lost", features[0].Error)
	assert.Equal(t, domain.TaskStatusQueued, features[1].Status, "new owner's attempt must not be abandoned")
	assert.Empty(t, h.attempts(t, run.ID, "signal"))
}

func TestExecute_MergeConflictAtRuntime(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(domain.CapabilityRemote, func(_ context.Context, in *agent.Input) (agent.Output, error) {
		return agent.Output{"x": in.StageID}, nil
	})

	spec := domain.PipelineSpec{
		Name: "conflict",
		Stages: []domain.StageDef{
			{ID: "a", Capability: domain.CapabilityRemote},
			{ID: "b", Capability: domain.CapabilityRemote},
			{ID: "c", Capability: domain.CapabilityRemote, DependsOn: []string{"a", "b"}},
		},
	}
	run := h.startRun(t, spec)

	_, err := h.scheduler.Execute(context.Background(), run)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "c", stageErr.StageID)
	assert.Equal(t, domain.ErrorKindMergeConflict, stageErr.Kind)
	assert.Len(t, h.attempts(t, run.ID, "c"), 1)
}

func TestExecute_NamespacedMerge(t *testing.T) {
	h := newHarness(t, 0)
	var got map[string]any
	h.agent(domain.CapabilityRemote, func(_ context.Context, in *agent.Input) (agent.Output, error) {
		if in.StageID == "c" {
			got = in.Upstream
		}
		return agent.Output{"x": in.StageID}, nil
	})

	spec := domain.PipelineSpec{
		Name:  "ns",
		Merge: domain.MergeNamespaced,
		Stages: []domain.StageDef{
			{ID: "a", Capability: domain.CapabilityRemote},
			{ID: "b", Capability: domain.CapabilityRemote},
			{ID: "c", Capability: domain.CapabilityRemote, DependsOn: []string{"a", "b"}},
		},
	}
	run := h.startRun(t, spec)

	_, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "a"}, got["a"])
	assert.Equal(t, map[string]any{"x": "b"}, got["b"])
}

func TestExecute_RunConcurrencyLimit(t *testing.T) {
	h := newHarness(t, 2)
	var current, peak atomic.Int32

	h.agent(domain.CapabilityRemote, func(_ context.Context, in *agent.Input) (agent.Output, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return agent.Output{in.StageID: true}, nil
	})

	spec := domain.PipelineSpec{Name: "wide"}
	var roots []string
	for i := range 5 {
		id := fmt.Sprintf("r%d", i)
		roots = append(roots, id)
		spec.Stages = append(spec.Stages, domain.StageDef{ID: id, Capability: domain.CapabilityRemote})
	}
	spec.Stages = append(spec.Stages, domain.StageDef{ID: "sink", Capability: domain.CapabilityRemote, DependsOn: roots})

	run := h.startRun(t, spec)
	res, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

// TestExecute_RandomDAG проверяет на случайных графах, что стадия
// запускается только после всех зависимостей и видит их выходы.
func TestExecute_RandomDAG(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for iter := range 10 {
		t.Run(fmt.Sprintf("dag-%d", iter), func(t *testing.T) {
			h := newHarness(t, 3)
			spec := randomSpec(rng, 3+rng.IntN(8))
			deps := make(map[string][]string)
			for _, s := range spec.Stages {
				deps[s.ID] = s.DependsOn
			}

			var mu sync.Mutex
			finished := make(map[string]bool)
			h.agent(domain.CapabilityRemote, func(_ context.Context, in *agent.Input) (agent.Output, error) {
				mu.Lock()
				for _, d := range deps[in.StageID] {
					if !finished[d] {
						t.Errorf("stage %s started before dependency %s", in.StageID, d)
					}
					if in.Upstream[d] != true {
						t.Errorf("stage %s does not see output of %s", in.StageID, d)
					}
				}
				mu.Unlock()

				time.Sleep(time.Duration(len(in.StageID)%3) * time.Millisecond)

				mu.Lock()
				finished[in.StageID] = true
				mu.Unlock()
				return agent.Output{in.StageID: true}, nil
			})

			run := h.startRun(t, spec)
			res, err := h.scheduler.Execute(context.Background(), run)
			require.NoError(t, err)
			assert.Len(t, res.Outputs, len(spec.Stages))
			assert.Len(t, finished, len(spec.Stages))
		})
	}
}

// randomSpec строит случайный DAG из n стадий с единственной терминальной.
func randomSpec(rng *rand.Rand, n int) domain.PipelineSpec {
	spec := domain.PipelineSpec{Name: "random"}
	hasDependents := make(map[string]bool)

	for i := range n {
		id := fmt.Sprintf("s%d", i)
		var deps []string
		for j := range i {
			if rng.IntN(3) == 0 {
				dep := fmt.Sprintf("s%d", j)
				deps = append(deps, dep)
				hasDependents[dep] = true
			}
		}
		spec.Stages = append(spec.Stages, domain.StageDef{ID: id, Capability: domain.CapabilityRemote, DependsOn: deps})
	}

	var sinks []string
	for _, s := range spec.Stages {
		if !hasDependents[s.ID] {
			sinks = append(sinks, s.ID)
		}
	}
	spec.Stages = append(spec.Stages, domain.StageDef{ID: "final", Capability: domain.CapabilityRemote, DependsOn: sinks})
	return spec
}

func TestBackoff(t *testing.T) {
	exp := domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 100, MaxDelayMs: 1000}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := Backoff(exp, i+1, nil); got != w*time.Millisecond {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	fixed := domain.RetryPolicy{Backoff: "fixed", InitialDelayMs: 250, MaxDelayMs: 1000}
	if got := Backoff(fixed, 4, nil); got != 250*time.Millisecond {
		t.Errorf("fixed: got %v", got)
	}
}

func TestBackoff_NeverExceedsCap(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 1000 {
		p := domain.RetryPolicy{
			InitialDelayMs: 1 + rng.IntN(500),
			MaxDelayMs:     1 + rng.IntN(5000),
			Jitter:         rng.Float64(),
		}
		attempt := 1 + rng.IntN(40)
		got := Backoff(p, attempt, rng.Float64)
		if got > time.Duration(p.MaxDelayMs)*time.Millisecond {
			t.Fatalf("backoff %v exceeds cap %dms (attempt %d)", got, p.MaxDelayMs, attempt)
		}
		if got < 0 {
			t.Fatalf("negative backoff %v", got)
		}
	}
}

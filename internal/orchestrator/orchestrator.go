package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/execution"
	"github.com/shaiso/Signalflow/internal/mq"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/scheduler"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval  = 10 * time.Second
	defaultBatchSize     = 100
	defaultStaleAfter    = 10 * time.Minute
	defaultMaxActiveRuns = 64
	defaultSubmitTimeout = 30 * time.Second
	finalizeTimeout      = 10 * time.Second
)

// Store — часть хранилища, нужная оркестратору.
type Store interface {
	repo.RunStore
	repo.TaskStore
}

// Submitter исполняет сигнал run.
type Submitter interface {
	Submit(ctx context.Context, sig *domain.Signal) (*execution.OrderResult, error)
}

// Events публикует события жизненного цикла runs.
type Events interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID) error
	PublishRunFinished(ctx context.Context, run *domain.Run) error
}

// CapabilitySet — набор зарегистрированных агентов.
type CapabilitySet interface {
	Has(c domain.Capability) bool
}

// Orchestrator управляет выполнением runs.
//
// Экземпляров может быть несколько: run ведёт тот, кто выиграл CAS
// PENDING → RUNNING, попытки стадий защищены ClaimTask. Состояние
// между экземплярами передаётся только через хранилище.
type Orchestrator struct {
	store     Store
	catalog   *engine.Catalog
	scheduler *scheduler.Scheduler
	executor  Submitter
	agents    CapabilitySet

	events Events
	conn   *mq.Connection

	// activeRuns — runs, которые ведёт этот экземпляр (runID → handle).
	activeRuns map[uuid.UUID]*activeRun
	mu         sync.RWMutex

	runConsumer *mq.Consumer

	pollInterval  time.Duration
	batchSize     int
	staleAfter    time.Duration
	maxActiveRuns int
	submitTimeout time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics

	// ctx — контекст Start, родитель всех run-контекстов.
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// activeRun — run, который ведёт этот экземпляр.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store     Store
	Catalog   *engine.Catalog
	Scheduler *scheduler.Scheduler

	// Executor исполняет сигналы успешных runs. nil — сигнал только
	// сохраняется в run.
	Executor Submitter

	// Agents — проверка capability при StartRun. nil — только
	// статическая валидация pipeline.
	Agents CapabilitySet

	// Events — публикация run.pending и run.finished. nil — runs
	// запускаются локально.
	Events Events

	// Conn — соединение для consumer run.pending. nil — без consumer.
	Conn *mq.Connection

	PollInterval  time.Duration // интервал polling (default: 10s)
	BatchSize     int           // количество runs за один poll (default: 100)
	StaleAfter    time.Duration // простой RUNNING run или SUCCEEDED без исполнения до перехвата (default: 10m)
	MaxActiveRuns int           // runs одновременно на экземпляре (default: 64)

	// SubmitTimeout — дедлайн исполнения сигнала (default: 30s).
	SubmitTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	maxActive := cfg.MaxActiveRuns
	if maxActive <= 0 {
		maxActive = defaultMaxActiveRuns
	}

	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:         cfg.Store,
		catalog:       cfg.Catalog,
		scheduler:     cfg.Scheduler,
		executor:      cfg.Executor,
		agents:        cfg.Agents,
		events:        cfg.Events,
		conn:          cfg.Conn,
		activeRuns:    make(map[uuid.UUID]*activeRun),
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		staleAfter:    staleAfter,
		maxActiveRuns: maxActive,
		submitTimeout: submitTimeout,
		logger:        logger,
		metrics:       cfg.Metrics,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для runs.pending (если задан Conn)
//   - Polling горутину: новые, брошенные и отменённые runs
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	o.ctx = ctx
	o.cancelFunc = cancel
	o.mu.Unlock()

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"stale_after", o.staleAfter,
		"max_active_runs", o.maxActiveRuns,
	)

	if o.conn != nil {
		o.runConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsPending,
			Handler:  o.handleRunPending,
			Prefetch: 10,
			Types:    []mq.MessageType{mq.MessageTypeRunPending},
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.runConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("run consumer error", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и ждёт завершения активных runs.
//
// Прерванные остановкой runs остаются RUNNING и подхватываются
// после рестарта или другим экземпляром.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	// Отмена под мьютексом: после неё addActiveRun не регистрирует
	// новые runs и wg.Wait не пропустит горутину.
	o.mu.Lock()
	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.mu.Unlock()

	if o.runConsumer != nil {
		o.runConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу: подхватываем runs, созданные пока были выключены.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	o.cancelAbortedRuns(ctx)
	if o.executor != nil {
		o.executeOrphanedSignals(ctx)
	}

	runs, err := o.store.ListIncompleteRuns(ctx, o.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list incomplete runs", "error", err)
		}
		return
	}

	if len(runs) == 0 {
		return
	}

	o.logger.Debug("poll found incomplete runs", "count", len(runs))

	for i := range runs {
		run := &runs[i]
		if ctx.Err() != nil {
			return
		}
		if o.isRunActive(run.ID) {
			continue
		}

		switch run.Status {
		case domain.RunStatusPending:
			err = o.startPending(ctx, run.ID)
		case domain.RunStatusRunning:
			err = o.resumeIfStale(ctx, run)
		}

		if err != nil && !errors.Is(err, ErrRunNotPending) && !errors.Is(err, ErrRunAlreadyActive) {
			o.logger.Error("failed to process run from poll",
				"run_id", run.ID,
				"status", run.Status,
				"error", err,
			)
		}
	}
}

// executeOrphanedSignals исполняет сигналы runs, которые перешли в
// SUCCEEDED, но не получили запись исполнения: экземпляр упал между
// финальным переходом и Submit. Повторная отправка безопасна, ордер
// идемпотентен по ключу.
func (o *Orchestrator) executeOrphanedSignals(ctx context.Context) {
	runs, err := o.store.ListUnexecutedRuns(ctx, time.Now().Add(-o.staleAfter), o.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list unexecuted runs", "error", err)
		}
		return
	}

	for i := range runs {
		run := &runs[i]
		if ctx.Err() != nil {
			return
		}
		if o.isRunActive(run.ID) {
			continue
		}
		logger := o.logger.With("run_id", run.ID, "pipeline", run.Pipeline)

		exec := o.execute(run.Signal, logger)
		if exec == nil {
			continue
		}
		fctx, cancel := o.finalizeContext()
		err := o.store.SetRunExecution(fctx, run.ID, exec)
		cancel()
		switch {
		case errors.Is(err, repo.ErrInvalidState):
			// Исполнение записал другой экземпляр.
		case err != nil:
			logger.Error("failed to record execution", "outcome", exec.Outcome, "error", err)
		default:
			logger.Info("orphaned signal executed", "outcome", exec.Outcome)
		}
	}
}

// cancelAbortedRuns останавливает локальные runs, отменённые
// через другой экземпляр.
func (o *Orchestrator) cancelAbortedRuns(ctx context.Context) {
	for _, id := range o.activeRunIDs() {
		run, err := o.store.GetRun(ctx, id)
		if err != nil {
			continue
		}
		if run.Status == domain.RunStatusAborted {
			o.logger.Info("run aborted elsewhere, cancelling", "run_id", id)
			o.cancelActiveRun(id)
		}
	}
}

// resumeIfStale подхватывает RUNNING run без активности дольше staleAfter.
func (o *Orchestrator) resumeIfStale(ctx context.Context, run *domain.Run) error {
	tasks, err := o.store.ListTasks(ctx, run.ID)
	if err != nil {
		return err
	}

	idle := time.Since(lastActivity(run, tasks))
	if idle < o.staleAfter {
		return nil
	}

	o.logger.Info("resuming stale run", "run_id", run.ID, "idle", idle.Round(time.Second))
	return o.launch(run)
}

// isRunActive проверяет, ведёт ли run этот экземпляр.
func (o *Orchestrator) isRunActive(runID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// addActiveRun регистрирует run и возвращает его контекст.
// Каждый успешный вызов завершается removeActiveRun.
func (o *Orchestrator) addActiveRun(runID uuid.UUID) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil || o.ctx.Err() != nil {
		return nil, ErrOrchestratorStopped
	}
	if _, exists := o.activeRuns[runID]; exists {
		return nil, ErrRunAlreadyActive
	}
	if len(o.activeRuns) >= o.maxActiveRuns {
		return nil, ErrTooManyRuns
	}

	ctx, cancel := context.WithCancel(o.ctx)
	handle := &activeRun{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.activeRuns[runID] = handle
	o.wg.Add(1)
	return ctx, nil
}

// removeActiveRun удаляет run из активных.
func (o *Orchestrator) removeActiveRun(runID uuid.UUID) {
	o.mu.Lock()
	handle, ok := o.activeRuns[runID]
	delete(o.activeRuns, runID)
	o.mu.Unlock()

	if ok {
		handle.cancel()
		close(handle.done)
		o.wg.Done()
	}
}

// cancelActiveRun отменяет контекст локального run.
func (o *Orchestrator) cancelActiveRun(runID uuid.UUID) bool {
	o.mu.RLock()
	handle, ok := o.activeRuns[runID]
	o.mu.RUnlock()

	if ok {
		handle.cancel()
	}
	return ok
}

func (o *Orchestrator) activeRunDone(runID uuid.UUID) <-chan struct{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if handle, ok := o.activeRuns[runID]; ok {
		return handle.done
	}
	return nil
}

func (o *Orchestrator) activeRunIDs() []uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(o.activeRuns))
	for id := range o.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// shuttingDown возвращает true после Stop или отмены контекста Start.
func (o *Orchestrator) shuttingDown() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ctx == nil || o.ctx.Err() != nil
}

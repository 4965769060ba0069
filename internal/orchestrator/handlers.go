package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/mq"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/scheduler"
)

// Outcome записи Execution, которые выставляет сам оркестратор.
const (
	// ExecutionNoTrade — терминальная стадия решила не торговать.
	ExecutionNoTrade = "no_trade"

	// ExecutionError — Submit вернул ошибку инфраструктуры.
	// Ордер мог остаться PENDING, его доведёт сверка.
	ExecutionError = "execution_error"
)

// AdhocPipeline — имя run, запущенного с inline spec без имени.
const AdhocPipeline = "adhoc"

// StartRequest — параметры запуска run.
type StartRequest struct {
	// Pipeline — имя pipeline из каталога.
	Pipeline string

	// Spec — inline определение. Если задано, каталог не используется.
	Spec *domain.PipelineSpec

	Inputs map[string]any

	// IdempotencyKey — повторный StartRun с тем же ключом и pipeline
	// возвращает уже созданный run.
	IdempotencyKey string
}

// StartRun создаёт run и запускает его выполнение.
//
// Ошибки конфигурации pipeline возвращаются сразу (ErrInvalidPipeline),
// run при этом не создаётся.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*domain.Run, error) {
	spec, err := o.resolveSpec(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := o.store.GetRunByIdempotencyKey(ctx, spec.Name, req.IdempotencyKey)
		if err == nil {
			o.logger.Debug("run already exists for idempotency key",
				"run_id", existing.ID,
				"idempotency_key", req.IdempotencyKey,
			)
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	run := &domain.Run{
		ID:             uuid.New(),
		Pipeline:       spec.Name,
		Spec:           *spec,
		Status:         domain.RunStatusPending,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) && req.IdempotencyKey != "" {
			// Параллельный StartRun с тем же ключом успел раньше.
			return o.store.GetRunByIdempotencyKey(ctx, spec.Name, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	o.logger.Info("run created",
		"run_id", run.ID,
		"pipeline", run.Pipeline,
		"stages", len(spec.Stages),
	)

	o.dispatch(ctx, run.ID)
	return run, nil
}

// resolveSpec находит и валидирует pipeline запроса.
func (o *Orchestrator) resolveSpec(req StartRequest) (*domain.PipelineSpec, error) {
	var spec *domain.PipelineSpec
	switch {
	case req.Spec != nil:
		cp := *req.Spec
		spec = &cp
		if spec.Name == "" {
			spec.Name = req.Pipeline
		}
		if spec.Name == "" {
			spec.Name = AdhocPipeline
		}
	case req.Pipeline != "":
		if o.catalog == nil {
			return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, req.Pipeline)
		}
		var err error
		spec, err = o.catalog.Get(req.Pipeline)
		if err != nil {
			if errors.Is(err, engine.ErrPipelineNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, req.Pipeline)
			}
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: pipeline name or spec is required", ErrInvalidPipeline)
	}

	if err := engine.Validate(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}

	if o.agents != nil {
		for i := range spec.Stages {
			stage := &spec.Stages[i]
			if !o.agents.Has(stage.Capability) {
				return nil, fmt.Errorf("%w: stage %s: no agent for capability %s",
					ErrInvalidPipeline, stage.ID, stage.Capability)
			}
		}
	}

	return spec, nil
}

// dispatch передаёт новый run на выполнение: через run.pending, если
// настроена публикация, иначе локально. Неудача не ошибка: run
// остаётся PENDING и его подхватит poll.
func (o *Orchestrator) dispatch(ctx context.Context, runID uuid.UUID) {
	if o.events != nil {
		err := o.events.PublishRunPending(ctx, runID)
		if err == nil {
			return
		}
		o.logger.Warn("failed to publish run.pending, starting locally", "run_id", runID, "error", err)
	}

	if err := o.startPending(ctx, runID); err != nil {
		o.logger.Debug("run left pending", "run_id", runID, "reason", err)
	}
}

// handleRunPending обрабатывает сообщение run.pending.
func (o *Orchestrator) handleRunPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPendingPayload](delivery)
	if err != nil {
		o.logger.Error("failed to parse run.pending payload", "error", err)
		return err
	}

	o.logger.Debug("received run.pending event", "run_id", payload.RunID)

	if o.isRunActive(payload.RunID) {
		return nil
	}

	err = o.startPending(ctx, payload.RunID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunNotPending),
		errors.Is(err, ErrRunAlreadyActive),
		errors.Is(err, ErrRunNotFound),
		errors.Is(err, ErrTooManyRuns):
		// Run забрал другой экземпляр или его подхватит poll.
		o.logger.Debug("run not processed", "run_id", payload.RunID, "reason", err)
		return nil
	default:
		return err
	}
}

// startPending захватывает PENDING run и запускает его.
func (o *Orchestrator) startPending(ctx context.Context, runID uuid.UUID) error {
	runCtx, err := o.addActiveRun(runID)
	if err != nil {
		return err
	}

	run, err := o.store.TransitionRun(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending}, domain.RunStatusRunning, "")
	if err != nil {
		o.removeActiveRun(runID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		case errors.Is(err, repo.ErrInvalidState):
			return ErrRunNotPending
		default:
			return fmt.Errorf("mark run running: %w", err)
		}
	}

	o.spawn(runCtx, run)
	return nil
}

// launch запускает уже RUNNING run (восстановление).
func (o *Orchestrator) launch(run *domain.Run) error {
	runCtx, err := o.addActiveRun(run.ID)
	if err != nil {
		return err
	}
	o.spawn(runCtx, run)
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, run *domain.Run) {
	go func() {
		defer o.removeActiveRun(run.ID)
		o.drive(ctx, run)
	}()
}

// drive проводит run через scheduler и финализирует его.
func (o *Orchestrator) drive(ctx context.Context, run *domain.Run) {
	logger := o.logger.With("run_id", run.ID, "pipeline", run.Pipeline)
	logger.Info("run started")

	result, err := o.scheduler.Execute(ctx, run)
	if err != nil && ctx.Err() != nil && o.shuttingDown() {
		logger.Info("run interrupted by shutdown, left RUNNING")
		return
	}

	var stageErr *scheduler.StageError
	switch {
	case err == nil:
		o.succeed(run, result, logger)
	case errors.Is(err, scheduler.ErrRunCancelled):
		o.complete(run, domain.RunStatusAborted, "cancelled", logger)
	case errors.Is(err, scheduler.ErrRunTakenOver):
		o.yield(run, err, logger)
	case errors.As(err, &stageErr):
		o.complete(run, domain.RunStatusFailed, stageErr.Error(), logger)
	default:
		o.complete(run, domain.RunStatusFailed, err.Error(), logger)
	}
}

// yield отдаёт run экземпляру, который его перехватил. Статус run
// не меняется: его финализирует новый владелец.
func (o *Orchestrator) yield(run *domain.Run, cause error, logger *slog.Logger) {
	ctx, cancel := o.finalizeContext()
	defer cancel()

	current, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		logger.Error("failed to load run", "error", err)
		return
	}
	logger.Info("run taken over by another instance", "status", current.Status, "reason", cause)
}

// succeed сохраняет сигнал, переводит run в SUCCEEDED и исполняет сигнал.
func (o *Orchestrator) succeed(run *domain.Run, result *scheduler.Result, logger *slog.Logger) {
	sig, err := domain.ParseSignal(result.Terminal, run.ID)
	if err != nil {
		o.complete(run, domain.RunStatusFailed,
			fmt.Sprintf("terminal stage %s: %v", result.TerminalStage, err), logger)
		return
	}

	ctx, cancel := o.finalizeContext()
	defer cancel()

	if sig != nil {
		if err := o.store.SetRunSignal(ctx, run.ID, sig); err != nil {
			logger.Error("failed to persist signal", "error", err)
			o.complete(run, domain.RunStatusFailed, fmt.Sprintf("persist signal: %v", err), logger)
			return
		}
	}

	final := o.transition(ctx, run.ID, domain.RunStatusSucceeded, "", logger)
	if final == nil {
		return
	}
	if final.Status != domain.RunStatusSucceeded {
		// Run отменили после завершения последней стадии: сигнал не исполняем.
		o.finished(ctx, final, logger)
		return
	}

	if exec := o.execute(sig, logger); exec != nil {
		if err := o.store.SetRunExecution(ctx, run.ID, exec); err != nil {
			logger.Error("failed to record execution", "outcome", exec.Outcome, "error", err)
		}
		final.Execution = exec
	}
	final.Signal = sig

	o.finished(ctx, final, logger)
}

// execute передаёт сигнал в Executor и возвращает запись для run.
// nil — исполнение не настроено.
func (o *Orchestrator) execute(sig *domain.Signal, logger *slog.Logger) *domain.Execution {
	if sig == nil {
		logger.Info("no trade signal")
		return &domain.Execution{Outcome: ExecutionNoTrade, RecordedAt: time.Now().UTC()}
	}
	if o.executor == nil {
		return nil
	}

	// Исполнение не прерывается остановкой оркестратора: ордер,
	// созданный без отправки, остаётся на сверку.
	ctx, cancel := context.WithTimeout(context.Background(), o.submitTimeout)
	defer cancel()

	res, err := o.executor.Submit(ctx, sig)
	if err != nil {
		logger.Error("signal execution failed", "market_id", sig.MarketID, "error", err)
		return &domain.Execution{
			Outcome:    ExecutionError,
			OrderKey:   domain.OrderKey(sig.MarketID, sig.Side, sig.Outcome, sig.RunID),
			Detail:     err.Error(),
			RecordedAt: time.Now().UTC(),
		}
	}

	logger.Info("signal executed",
		"market_id", sig.MarketID,
		"outcome", res.Outcome,
		"detail", res.Detail,
	)
	return res.Execution()
}

// complete переводит run в терминальный статус и публикует run.finished.
func (o *Orchestrator) complete(run *domain.Run, to domain.RunStatus, errMsg string, logger *slog.Logger) {
	ctx, cancel := o.finalizeContext()
	defer cancel()

	if final := o.transition(ctx, run.ID, to, errMsg, logger); final != nil {
		o.finished(ctx, final, logger)
	}
}

// transition выполняет финальный переход. Если run уже терминальный
// (отменён параллельно), возвращает его текущее состояние.
func (o *Orchestrator) transition(ctx context.Context, runID uuid.UUID, to domain.RunStatus, errMsg string, logger *slog.Logger) *domain.Run {
	final, err := o.store.TransitionRun(ctx, runID, domain.ActiveRunStatuses, to, errMsg)
	if err == nil {
		return final
	}
	if !errors.Is(err, repo.ErrInvalidState) {
		logger.Error("failed to finalize run", "status", to, "error", err)
		return nil
	}

	final, err = o.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error("failed to load finished run", "error", err)
		return nil
	}
	logger.Info("run already finished", "status", final.Status, "wanted", to)
	return final
}

// finished учитывает завершение run в метриках и публикует событие.
func (o *Orchestrator) finished(ctx context.Context, run *domain.Run, logger *slog.Logger) {
	o.metrics.RunFinished(string(run.Status))

	logger.Info("run finished",
		"status", run.Status,
		"duration", run.Duration(),
		"error", run.Error,
	)

	if o.events != nil {
		if err := o.events.PublishRunFinished(ctx, run); err != nil {
			logger.Warn("failed to publish run.finished", "error", err)
		}
	}
}

func (o *Orchestrator) finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), finalizeTimeout)
}

// GetStatus возвращает run с историей попыток и сводкой по стадиям.
func (o *Orchestrator) GetStatus(ctx context.Context, runID uuid.UUID) (*RunState, error) {
	run, err := o.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	tasks, err := o.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return NewRunState(run, tasks, o.isRunActive(runID)), nil
}

// CancelRun отменяет run.
//
// Статус ABORTED записывается сразу. Локальный run останавливается
// через контекст, run другого экземпляра — на его следующем poll.
func (o *Orchestrator) CancelRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	prev, err := o.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev.IsFinished() {
		return nil, fmt.Errorf("%w: %s", ErrRunFinished, prev.Status)
	}

	run, err := o.store.TransitionRun(ctx, runID, domain.ActiveRunStatuses,
		domain.RunStatusAborted, "cancelled by operator")
	if err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return nil, ErrRunFinished
		}
		return nil, fmt.Errorf("abort run: %w", err)
	}

	logger := o.logger.With("run_id", runID, "pipeline", run.Pipeline)
	logger.Info("run cancelled", "previous_status", prev.Status)

	if o.cancelActiveRun(runID) {
		// Финализацию и событие выполнит drive.
		return run, nil
	}

	if n, err := o.store.AbandonTasks(ctx, runID, "run aborted"); err != nil {
		logger.Warn("failed to abandon queued tasks", "error", err)
	} else if n > 0 {
		logger.Info("abandoned queued tasks", "count", n)
	}

	if prev.Status == domain.RunStatusPending {
		o.finished(ctx, run, logger)
	}
	return run, nil
}

// WaitRun ждёт завершения run, включая запись результата исполнения.
func (o *Orchestrator) WaitRun(ctx context.Context, runID uuid.UUID, interval time.Duration) (*domain.Run, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	if done := o.activeRunDone(runID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := o.getRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.IsFinished() && (run.Status != domain.RunStatusSucceeded || run.Execution != nil || o.executor == nil) {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) getRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

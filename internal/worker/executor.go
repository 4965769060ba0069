package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/agent"
	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

const (
	// completeTimeout — время на запись результата после отмены run.
	completeTimeout = 5 * time.Second

	// DefaultHeartbeatInterval — период обновления heartbeat попытки.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Executor выполняет одну попытку стадии.
//
// Порядок: захват попытки (CAS QUEUED → RUNNING), вызов агента с таймаутом
// стадии, классификация ошибки, запись результата (CAS по владельцу).
// Решение о повторе принимает scheduler.
type Executor struct {
	tasks     repo.TaskStore
	agents    *agent.Registry
	owner     string
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Config — конфигурация Executor.
type Config struct {
	Tasks  repo.TaskStore
	Agents *agent.Registry

	// Owner — идентификатор экземпляра (если пусто — InstanceID()).
	Owner string

	// HeartbeatInterval — период heartbeat выполняющейся попытки
	// (default: 30s). Должен быть заметно меньше порога перехвата run.
	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	owner := cfg.Owner
	if owner == "" {
		owner = InstanceID()
	}

	agents := cfg.Agents
	if agents == nil {
		agents = agent.DefaultRegistry(nil)
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	return &Executor{
		tasks:     cfg.Tasks,
		agents:    agents,
		owner:     owner,
		heartbeat: heartbeat,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Owner возвращает идентификатор экземпляра.
func (e *Executor) Owner() string {
	return e.owner
}

// InstanceID возвращает идентификатор экземпляра вида host-pid-xxxx.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "signalflow"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Execute захватывает и выполняет попытку.
//
// Возвращает попытку в терминальном статусе (SUCCEEDED или FAILED).
// ErrTaskNotClaimed, если захват не удался. repo.ErrClaimLost, если
// попытку во время выполнения перехватил другой экземпляр: агент
// останавливается, результат не записывается. Прочая ошибка записи
// результата возвращается вместе с попыткой: её состояние в памяти
// достоверно, в store — нет.
func (e *Executor) Execute(ctx context.Context, run *domain.Run, taskID uuid.UUID, timeout time.Duration) (*domain.Task, error) {
	task, err := e.tasks.ClaimTask(ctx, taskID, e.owner)
	if err != nil {
		if errors.Is(err, repo.ErrClaimLost) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotClaimed, taskID)
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	logger := telemetry.WithTaskID(telemetry.WithRunID(e.logger, run.ID.String()), task.ID.String())
	logger.Info("task started",
		"stage_id", task.StageID,
		"capability", task.Capability,
		"attempt", task.Attempt,
	)

	if timeout <= 0 {
		timeout = domain.DefaultStageTimeout
	}
	started := time.Now()
	runCtx, stopHeartbeat := e.keepAlive(ctx, task, logger)
	output, execErr := e.run(telemetry.WithLogger(runCtx, logger), run, task, timeout)
	stopHeartbeat()

	if errors.Is(context.Cause(runCtx), repo.ErrClaimLost) {
		logger.Warn("task taken over by another instance", "stage_id", task.StageID, "attempt", task.Attempt)
		return nil, fmt.Errorf("task %s: %w", task.ID, repo.ErrClaimLost)
	}

	if execErr == nil {
		task.MarkSucceeded(output)
	} else {
		task.MarkFailed(classify(ctx, execErr), execErr.Error())
	}
	elapsed := time.Since(started)
	e.metrics.TaskFinished(string(task.Capability), string(task.Status), elapsed)

	// Результат записывается и после отмены run.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if err := e.tasks.CompleteTask(storeCtx, task); err != nil {
		logger.Error("failed to record task result", "stage_id", task.StageID, "error", err)
		return task, fmt.Errorf("complete task: %w", err)
	}

	if task.Status == domain.TaskStatusSucceeded {
		logger.Info("task succeeded",
			"stage_id", task.StageID,
			"attempt", task.Attempt,
			"duration", elapsed,
		)
	} else {
		logger.Warn("task failed",
			"stage_id", task.StageID,
			"attempt", task.Attempt,
			"error_kind", task.ErrorKind,
			"error", task.Error,
		)
	}

	return task, nil
}

// Reject захватывает попытку и сразу проваливает её без вызова агента.
// Используется, когда вход стадии не удалось собрать.
func (e *Executor) Reject(ctx context.Context, taskID uuid.UUID, kind domain.ErrorKind, reason error) (*domain.Task, error) {
	task, err := e.tasks.ClaimTask(ctx, taskID, e.owner)
	if err != nil {
		if errors.Is(err, repo.ErrClaimLost) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotClaimed, taskID)
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	task.MarkFailed(kind, reason.Error())
	e.metrics.TaskFinished(string(task.Capability), string(task.Status), 0)

	if err := e.tasks.CompleteTask(ctx, task); err != nil {
		return task, fmt.Errorf("complete task: %w", err)
	}

	e.logger.Warn("task rejected",
		"run_id", task.RunID,
		"task_id", task.ID,
		"stage_id", task.StageID,
		"error_kind", kind,
		"error", task.Error,
	)
	return task, nil
}

// keepAlive обновляет heartbeat попытки, пока выполняется агент.
// Если попытку перехватили, возвращённый контекст отменяется
// с причиной repo.ErrClaimLost.
func (e *Executor) keepAlive(ctx context.Context, task *domain.Task, logger *slog.Logger) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}

			err := e.tasks.HeartbeatTask(runCtx, task.ID, e.owner)
			switch {
			case err == nil:
			case errors.Is(err, repo.ErrClaimLost):
				cancel(repo.ErrClaimLost)
				return
			case runCtx.Err() == nil:
				logger.Warn("task heartbeat failed", "stage_id", task.StageID, "error", err)
			}
		}
	}()

	return runCtx, func() {
		close(stop)
		<-done
		cancel(nil)
	}
}

// run вызывает агента с таймаутом стадии. Паника агента становится
// постоянной ошибкой.
func (e *Executor) run(ctx context.Context, run *domain.Run, task *domain.Task, timeout time.Duration) (out map[string]any, err error) {
	a, err := e.agents.Get(task.Capability)
	if err != nil {
		return nil, agent.Permanent(err)
	}

	params, upstream := SplitTaskInput(task.Input)
	in := &agent.Input{
		RunID:    task.RunID,
		StageID:  task.StageID,
		Attempt:  task.Attempt,
		Params:   params,
		Upstream: upstream,
		Inputs:   run.Inputs,
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = agent.Permanent(fmt.Errorf("%w: %v", ErrAgentPanic, r))
		}
	}()

	result, err := a.Execute(execCtx, in)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	if result == nil {
		result = agent.Output{}
	}
	return map[string]any(result), nil
}

// classify определяет вид ошибки попытки.
//
// Отмена родительского контекста даёт cancelled, истечение таймаута
// стадии даёт timeout (повторяемо). PermanentError — permanent,
// всё остальное — transient.
func classify(ctx context.Context, err error) domain.ErrorKind {
	switch {
	case ctx.Err() != nil:
		return domain.ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindTimeout
	case agent.IsPermanent(err):
		return domain.ErrorKindPermanent
	default:
		return domain.ErrorKindTransient
	}
}

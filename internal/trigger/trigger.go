package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/orchestrator"
)

const defaultTickInterval = time.Second

// RunStarter создаёт runs. Реализуется orchestrator.Orchestrator.
type RunStarter interface {
	StartRun(ctx context.Context, req orchestrator.StartRequest) (*domain.Run, error)
}

// Runner — запуск pipelines по расписанию.
//
// Состояние триггеров (NextDueAt, последний run) живёт в памяти.
// Run каждого срабатывания создаётся с ключом идемпотентности
// "{trigger}_{due}", поэтому несколько экземпляров или повтор после
// ошибки не создают второй run на то же время.
type Runner struct {
	starter  RunStarter
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	triggers []*domain.Trigger
}

// Config — конфигурация Runner.
type Config struct {
	Triggers []domain.Trigger
	Starter  RunStarter

	// TickInterval — период проверки due триггеров (default: 1s).
	TickInterval time.Duration

	// Now — источник времени, для тестов.
	Now func() time.Time

	Logger *slog.Logger
}

// New валидирует триггеры и вычисляет первое время запуска каждого.
func New(cfg Config) (*Runner, error) {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		starter:  cfg.Starter,
		interval: interval,
		now:      now,
		logger:   logger,
	}

	seen := make(map[string]bool, len(cfg.Triggers))
	start := now()
	for i := range cfg.Triggers {
		t := cfg.Triggers[i]
		if err := Validate(&t); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: duplicate name %s", ErrInvalidTrigger, t.Name)
		}
		seen[t.Name] = true

		next, err := CalculateNextDue(&t, start)
		if err != nil {
			return nil, err
		}
		t.NextDueAt = &next
		r.triggers = append(r.triggers, &t)
	}

	return r, nil
}

// Run проверяет триггеры каждые TickInterval до отмены ctx.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("trigger runner started", "triggers", len(r.triggers), "tick", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("trigger runner stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick запускает runs всех due триггеров и возвращает число созданных
// или найденных runs.
//
// Ошибка одного триггера не блокирует остальные. Триггер с ошибкой
// сохраняет NextDueAt и повторяется на следующем тике с тем же ключом.
func (r *Runner) Tick(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	fired := 0
	for _, t := range r.triggers {
		if !t.IsDue(now) {
			continue
		}

		logger := r.logger.With("trigger", t.Name, "pipeline", t.Pipeline)
		key := IdempotencyKey(t.Name, *t.NextDueAt)

		run, err := r.starter.StartRun(ctx, orchestrator.StartRequest{
			Pipeline:       t.Pipeline,
			Inputs:         triggerInputs(t, *t.NextDueAt),
			IdempotencyKey: key,
		})
		if err != nil {
			logger.Error("failed to start scheduled run", "idempotency_key", key, "error", err)
			continue
		}

		next, err := CalculateNextDue(t, now)
		if err != nil {
			logger.Error("failed to calculate next due", "error", err)
			continue
		}
		t.RecordRun(run.ID, next)
		fired++

		logger.Info("scheduled run started",
			"run_id", run.ID,
			"idempotency_key", key,
			"next_due_at", next,
		)
	}
	return fired
}

// Triggers возвращает копию состояния триггеров, отсортированную по имени.
func (r *Runner) Triggers() []domain.Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// triggerInputs дополняет inputs триггера временем срабатывания.
func triggerInputs(t *domain.Trigger, due time.Time) map[string]any {
	inputs := make(map[string]any, len(t.Inputs)+1)
	for k, v := range t.Inputs {
		inputs[k] = v
	}
	inputs["trigger"] = map[string]any{
		"name":   t.Name,
		"due_at": due.UTC().Format(time.RFC3339),
	}
	return inputs
}

package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/orchestrator"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

// Runs — управление runs. Реализуется orchestrator.Orchestrator.
type Runs interface {
	StartRun(ctx context.Context, req orchestrator.StartRequest) (*domain.Run, error)
	GetStatus(ctx context.Context, runID uuid.UUID) (*orchestrator.RunState, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
}

// Orders — ордера и позиции. Реализуется execution.Engine.
type Orders interface {
	GetOrder(ctx context.Context, key string) (*domain.Order, error)
	CancelOrder(ctx context.Context, key string) (*domain.Order, error)
	Positions() []domain.Position
}

// Pipelines — каталог pipelines. Реализуется engine.Catalog.
type Pipelines interface {
	Get(name string) (*domain.PipelineSpec, error)
	List() []*domain.PipelineSpec
}

// Triggers — состояние расписаний. Реализуется trigger.Runner.
type Triggers interface {
	Triggers() []domain.Trigger
}

// Store — чтение списков напрямую из хранилища.
type Store interface {
	ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetRunByIdempotencyKey(ctx context.Context, pipeline, key string) (*domain.Run, error)
	ListTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error)
	ListOrders(ctx context.Context, filter repo.OrderFilter) ([]domain.Order, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store     Store
	runs      Runs
	orders    Orders
	pipelines Pipelines
	triggers  Triggers
	ping      func(ctx context.Context) error
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store     Store
	Runs      Runs
	Orders    Orders
	Pipelines Pipelines

	// Triggers — опционально, без него /triggers возвращает пустой список.
	Triggers Triggers

	// Ping — проверка хранилища для /healthz.
	Ping func(ctx context.Context) error

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     cfg.Store,
		runs:      cfg.Runs,
		orders:    cfg.Orders,
		pipelines: cfg.Pipelines,
		triggers:  cfg.Triggers,
		ping:      cfg.Ping,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// log возвращает логгер запроса с request_id, если его положил RequestID.
func (h *Handler) log(r *http.Request) *slog.Logger {
	if logger, ok := r.Context().Value(telemetry.CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return h.logger
}

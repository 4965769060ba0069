package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
)

// RunStore — хранилище runs.
type RunStore interface {
	// CreateRun сохраняет новый run. ErrAlreadyExists, если занят
	// ключ идемпотентности для того же pipeline.
	CreateRun(ctx context.Context, run *domain.Run) error

	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetRunByIdempotencyKey(ctx context.Context, pipeline, key string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	// ListIncompleteRuns возвращает PENDING и RUNNING runs, старые первыми.
	ListIncompleteRuns(ctx context.Context, limit int) ([]domain.Run, error)

	// ListUnexecutedRuns возвращает SUCCEEDED runs без записи исполнения,
	// завершённые раньше before, старые первыми.
	ListUnexecutedRuns(ctx context.Context, before time.Time, limit int) ([]domain.Run, error)

	// TransitionRun переводит run в статус to, если текущий статус входит в from.
	// ErrInvalidState, если условие не выполнено.
	TransitionRun(ctx context.Context, id uuid.UUID, from []domain.RunStatus, to domain.RunStatus, errMsg string) (*domain.Run, error)

	// SetRunSignal записывает итоговый сигнал run.
	SetRunSignal(ctx context.Context, id uuid.UUID, signal *domain.Signal) error

	// SetRunExecution записывает результат исполнения. Допускается один раз.
	SetRunExecution(ctx context.Context, id uuid.UUID, exec *domain.Execution) error
}

// TaskStore — хранилище попыток выполнения стадий.
type TaskStore interface {
	// RecordTaskAttempt сохраняет попытку в статусе QUEUED.
	// ErrAlreadyExists, если у стадии уже есть нетерминальная попытка.
	RecordTaskAttempt(ctx context.Context, task *domain.Task) error

	// ClaimTask атомарно переводит попытку QUEUED → RUNNING.
	// Успешен только пока run в статусе RUNNING и истёк NotBefore.
	ClaimTask(ctx context.Context, taskID uuid.UUID, owner string) (*domain.Task, error)

	// HeartbeatTask отмечает, что owner ещё выполняет попытку.
	// ErrClaimLost, если попытка больше не RUNNING у owner.
	HeartbeatTask(ctx context.Context, taskID uuid.UUID, owner string) error

	// CompleteTask фиксирует результат попытки RUNNING, захваченной owner.
	CompleteTask(ctx context.Context, task *domain.Task) error

	// MarkTaskRetrying помечает проваленную попытку как RETRYING.
	MarkTaskRetrying(ctx context.Context, taskID uuid.UUID) error

	// AbandonTasks проваливает все QUEUED попытки run с kind=cancelled.
	AbandonTasks(ctx context.Context, runID uuid.UUID, reason string) (int, error)

	// FailStaleTasks проваливает RUNNING попытки run, последний heartbeat
	// которых раньше before. Используется при восстановлении run после
	// падения экземпляра.
	FailStaleTasks(ctx context.Context, runID uuid.UUID, before time.Time) (int, error)

	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks возвращает всю историю попыток run.
	ListTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error)
}

// OrderStore — хранилище ордеров.
type OrderStore interface {
	// CreateOrder вставляет ордер, если ключ ещё не занят.
	// Возвращает сохранённый ордер и true, если вставка произошла.
	CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, bool, error)

	GetOrder(ctx context.Context, key string) (*domain.Order, error)

	// UpdateOrder сохраняет ордер, если версия совпадает и ордер
	// ещё не в терминальном статусе. Увеличивает order.Version.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// ListOpenOrders возвращает ордера в нетерминальных статусах.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)

	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
}

// FeatureStore — таблица признаков для featurestore.
type FeatureStore interface {
	GetFeature(ctx context.Context, key string) ([]byte, time.Time, error)
	PutFeature(ctx context.Context, key string, value []byte) error
}

// Store — полное хранилище сервиса.
type Store interface {
	RunStore
	TaskStore
	OrderStore
	FeatureStore

	// Migrate создаёт схему, если её нет.
	Migrate(ctx context.Context) error

	Close()
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	Pipeline string
	Status   domain.RunStatus
	Limit    int
	Offset   int
}

// OrderFilter — параметры фильтрации ордеров.
type OrderFilter struct {
	RunID    *uuid.UUID
	MarketID string
	Status   domain.OrderStatus
	Limit    int
	Offset   int
}

// DefaultLimit применяется, если лимит в фильтре не задан.
const DefaultLimit = 100

// EffectiveLimit возвращает limit или DefaultLimit.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// StatusStrings переводит статусы в строки для SQL-условий.
func StatusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// TerminalOrderStatuses — статусы, после которых ордер не меняется.
var TerminalOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusFilled,
	domain.OrderStatusRejected,
	domain.OrderStatusCancelled,
}

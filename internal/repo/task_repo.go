package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Signalflow/internal/domain"
)

// TaskRepo — репозиторий для работы с попытками стадий.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, run_id, stage_id, capability, attempt, status, input, output,
	error, error_kind, claimed_by, not_before, started_at, finished_at, heartbeat_at, created_at`

// RecordTaskAttempt сохраняет новую попытку в статусе QUEUED.
func (r *TaskRepo) RecordTaskAttempt(ctx context.Context, task *domain.Task) error {
	inputJSON, err := json.Marshal(task.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	query := `
		INSERT INTO tasks (id, run_id, stage_id, capability, attempt, status, input, not_before, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.RunID,
		task.StageID,
		task.Capability,
		task.Attempt,
		domain.TaskStatusQueued,
		inputJSON,
		task.NotBefore,
		task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	task.Status = domain.TaskStatusQueued
	return nil
}

// ClaimTask захватывает попытку для выполнения.
func (r *TaskRepo) ClaimTask(ctx context.Context, taskID uuid.UUID, owner string) (*domain.Task, error) {
	now := time.Now()
	query := `
		UPDATE tasks t
		SET status = 'RUNNING', claimed_by = $2, started_at = $3, heartbeat_at = $3
		FROM runs r
		WHERE t.id = $1
		  AND t.status = 'QUEUED'
		  AND (t.not_before IS NULL OR t.not_before <= $3)
		  AND r.id = t.run_id
		  AND r.status = 'RUNNING'
		RETURNING ` + prefixed("t.", taskColumns)

	task, err := scanTask(r.pool.QueryRow(ctx, query, taskID, owner, now))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrClaimLost
	}
	return task, err
}

// HeartbeatTask обновляет heartbeat попытки, которую выполняет owner.
func (r *TaskRepo) HeartbeatTask(ctx context.Context, taskID uuid.UUID, owner string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE tasks SET heartbeat_at = $3
		WHERE id = $1 AND status = 'RUNNING' AND claimed_by = $2
	`, taskID, owner, time.Now())
	if err != nil {
		return fmt.Errorf("heartbeat task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// CompleteTask фиксирует результат попытки.
func (r *TaskRepo) CompleteTask(ctx context.Context, task *domain.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("complete task with status %s: %w", task.Status, ErrInvalidState)
	}
	outputJSON, err := json.Marshal(task.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = $3, output = $4, error = $5, error_kind = $6, finished_at = $7
		WHERE id = $1 AND status = 'RUNNING' AND claimed_by = $2
	`
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		task.ClaimedBy,
		task.Status,
		outputJSON,
		nullString(task.Error),
		nullString(string(task.ErrorKind)),
		task.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkTaskRetrying помечает проваленную попытку как RETRYING.
func (r *TaskRepo) MarkTaskRetrying(ctx context.Context, taskID uuid.UUID) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE tasks SET status = 'RETRYING' WHERE id = $1 AND status = 'FAILED'`, taskID)
	if err != nil {
		return fmt.Errorf("mark task retrying: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// AbandonTasks проваливает ожидающие попытки отменённого run.
func (r *TaskRepo) AbandonTasks(ctx context.Context, runID uuid.UUID, reason string) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'FAILED', error = $2, error_kind = $3, finished_at = $4
		WHERE run_id = $1 AND status = 'QUEUED'
	`, runID, reason, domain.ErrorKindCancelled, time.Now())
	if err != nil {
		return 0, fmt.Errorf("abandon tasks: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// FailStaleTasks проваливает зависшие RUNNING попытки.
func (r *TaskRepo) FailStaleTasks(ctx context.Context, runID uuid.UUID, before time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'FAILED', error = 'executor lost', error_kind = $3, finished_at = $4
		WHERE run_id = $1 AND status = 'RUNNING' AND COALESCE(heartbeat_at, started_at) < $2
	`, runID, before, domain.ErrorKindTransient, time.Now())
	if err != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// GetTask возвращает попытку по ID.
func (r *TaskRepo) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// ListTasks возвращает все попытки run.
func (r *TaskRepo) ListTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE run_id = $1
		ORDER BY created_at ASC, attempt ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by run_id: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// --- Helpers ---

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var inputJSON, outputJSON []byte
	var taskError, errorKind, claimedBy *string

	err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.StageID,
		&task.Capability,
		&task.Attempt,
		&task.Status,
		&inputJSON,
		&outputJSON,
		&taskError,
		&errorKind,
		&claimedBy,
		&task.NotBefore,
		&task.StartedAt,
		&task.FinishedAt,
		&task.HeartbeatAt,
		&task.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if err := DecodeTaskJSON(&task, inputJSON, outputJSON); err != nil {
		return nil, err
	}
	if taskError != nil {
		task.Error = *taskError
	}
	if errorKind != nil {
		task.ErrorKind = domain.ErrorKind(*errorKind)
	}
	if claimedBy != nil {
		task.ClaimedBy = *claimedBy
	}

	return &task, nil
}

// DecodeTaskJSON разбирает JSON-колонки попытки.
func DecodeTaskJSON(task *domain.Task, inputJSON, outputJSON []byte) error {
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &task.Input); err != nil {
			return fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &task.Output); err != nil {
			return fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return nil
}

// prefixed добавляет префикс таблицы к списку колонок.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

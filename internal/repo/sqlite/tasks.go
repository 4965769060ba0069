package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/repo"
)

const taskColumns = `id, run_id, stage_id, capability, attempt, status, input, output,
	error, error_kind, claimed_by, not_before, started_at, finished_at, heartbeat_at, created_at`

// RecordTaskAttempt сохраняет новую попытку в статусе QUEUED.
func (s *Store) RecordTaskAttempt(ctx context.Context, task *domain.Task) error {
	inputJSON, err := json.Marshal(task.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, run_id, stage_id, capability, attempt, status, input, not_before, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID.String(),
		task.RunID.String(),
		task.StageID,
		string(task.Capability),
		task.Attempt,
		string(domain.TaskStatusQueued),
		string(inputJSON),
		nullNanos(task.NotBefore),
		toNanos(task.CreatedAt),
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	task.Status = domain.TaskStatusQueued
	return nil
}

// ClaimTask захватывает попытку для выполнения.
func (s *Store) ClaimTask(ctx context.Context, taskID uuid.UUID, owner string) (*domain.Task, error) {
	now := toNanos(time.Now())

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'RUNNING', claimed_by = ?, started_at = ?, heartbeat_at = ?
		WHERE id = ?
		  AND status = 'QUEUED'
		  AND (not_before IS NULL OR not_before <= ?)
		  AND EXISTS (SELECT 1 FROM runs r WHERE r.id = tasks.run_id AND r.status = 'RUNNING')
	`, owner, now, now, taskID.String(), now)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, repo.ErrClaimLost
	}
	return s.GetTask(ctx, taskID)
}

// HeartbeatTask обновляет heartbeat попытки, которую выполняет owner.
func (s *Store) HeartbeatTask(ctx context.Context, taskID uuid.UUID, owner string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET heartbeat_at = ?
		WHERE id = ? AND status = 'RUNNING' AND claimed_by = ?
	`, toNanos(time.Now()), taskID.String(), owner)
	if err != nil {
		return fmt.Errorf("heartbeat task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repo.ErrClaimLost
	}
	return nil
}

// CompleteTask фиксирует результат попытки.
func (s *Store) CompleteTask(ctx context.Context, task *domain.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("complete task with status %s: %w", task.Status, repo.ErrInvalidState)
	}
	outputJSON, err := json.Marshal(task.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, output = ?, error = ?, error_kind = ?, finished_at = ?
		WHERE id = ? AND status = 'RUNNING' AND claimed_by = ?
	`,
		string(task.Status),
		string(outputJSON),
		nullString(task.Error),
		nullString(string(task.ErrorKind)),
		nullNanos(task.FinishedAt),
		task.ID.String(),
		task.ClaimedBy,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repo.ErrClaimLost
	}
	return nil
}

// MarkTaskRetrying помечает проваленную попытку как RETRYING.
func (s *Store) MarkTaskRetrying(ctx context.Context, taskID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'RETRYING' WHERE id = ? AND status = 'FAILED'`, taskID.String())
	if err != nil {
		return fmt.Errorf("mark task retrying: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repo.ErrInvalidState
	}
	return nil
}

// AbandonTasks проваливает ожидающие попытки отменённого run.
func (s *Store) AbandonTasks(ctx context.Context, runID uuid.UUID, reason string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'FAILED', error = ?, error_kind = ?, finished_at = ?
		WHERE run_id = ? AND status = 'QUEUED'
	`, reason, string(domain.ErrorKindCancelled), toNanos(time.Now()), runID.String())
	if err != nil {
		return 0, fmt.Errorf("abandon tasks: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// FailStaleTasks проваливает зависшие RUNNING попытки.
func (s *Store) FailStaleTasks(ctx context.Context, runID uuid.UUID, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'FAILED', error = 'executor lost', error_kind = ?, finished_at = ?
		WHERE run_id = ? AND status = 'RUNNING' AND COALESCE(heartbeat_at, started_at) < ?
	`, string(domain.ErrorKindTransient), toNanos(time.Now()), runID.String(), toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// GetTask возвращает попытку по ID.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	return scanTask(row)
}

// ListTasks возвращает все попытки run.
func (s *Store) ListTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE run_id = ?
		ORDER BY created_at ASC, attempt ASC
	`, runID.String())
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

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var inputJSON, outputJSON, taskError, errorKind, claimedBy sql.NullString
	var notBefore, startedAt, finishedAt, heartbeatAt sql.NullInt64
	var createdAt int64

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
		&notBefore,
		&startedAt,
		&finishedAt,
		&heartbeatAt,
		&createdAt,
	)
	if err != nil {
		return nil, scanErr("task", err)
	}

	if err := repo.DecodeTaskJSON(&task, []byte(inputJSON.String), []byte(outputJSON.String)); err != nil {
		return nil, err
	}
	task.Error = taskError.String
	task.ErrorKind = domain.ErrorKind(errorKind.String)
	task.ClaimedBy = claimedBy.String
	task.NotBefore = ptrFromNanos(notBefore)
	task.StartedAt = ptrFromNanos(startedAt)
	task.FinishedAt = ptrFromNanos(finishedAt)
	task.HeartbeatAt = ptrFromNanos(heartbeatAt)
	task.CreatedAt = fromNanos(createdAt)
	return &task, nil
}

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

const runColumns = `id, pipeline, spec, status, inputs, signal, execution,
	started_at, finished_at, error, idempotency_key, created_at`

// CreateRun создаёт новый run.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	specJSON, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, spec, status, inputs, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID.String(),
		run.Pipeline,
		string(specJSON),
		string(run.Status),
		string(inputsJSON),
		nullString(run.IdempotencyKey),
		toNanos(run.CreatedAt),
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun возвращает run по ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String())
	return scanRun(row)
}

// GetRunByIdempotencyKey возвращает run по ключу идемпотентности.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, pipeline, key string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE pipeline = ? AND idempotency_key = ?`, pipeline, key)
	return scanRun(row)
}

// ListRuns возвращает список runs с фильтрацией.
func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, repo.EffectiveLimit(filter.Limit), filter.Offset)

	return s.queryRuns(ctx, query, args...)
}

// ListIncompleteRuns возвращает runs в статусах PENDING и RUNNING.
func (s *Store) ListIncompleteRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+`
		FROM runs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT ?`, repo.EffectiveLimit(limit))
}

// ListUnexecutedRuns возвращает успешные runs, исполнение которых не записано.
func (s *Store) ListUnexecutedRuns(ctx context.Context, before time.Time, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+`
		FROM runs
		WHERE status = 'SUCCEEDED' AND execution IS NULL AND finished_at < ?
		ORDER BY finished_at ASC
		LIMIT ?`, toNanos(before), repo.EffectiveLimit(limit))
}

// TransitionRun выполняет условный переход статуса run.
func (s *Store) TransitionRun(ctx context.Context, id uuid.UUID, from []domain.RunStatus, to domain.RunStatus, errMsg string) (*domain.Run, error) {
	now := toNanos(time.Now())
	marks, fromArgs := placeholders(repo.StatusStrings(from))

	query := `
		UPDATE runs
		SET status = ?,
		    error = COALESCE(?, error),
		    started_at = CASE WHEN ? = 'RUNNING' THEN ? ELSE started_at END,
		    finished_at = CASE WHEN ? THEN ? ELSE finished_at END
		WHERE id = ? AND status IN (` + marks + `)`

	args := []any{string(to), nullString(errMsg), string(to), now, to.IsTerminal(), now, id.String()}
	args = append(args, fromArgs...)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition run: %w", err)
	}

	run, getErr := s.GetRun(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, repo.ErrInvalidState
	}
	return run, nil
}

// SetRunSignal записывает итоговый сигнал run.
func (s *Store) SetRunSignal(ctx context.Context, id uuid.UUID, signal *domain.Signal) error {
	signalJSON, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE runs SET signal = ? WHERE id = ?`, string(signalJSON), id.String())
	if err != nil {
		return fmt.Errorf("update run signal: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// SetRunExecution записывает результат исполнения, если он ещё не записан.
func (s *Store) SetRunExecution(ctx context.Context, id uuid.UUID, exec *domain.Execution) error {
	execJSON, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET execution = ? WHERE id = ? AND execution IS NULL`, string(execJSON), id.String())
	if err != nil {
		return fmt.Errorf("update run execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return repo.ErrInvalidState
	}
	return nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var specJSON string
	var inputsJSON, signalJSON, execJSON, runError, idempotencyKey sql.NullString
	var startedAt, finishedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&run.ID,
		&run.Pipeline,
		&specJSON,
		&run.Status,
		&inputsJSON,
		&signalJSON,
		&execJSON,
		&startedAt,
		&finishedAt,
		&runError,
		&idempotencyKey,
		&createdAt,
	)
	if err != nil {
		return nil, scanErr("run", err)
	}

	if err := repo.DecodeRunJSON(&run,
		[]byte(specJSON),
		[]byte(inputsJSON.String),
		[]byte(signalJSON.String),
		[]byte(execJSON.String),
	); err != nil {
		return nil, err
	}

	run.StartedAt = ptrFromNanos(startedAt)
	run.FinishedAt = ptrFromNanos(finishedAt)
	run.CreatedAt = fromNanos(createdAt)
	run.Error = runError.String
	run.IdempotencyKey = idempotencyKey.String
	return &run, nil
}

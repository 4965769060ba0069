package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Signalflow/internal/domain"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `id, pipeline, spec, status, inputs, signal, execution,
	started_at, finished_at, error, idempotency_key, created_at`

// CreateRun создаёт новый run.
func (r *RunRepo) CreateRun(ctx context.Context, run *domain.Run) error {
	specJSON, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO runs (id, pipeline, spec, status, inputs, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.Pipeline,
		specJSON,
		run.Status,
		inputsJSON,
		nullString(run.IdempotencyKey),
		run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetRunByIdempotencyKey возвращает run по ключу идемпотентности.
func (r *RunRepo) GetRunByIdempotencyKey(ctx context.Context, pipeline, key string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE pipeline = $1 AND idempotency_key = $2`
	return scanRun(r.pool.QueryRow(ctx, query, pipeline, key))
}

// ListRuns возвращает список runs с фильтрацией.
func (r *RunRepo) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR pipeline = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.Pipeline),
		nullString(string(filter.Status)),
		EffectiveLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListIncompleteRuns возвращает runs в статусах PENDING и RUNNING.
func (r *RunRepo) ListIncompleteRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, EffectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list incomplete runs: %w", err)
	}
	return collectRuns(rows)
}

// ListUnexecutedRuns возвращает успешные runs, исполнение которых не записано.
func (r *RunRepo) ListUnexecutedRuns(ctx context.Context, before time.Time, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'SUCCEEDED' AND execution IS NULL AND finished_at < $1
		ORDER BY finished_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before, EffectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list unexecuted runs: %w", err)
	}
	return collectRuns(rows)
}

// TransitionRun выполняет условный переход статуса run.
func (r *RunRepo) TransitionRun(ctx context.Context, id uuid.UUID, from []domain.RunStatus, to domain.RunStatus, errMsg string) (*domain.Run, error) {
	now := time.Now()
	query := `
		UPDATE runs
		SET status = $2,
		    error = COALESCE($3, error),
		    started_at = CASE WHEN $2 = 'RUNNING' THEN $4 ELSE started_at END,
		    finished_at = CASE WHEN $5 THEN $4 ELSE finished_at END
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + runColumns

	run, err := scanRun(r.pool.QueryRow(ctx, query,
		id,
		string(to),
		nullString(errMsg),
		now,
		to.IsTerminal(),
		StatusStrings(from),
	))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidState
	}
	return run, err
}

// SetRunSignal записывает итоговый сигнал run.
func (r *RunRepo) SetRunSignal(ctx context.Context, id uuid.UUID, signal *domain.Signal) error {
	signalJSON, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	result, err := r.pool.Exec(ctx, `UPDATE runs SET signal = $2 WHERE id = $1`, id, signalJSON)
	if err != nil {
		return fmt.Errorf("update run signal: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunExecution записывает результат исполнения, если он ещё не записан.
func (r *RunRepo) SetRunExecution(ctx context.Context, id uuid.UUID, exec *domain.Execution) error {
	execJSON, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	result, err := r.pool.Exec(ctx,
		`UPDATE runs SET execution = $2 WHERE id = $1 AND execution IS NULL`, id, execJSON)
	if err != nil {
		return fmt.Errorf("update run execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, getErr := r.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidState
	}
	return nil
}

// --- Helpers ---

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
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

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var specJSON, inputsJSON, signalJSON, execJSON []byte
	var idempotencyKey, runError *string

	err := row.Scan(
		&run.ID,
		&run.Pipeline,
		&specJSON,
		&run.Status,
		&inputsJSON,
		&signalJSON,
		&execJSON,
		&run.StartedAt,
		&run.FinishedAt,
		&runError,
		&idempotencyKey,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := DecodeRunJSON(&run, specJSON, inputsJSON, signalJSON, execJSON); err != nil {
		return nil, err
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}
	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

// DecodeRunJSON разбирает JSON-колонки run. Общий для обоих бэкендов.
func DecodeRunJSON(run *domain.Run, specJSON, inputsJSON, signalJSON, execJSON []byte) error {
	if len(specJSON) > 0 {
		if err := json.Unmarshal(specJSON, &run.Spec); err != nil {
			return fmt.Errorf("unmarshal spec: %w", err)
		}
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
			return fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if len(signalJSON) > 0 && string(signalJSON) != "null" {
		run.Signal = &domain.Signal{}
		if err := json.Unmarshal(signalJSON, run.Signal); err != nil {
			return fmt.Errorf("unmarshal signal: %w", err)
		}
	}
	if len(execJSON) > 0 && string(execJSON) != "null" {
		run.Execution = &domain.Execution{}
		if err := json.Unmarshal(execJSON, run.Execution); err != nil {
			return fmt.Errorf("unmarshal execution: %w", err)
		}
	}
	return nil
}

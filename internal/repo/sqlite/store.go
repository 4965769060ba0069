// Package sqlite — реализация repo.Store поверх встроенной SQLite.
//
// Используется в однонодовом режиме и в тестах. Время хранится в
// unix-наносекундах, чтобы условия по времени сравнивались численно.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shaiso/Signalflow/internal/repo"
)

// Store — repo.Store поверх SQLite.
type Store struct {
	db *sql.DB
}

var _ repo.Store = (*Store)(nil)

// Open открывает базу по пути dbPath (":memory:" для временной) и применяет схему.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Одно соединение: SQLite сериализует запись, а :memory: живёт в соединении.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate применяет схему.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close закрывает базу.
func (s *Store) Close() {
	s.db.Close()
}

// Ping проверяет соединение (для /healthz).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Helpers ---

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func ptrFromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders возвращает "?, ?, ?" и аргументы для IN (...).
func placeholders(values []string) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	return strings.Join(marks, ", "), args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanErr переводит sql.ErrNoRows в repo.ErrNotFound.
func scanErr(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

package sqlite

import (
	"context"
	"fmt"
	"time"
)

// GetFeature возвращает значение признака и время его записи.
func (s *Store) GetFeature(ctx context.Context, key string) ([]byte, time.Time, error) {
	var value string
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM features WHERE key = ?`, key,
	).Scan(&value, &updatedAt)
	if err != nil {
		return nil, time.Time{}, scanErr("feature", err)
	}
	return []byte(value), fromNanos(updatedAt), nil
}

// PutFeature записывает или заменяет признак.
func (s *Store) PutFeature(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO features (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("put feature: %w", err)
	}
	return nil
}

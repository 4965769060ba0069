package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FeatureRepo — таблица признаков, рассчитанных стадией feature_engineering.
type FeatureRepo struct {
	pool *pgxpool.Pool
}

// NewFeatureRepo создаёт новый FeatureRepo.
func NewFeatureRepo(pool *pgxpool.Pool) *FeatureRepo {
	return &FeatureRepo{pool: pool}
}

// GetFeature возвращает значение признака и время его записи.
func (r *FeatureRepo) GetFeature(ctx context.Context, key string) ([]byte, time.Time, error) {
	var value []byte
	var updatedAt time.Time

	err := r.pool.QueryRow(ctx,
		`SELECT value, updated_at FROM features WHERE key = $1`, key,
	).Scan(&value, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get feature: %w", err)
	}
	return value, updatedAt, nil
}

// PutFeature записывает или заменяет признак.
func (r *FeatureRepo) PutFeature(ctx context.Context, key string, value []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO features (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("put feature: %w", err)
	}
	return nil
}

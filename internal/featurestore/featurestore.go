// Package featurestore — клиент хранилища признаков.
//
// Признаки пишет стадия feature_engineering и читают последующие стадии.
// Граница свежести (MaxAge) настраивается: признак старше MaxAge
// возвращается с ErrStale, решение о повторе остаётся за агентом.
package featurestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/Signalflow/internal/repo"
)

var (
	// ErrNotFound — признака нет.
	ErrNotFound = errors.New("feature not found")

	// ErrStale — признак старше допустимой границы свежести.
	ErrStale = errors.New("feature is stale")
)

// Client — интерфейс хранилища признаков.
type Client interface {
	Get(ctx context.Context, key string) (map[string]any, error)
	Put(ctx context.Context, key string, value map[string]any) error
}

// Key строит ключ признака для рынка и run.
func Key(marketID, runID string) string {
	return marketID + "/" + runID
}

type entry struct {
	value     map[string]any
	updatedAt time.Time
}

// Memory — хранилище признаков в памяти процесса.
type Memory struct {
	maxAge time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	items map[string]entry
}

// NewMemory создаёт хранилище в памяти. maxAge=0 отключает проверку свежести.
func NewMemory(maxAge time.Duration) *Memory {
	return &Memory{
		maxAge: maxAge,
		now:    time.Now,
		items:  make(map[string]entry),
	}
}

// Get возвращает признак по ключу.
func (m *Memory) Get(_ context.Context, key string) (map[string]any, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if m.maxAge > 0 && m.now().Sub(e.updatedAt) > m.maxAge {
		return e.value, fmt.Errorf("%w: %s", ErrStale, key)
	}
	return e.value, nil
}

// Put записывает признак.
func (m *Memory) Put(_ context.Context, key string, value map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{value: value, updatedAt: m.now()}
	return nil
}

// Persistent — хранилище поверх таблицы features с read-through кешем.
type Persistent struct {
	backing repo.FeatureStore
	cache   *Memory
	maxAge  time.Duration
}

// NewPersistent создаёт хранилище над repo.FeatureStore.
// cacheTTL ограничивает время жизни записи в кеше процесса.
func NewPersistent(backing repo.FeatureStore, maxAge, cacheTTL time.Duration) *Persistent {
	return &Persistent{
		backing: backing,
		cache:   NewMemory(cacheTTL),
		maxAge:  maxAge,
	}
}

// Get читает признак из кеша или из БД.
func (p *Persistent) Get(ctx context.Context, key string) (map[string]any, error) {
	if v, err := p.cache.Get(ctx, key); err == nil {
		return v, nil
	}

	raw, updatedAt, err := p.backing.GetFeature(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get feature %s: %w", key, err)
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode feature %s: %w", key, err)
	}

	if p.maxAge > 0 && time.Since(updatedAt) > p.maxAge {
		return value, fmt.Errorf("%w: %s", ErrStale, key)
	}

	_ = p.cache.Put(ctx, key, value)
	return value, nil
}

// Put пишет признак в БД и обновляет кеш.
func (p *Persistent) Put(ctx context.Context, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode feature %s: %w", key, err)
	}
	if err := p.backing.PutFeature(ctx, key, raw); err != nil {
		return err
	}
	return p.cache.Put(ctx, key, value)
}

package featurestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaiso/Signalflow/internal/repo/sqlite"
)

func TestMemory_Staleness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, "M1/r1", map[string]any{"mid": "0.5"}))

	v, err := m.Get(ctx, "M1/r1")
	require.NoError(t, err)
	require.Equal(t, "0.5", v["mid"])

	now = now.Add(2 * time.Minute)
	v, err = m.Get(ctx, "M1/r1")
	require.ErrorIs(t, err, ErrStale)
	require.Equal(t, "0.5", v["mid"], "stale value is still returned")

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPersistent_ReadThrough(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "f.db"))
	require.NoError(t, err)
	defer store.Close()

	writer := NewPersistent(store, time.Hour, time.Minute)
	require.NoError(t, writer.Put(ctx, Key("M1", "r1"), map[string]any{"spread": "0.02"}))

	// Новый клиент без кеша читает из БД
	reader := NewPersistent(store, time.Hour, time.Minute)
	v, err := reader.Get(ctx, "M1/r1")
	require.NoError(t, err)
	require.Equal(t, "0.02", v["spread"])

	_, err = reader.Get(ctx, "M2/r1")
	require.ErrorIs(t, err, ErrNotFound)
}

package storage

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-clean-bot-go/internal/config"
)

func memoryManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(&config.Config{
		Storage: config.StorageConfig{Type: "memory"},
	}, logrus.New())
	require.NoError(t, err)
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := memoryManager(t)
	ctx := context.Background()

	in := map[string]int64{"a": 1, "b": 2}
	require.NoError(t, m.Save(ctx, "counts", in))

	var out map[string]int64
	require.NoError(t, m.Load(ctx, "counts", &out))
	assert.Equal(t, in, out)
}

func TestLoadMissingLeavesValueUntouched(t *testing.T) {
	m := memoryManager(t)

	out := map[string]int64{"seed": 9}
	require.NoError(t, m.Load(context.Background(), "nope", &out))
	assert.Equal(t, int64(9), out["seed"])
}

func TestLoadRefreshesBackup(t *testing.T) {
	m := memoryManager(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "col", map[string]int64{"a": 1}))

	var out map[string]int64
	require.NoError(t, m.Load(ctx, "col", &out))

	data, found, err := m.store.Load(ctx, "col.bak")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestLoadFallsBackToBackup(t *testing.T) {
	m := memoryManager(t)
	ctx := context.Background()

	require.NoError(t, m.store.Save(ctx, "col", []byte(`{"broken`)))
	require.NoError(t, m.store.Save(ctx, "col.bak", []byte(`{"a":1}`)))

	var out map[string]int64
	require.NoError(t, m.Load(ctx, "col", &out))
	assert.Equal(t, int64(1), out["a"])

	// The primary copy is healed from the backup.
	data, found, err := m.store.Load(ctx, "col")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestLoadFailsWhenBothCopiesCorrupt(t *testing.T) {
	m := memoryManager(t)
	ctx := context.Background()

	require.NoError(t, m.store.Save(ctx, "col", []byte(`{"broken`)))
	require.NoError(t, m.store.Save(ctx, "col.bak", []byte(`also broken`)))

	var out map[string]int64
	assert.Error(t, m.Load(ctx, "col", &out))
}

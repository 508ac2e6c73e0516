package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, StorageKey, []byte(`[1]`)))
	require.NoError(t, s.Set(ctx, StorageKey, []byte(`[1,2]`)))

	v, ok, err := s.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2]`, string(v))

	require.NoError(t, s.Delete(ctx, StorageKey))
	require.NoError(t, s.Delete(ctx, StorageKey))
	_, ok, err = s.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "queue.db"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	exerciseStore(t, NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := OpenStore(ctx, config.QueueConfig{Backend: "redis", Redis: config.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	s.Close()

	s, err = OpenStore(ctx, config.QueueConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "queue.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = OpenStore(ctx, config.QueueConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	q := New(s, &fakeSender{}, Options{})
	id, err := q.Enqueue(ctx, record(7))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	items, err := New(s, &fakeSender{}, Options{}).Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, int64(7), items[0].Records[0].Envelope().TS)
}

package kvstore

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	ctx := context.Background()

	file, err := NewFile(t.TempDir())
	require.NoError(t, err)

	lite, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stores := map[string]Storage{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": lite,
		"redis":  NewRedisWithClient(client, "test:"),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestBackendsShareSemantics(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "blog_nav_data_cache", `{"data":1}`))
			require.NoError(t, store.Set(ctx, "view_notes_a", "{}"))
			require.NoError(t, store.Set(ctx, "blog_nav_data_cache", `{"data":2}`))

			value, err := store.Get(ctx, "blog_nav_data_cache")
			require.NoError(t, err)
			require.Equal(t, `{"data":2}`, value)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			sort.Strings(keys)
			require.Equal(t, []string{"blog_nav_data_cache", "view_notes_a"}, keys)

			require.NoError(t, store.Remove(ctx, "view_notes_a"))
			require.NoError(t, store.Remove(ctx, "view_notes_a"))
			_, err = store.Get(ctx, "view_notes_a")
			require.ErrorIs(t, err, ErrNotFound)

			require.True(t, Probe(ctx, store))
		})
	}
}

func TestFileStoreKeepsOddKeysInsideDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "../../escape", "x"))
	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"../../escape"}, keys)
}

func TestDisabledStore(t *testing.T) {
	ctx := context.Background()
	store := NewDisabled()
	require.False(t, Probe(ctx, store))
	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, store.Set(ctx, "k", "v"), ErrUnavailable)
}

func TestQuotaRejectsOversizedWrites(t *testing.T) {
	ctx := context.Background()
	store := WithQuota(NewMemory(), 16)

	require.NoError(t, store.Set(ctx, "a", "12345"))
	err := store.Set(ctx, "b", "0123456789abcdef")
	require.True(t, errors.Is(err, ErrQuotaExceeded))

	// 覆盖写只计算差额。
	require.NoError(t, store.Set(ctx, "a", "123456789abcde"))

	used, err := Usage(ctx, store)
	require.NoError(t, err)
	require.EqualValues(t, 15, used)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, backend := range []string{"file", "memory", "sqlite", "disabled"} {
		store, err := Open(ctx, Options{Backend: backend, Dir: dir})
		require.NoError(t, err, backend)
		require.Equal(t, backend != "disabled", Probe(ctx, store), backend)
		require.NoError(t, store.Close())
	}

	_, err := Open(ctx, Options{Backend: "etcd"})
	require.Error(t, err)
}

func TestOpenRedisUsesDSN(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := Open(context.Background(), Options{Backend: "redis", DSN: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	defer store.Close()
	require.True(t, Probe(context.Background(), store))
}

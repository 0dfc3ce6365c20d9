package badger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/features/session/badger"
	"goa.design/conductor/runtime/session"
)

func openInMemory(t *testing.T) *badger.Backend {
	t.Helper()
	b, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openInMemory(t)

	_, err := b.Read(ctx, "s1")
	require.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, b.Write(ctx, "s1", []byte(`{"id":"s1"}`)))
	require.NoError(t, b.Write(ctx, "s1", []byte(`{"id":"s1","status":"active"}`)))
	require.NoError(t, b.Write(ctx, "s0", []byte(`{"id":"s0"}`)))

	doc, err := b.Read(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"s1","status":"active"}`, string(doc))

	ids, err := b.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s0", "s1"}, ids)

	require.NoError(t, b.Delete(ctx, "s1"))
	require.NoError(t, b.Delete(ctx, "s1"))
	ids, err = b.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s0"}, ids)
	require.NoError(t, b.Ping(ctx))
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	cfg := badger.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "badger")

	b, err := badger.Open(cfg)
	require.NoError(t, err)
	store, err := session.NewStore(b)
	require.NoError(t, err)
	lc := session.NewLifecycle(store)
	_, err = lc.CreateWithID(ctx, "s1", nil)
	require.NoError(t, err)
	require.NoError(t, store.Shutdown(ctx))
	require.NoError(t, b.Close())
	require.Error(t, b.Ping(ctx))

	b, err = badger.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	store, err = session.NewStore(b)
	require.NoError(t, err)
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, got.Status)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := badger.Open(badger.DefaultConfig())
	require.Error(t, err)
}

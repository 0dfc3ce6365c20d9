package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/features/session/sqlite"
	"goa.design/conductor/runtime/session"
)

func openTemp(t *testing.T) (*sqlite.Backend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "sessions.db")
	b, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, path
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _ := openTemp(t)

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

func TestReopenKeepsSessions(t *testing.T) {
	ctx := context.Background()
	b, path := openTemp(t)
	store, err := session.NewStore(b)
	require.NoError(t, err)
	_, err = session.NewLifecycle(store).CreateWithID(ctx, "s1", nil)
	require.NoError(t, err)
	require.NoError(t, store.Shutdown(ctx))
	require.NoError(t, b.Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	store, err = session.NewStore(reopened)
	require.NoError(t, err)
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "")
	require.Error(t, err)
}

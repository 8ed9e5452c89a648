package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
)

// OpenStore opens a fresh store in a temporary directory. The store is
// closed when the test ends.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// MustSIndex registers sid and returns its local index.
func MustSIndex(t testing.TB, s *store.Store, sid ids.SID) ids.SIndex {
	t.Helper()
	ctx := context.Background()
	var sidx ids.SIndex
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		var err error
		sidx, err = tx.EnsureSIndex(ctx, sid)
		return err
	}))
	return sidx
}

// Update runs fn in a read-write transaction and fails the test on error.
func Update(t testing.TB, s *store.Store, fn func(context.Context, *store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error { return fn(ctx, tx) }))
}

// View runs fn in a read-only transaction and fails the test on error.
func View(t testing.TB, s *store.Store, fn func(context.Context, *store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx *store.Tx) error { return fn(ctx, tx) }))
}

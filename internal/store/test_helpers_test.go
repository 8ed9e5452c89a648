package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDID(n byte) ids.DID {
	var d ids.DID
	d[15] = n
	return d
}

func testOID(n byte) ids.OID {
	var o ids.OID
	o[15] = n
	return o
}

func testSID(n byte) ids.SID {
	var s ids.SID
	s[0] = 0x5
	s[15] = n
	return s
}

// newTestSIndex registers a store and returns its index.
func newTestSIndex(t *testing.T, s *Store, n byte) ids.SIndex {
	t.Helper()
	ctx := context.Background()
	var sidx ids.SIndex
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var err error
		sidx, err = tx.EnsureSIndex(ctx, testSID(n))
		return err
	}))
	return sidx
}

func update(t *testing.T, s *Store, fn func(context.Context, *Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return fn(ctx, tx) }))
}

func view(t *testing.T, s *Store, fn func(context.Context, *Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx *Tx) error { return fn(ctx, tx) }))
}

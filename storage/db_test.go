package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()

	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	t.Cleanup(level.Close)

	bolt, err := NewBoltDB(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(bolt.Close)

	return map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    bolt,
	}
}

func TestDatabaseBackends(t *testing.T) {
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

			require.NoError(t, db.Put([]byte("a"), []byte("1")))
			value, err := db.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), value)

			batch := NewBatch()
			batch.Put([]byte("b"), []byte("2"))
			batch.Delete([]byte("a"))
			require.Equal(t, 2, batch.Len())
			require.NoError(t, db.Write(batch))

			_, err = db.Get([]byte("a"))
			require.ErrorIs(t, err, ErrNotFound)
			value, err = db.Get([]byte("b"))
			require.NoError(t, err)
			require.Equal(t, []byte("2"), value)

			require.NoError(t, db.Delete([]byte("b")))
			_, err = db.Get([]byte("b"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'

	stored, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), stored)
}

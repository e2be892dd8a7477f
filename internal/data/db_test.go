package data

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("creates database file in nested directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deep", "nested", "core.db")

		db, err := Open(path)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
		assert.NoError(t, db.Health(context.Background()))
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "core.db")

		db1, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, db1.Close())

		db2, err := Open(path)
		require.NoError(t, err)
		defer db2.Close()
		assert.NoError(t, db2.Migrate())
	})

	t.Run("in memory", func(t *testing.T) {
		db, err := Open(MemoryPath)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"resources", "snapshots", "snapshot_items", "action_log", "turn_log"} {
			var name string
			err := db.SQL().QueryRow(
				"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
			).Scan(&name)
			assert.NoError(t, err, table)
		}
	})
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL(`
-- comment
CREATE TABLE a (x INTEGER);

CREATE TABLE b (
    y TEXT
);
`)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INTEGER);", stmts[0])
	assert.Contains(t, stmts[1], "y TEXT")
}

package kvdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// newCursorFixture creates a minimal SQLite database shaped like a real
// Cursor state.vscdb: an ItemTable(key, value) and a cursorDiskKV(key,
// value), both text-keyed blob stores.
func newCursorFixture(t *testing.T, dir, name string) (path string, db *sql.DB) {
	t.Helper()
	path = filepath.Join(dir, name)

	setup, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = setup.Exec(`
		CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB);
		CREATE TABLE cursorDiskKV (key TEXT PRIMARY KEY, value BLOB);
	`)
	require.NoError(t, err)
	require.NoError(t, setup.Close())

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return path, db
}

func putItem(t *testing.T, db *sql.DB, table, key, value string) {
	t.Helper()
	_, err := db.Exec(`INSERT OR REPLACE INTO `+table+` (key, value) VALUES (?, ?)`, key, value)
	require.NoError(t, err)
}

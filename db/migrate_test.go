package db

import (
	"embed"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/migrations/*.sql
var testMigrations embed.FS

func TestMigrate(t *testing.T) {
	t.Run("applies migrations in order and records versions", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		conn, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer conn.Close()

		err = Migrate(conn, testMigrations, "testdata/migrations", nil)
		require.NoError(t, err)

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		var hasColor int
		err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('widget') WHERE name = 'color'").Scan(&hasColor)
		require.NoError(t, err)
		assert.Equal(t, 1, hasColor, "second migration should have added the color column")
	})

	t.Run("is idempotent", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		conn, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer conn.Close()

		err = Migrate(conn, testMigrations, "testdata/migrations", nil)
		require.NoError(t, err)

		err = Migrate(conn, testMigrations, "testdata/migrations", nil)
		require.NoError(t, err, "running migrations multiple times should be safe")

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "re-running migrations should not duplicate version rows")
	})

	t.Run("migration errors have context", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		conn, err := Open(dbPath, nil)
		require.NoError(t, err)
		conn.Close()

		err = Migrate(conn, testMigrations, "testdata/migrations", nil)
		require.Error(t, err, "migrating a closed database should fail")
		assert.Contains(t, err.Error(), "000_init.sql", "error should name the migration being applied")
	})
}

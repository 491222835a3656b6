package db

import (
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/evoluhq/evolu-go/errors"
)

// Migrate applies every pending *.sql file under dir in an fs.FS, in sorted
// filename order, tracking applied versions in a schema_migrations table
// created by the first migration. Migrations are transactional per file:
// a failure rolls back that file only, leaving earlier migrations applied.
//
// Callers embed their own migrations directory (store's message/owner
// schema, a relay's mailbox schema) and pass it in here rather than this
// package owning a fixed schema.
func Migrate(conn *sql.DB, migrations fs.FS, dir string, log *zap.SugaredLogger) error {
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := conn.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if log != nil {
				log.Debugw("Skipping migration (already applied)", "migration", filename, "version", version)
			}
			continue
		}

		sqlBytes, err := fs.ReadFile(migrations, path.Join(dir, filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if log != nil {
			log.Infow("Applying migration", "migration", filename, "version", version)
		}

		tx, err := conn.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec("INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}

	if log != nil {
		log.Infow("Migrations complete", "total_migrations", len(migrationFiles))
	}

	return nil
}

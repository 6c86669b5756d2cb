package sqlite

import (
	"database/sql"
	"fmt"
)

// migration is one additive schema step. Steps are applied in version order
// inside a single transaction, so a failing step leaves the file at its
// pre-migration schema.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				collection TEXT NOT NULL,
				local_id   TEXT NOT NULL,
				server_id  TEXT NOT NULL DEFAULT '',
				payload    BLOB NOT NULL,
				PRIMARY KEY (collection, local_id)
			)`,
			`CREATE TABLE IF NOT EXISTS offline_actions (
				id      TEXT PRIMARY KEY,
				ts      TEXT NOT NULL,
				payload BLOB NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_records_server_id ON records(collection, server_id)`,
			`CREATE INDEX IF NOT EXISTS idx_offline_actions_ts ON offline_actions(ts)`,
		},
	},
	{
		// seq records append order. Timestamps alone cannot tie-break two
		// actions committed in one transaction, and the random id column
		// sorts in no meaningful order.
		version: 3,
		statements: []string{
			`ALTER TABLE offline_actions ADD COLUMN seq INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// SchemaVersion is the version an up-to-date store reports.
const SchemaVersion = 3

func migrate(db *sql.DB) (retErr error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				retErr = fmt.Errorf("migration %d: %w", m.version, err)
				return retErr
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, m.version); err != nil {
			retErr = fmt.Errorf("record migration %d: %w", m.version, err)
			return retErr
		}
	}
	return tx.Commit()
}

func currentVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

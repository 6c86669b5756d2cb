// Package sqlite provides the durable local store: the in-memory semantics of
// the memory package snapshotted to an embedded SQLite file after every
// successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fieldcore/internal/infra/persistence/memory"
	"fieldcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion.
var _ domain.LocalStore = (*Store)(nil)

// Store persists the in-memory state to SQLite. Writes go through the
// embedded memory store's transaction machinery; the resulting state is
// snapshotted to the records and offline_actions tables in one SQLite
// transaction, so the entity write and outbox append of a mutation are never
// visible independently across restarts.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path, applies pending schema
// migrations, and hydrates the in-memory state from the stored rows.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "fieldcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	snapshot := memory.Snapshot{Records: map[domain.Collection]map[string]domain.Record{}}
	rows, err := s.db.Query(`SELECT payload FROM records`)
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		var rec domain.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if snapshot.Records[rec.Collection] == nil {
			snapshot.Records[rec.Collection] = map[string]domain.Record{}
		}
		snapshot.Records[rec.Collection][rec.LocalID] = rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	actionRows, err := s.db.Query(`SELECT payload FROM offline_actions ORDER BY seq ASC, ts ASC`)
	if err != nil {
		return fmt.Errorf("select offline_actions: %w", err)
	}
	defer func() { _ = actionRows.Close() }()
	for actionRows.Next() {
		var payload []byte
		if err := actionRows.Scan(&payload); err != nil {
			return fmt.Errorf("scan action: %w", err)
		}
		var action domain.OfflineAction
		if err := json.Unmarshal(payload, &action); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
		snapshot.Actions = append(snapshot.Actions, action)
	}
	if err := actionRows.Err(); err != nil {
		return fmt.Errorf("iterate actions: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.Exec(`DELETE FROM records`); err != nil {
		retErr = fmt.Errorf("clear records: %w", err)
		return retErr
	}
	if _, err := tx.Exec(`DELETE FROM offline_actions`); err != nil {
		retErr = fmt.Errorf("clear offline_actions: %w", err)
		return retErr
	}
	for _, recs := range snapshot.Records {
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				retErr = fmt.Errorf("encode record: %w", err)
				return retErr
			}
			if _, err := tx.Exec(
				`INSERT INTO records(collection, local_id, server_id, payload) VALUES(?,?,?,?)`,
				string(rec.Collection), rec.LocalID, rec.ServerID, data,
			); err != nil {
				retErr = fmt.Errorf("insert record %s/%s: %w", rec.Collection, rec.LocalID, err)
				return retErr
			}
		}
	}
	for seq, action := range snapshot.Actions {
		data, err := json.Marshal(action)
		if err != nil {
			retErr = fmt.Errorf("encode action: %w", err)
			return retErr
		}
		if _, err := tx.Exec(
			`INSERT INTO offline_actions(id, seq, ts, payload) VALUES(?,?,?,?)`,
			action.ID, seq, action.Timestamp.UTC().Format(time.RFC3339Nano), data,
		); err != nil {
			retErr = fmt.Errorf("insert action %s: %w", action.ID, err)
			return retErr
		}
	}
	return tx.Commit()
}

// RunInTransaction applies fn through the in-memory transaction machinery,
// then snapshots the committed state to SQLite.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := s.Store.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	return s.persist()
}

// StorageSize reports the size of the database file in bytes.
func (s *Store) StorageSize() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat database: %w", err)
	}
	return info.Size(), nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Package postgres adapts the hosted relational system of record to the sync
// coordinator's remote boundary. Creates are deduplicated on the
// client-generated idempotency key, so a resent create whose response was
// lost returns the originally assigned identifier instead of inserting a
// duplicate.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	enginesync "fieldcore/internal/sync"
	"fieldcore/pkg/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion.
var _ enginesync.RemoteStore = (*Store)(nil)

const defaultDSN = "postgres://localhost/fieldcore?sslmode=disable"

// Store talks to the remote Postgres database.
type Store struct {
	db *sql.DB
}

// NewStore opens the remote database using the provided DSN (falls back to a
// local default) and provisions the record and idempotency tables.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_idempotency (
			key        TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", classify(err))
		}
	}
	return nil
}

// CreateRecord inserts a record and returns the server-assigned identifier.
func (s *Store) CreateRecord(ctx context.Context, collection domain.Collection, payload json.RawMessage, idempotencyKey string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if idempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT server_id FROM sync_idempotency WHERE key = $1`, idempotencyKey,
		).Scan(&existing)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", classify(err)
		}
	}

	serverID := uuid.NewString()
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records(collection, id, payload) VALUES($1, $2, $3)`,
		string(collection), serverID, []byte(payload),
	); err != nil {
		return "", classify(err)
	}
	if idempotencyKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_idempotency(key, server_id) VALUES($1, $2)`,
			idempotencyKey, serverID,
		); err != nil {
			return "", classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", classify(err)
	}
	return serverID, nil
}

// UpdateRecord merges the changed fields into the stored payload.
func (s *Store) UpdateRecord(ctx context.Context, collection domain.Collection, serverID string, changes json.RawMessage) error {
	if len(changes) == 0 {
		changes = json.RawMessage("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET payload = payload || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		string(collection), serverID, []byte(changes),
	)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return &enginesync.RemoteError{
			Kind:   enginesync.FailurePermanent,
			Status: 404,
			Err:    fmt.Errorf("%s %s not found", collection, serverID),
		}
	}
	return nil
}

// DeleteRecord removes a record. A missing target is a conflict requiring
// manual resolution, never silently dropped.
func (s *Store) DeleteRecord(ctx context.Context, collection domain.Collection, serverID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = $1 AND id = $2`,
		string(collection), serverID,
	)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return &enginesync.RemoteError{
			Kind:   enginesync.FailurePermanent,
			Status: 404,
			Err:    fmt.Errorf("%s %s not found", collection, serverID),
		}
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// classify maps a Postgres error onto the coordinator's failure taxonomy.
// Connectivity, resource, and serialization problems are retryable; data and
// integrity violations cannot succeed on retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *enginesync.RemoteError
	if errors.As(err, &re) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return enginesync.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return enginesync.Transient(err)
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return enginesync.Transient(err)
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return enginesync.Transient(err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return enginesync.Transient(err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return &enginesync.RemoteError{Kind: enginesync.FailurePermanent, Status: 400, Err: err}
		case strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return &enginesync.RemoteError{Kind: enginesync.FailurePermanent, Status: 401, Err: err}
		case strings.HasPrefix(pgErr.Code, "42"): // syntax or access rule
			return &enginesync.RemoteError{Kind: enginesync.FailurePermanent, Status: 400, Err: err}
		}
	}
	return enginesync.Transient(err)
}

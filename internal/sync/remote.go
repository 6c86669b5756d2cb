package sync

import (
	"context"
	"encoding/json"

	"fieldcore/pkg/domain"
)

// RemoteStore is the boundary to the hosted system of record. The coordinator
// is the only component that talks to it.
//
// Implementations classify their failures by returning *RemoteError; anything
// else is treated as transient. Create must be idempotent on the supplied
// key: resending a create whose response was lost returns the originally
// assigned server identifier instead of a duplicate record.
type RemoteStore interface {
	CreateRecord(ctx context.Context, collection domain.Collection, payload json.RawMessage, idempotencyKey string) (serverID string, err error)
	UpdateRecord(ctx context.Context, collection domain.Collection, serverID string, changes json.RawMessage) error
	DeleteRecord(ctx context.Context, collection domain.Collection, serverID string) error
}

// Logger is the minimal logging surface the coordinator emits to. The zero
// value of the engine logs nothing.
type Logger interface {
	Logf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Logf(string, ...any) {}

package domain

import (
	"encoding/json"
	"time"
)

// ActionKind identifies the mutation an offline action replays remotely.
type ActionKind string

// Supported mutation kinds recorded in the outbox.
const (
	// ActionCreate inserts a new record; payload carries the full entity.
	ActionCreate ActionKind = "create"
	// ActionUpdate mutates an existing record; payload carries changed fields only.
	ActionUpdate ActionKind = "update"
	// ActionDelete removes a record; payload is empty, the key identifies it.
	ActionDelete ActionKind = "delete"
)

// OfflineAction is one pending mutation in the outbox. It is appended in the
// same local transaction as the entity write it represents and mutated only by
// the sync coordinator afterwards (synced flag, retry count, server id
// backfill).
type OfflineAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Collection Collection      `json:"collection"`
	LocalID    string          `json:"local_id"`
	ServerID   string          `json:"server_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// IdempotencyKey is generated client-side at append time and resent on
	// every retry so the remote side can deduplicate a CREATE whose response
	// was lost.
	IdempotencyKey string `json:"idempotency_key"`

	Timestamp  time.Time `json:"timestamp"`
	Synced     bool      `json:"synced"`
	Failed     bool      `json:"failed"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Pending reports whether the action still awaits remote confirmation.
// Terminal states (synced or failed) are excluded.
func (a OfflineAction) Pending() bool { return !a.Synced && !a.Failed }

// ChainKey groups actions that must replay in timestamp order: everything
// touching the same record. Independent chains may sync concurrently.
func (a OfflineAction) ChainKey() string {
	return string(a.Collection) + "/" + a.LocalID
}

// TargetID returns the identifier the remote call should address: the server
// id once the chain's CREATE has synced, otherwise the local alias.
func (a OfflineAction) TargetID() string {
	if a.ServerID != "" {
		return a.ServerID
	}
	return a.LocalID
}

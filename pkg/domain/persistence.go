package domain

import (
	"context"
	"time"
)

// Transaction exposes the mutations a local store must support within an
// atomic scope. The entity write and the outbox append for one logical
// mutation always happen through the same Transaction, so either both are
// visible after commit or neither is.
type Transaction interface {
	Snapshot() TransactionView

	// PutRecord upserts a record. A missing LocalID is assigned along with
	// creation timestamps.
	PutRecord(Record) (Record, error)
	// UpdateRecord applies the mutator to the record identified by its local
	// alias or server id.
	UpdateRecord(collection Collection, id string, mutator func(*Record) error) (Record, error)
	DeleteRecord(collection Collection, id string) error
	FindRecord(collection Collection, id string) (Record, bool)

	// AppendAction inserts a new outbox entry. A missing ID, idempotency key
	// or timestamp is assigned.
	AppendAction(OfflineAction) (OfflineAction, error)
	// MarkActionSynced flips the synced flag. A non-empty serverID (CREATE
	// case) is backfilled into the cached record and every unsynced action
	// in the same chain, terminal failures included. Re-marking an already
	// synced action is a no-op.
	MarkActionSynced(actionID, serverID string) (OfflineAction, error)
	// MarkActionFailed increments the retry count for a transient failure.
	MarkActionFailed(actionID, reason string) (OfflineAction, error)
	// FailActionTerminal moves an action to the terminal failed state. It is
	// excluded from automatic retry until explicitly reset.
	FailActionTerminal(actionID, reason string) (OfflineAction, error)
	// ResetFailedActions returns terminal failed actions to pending with a
	// zeroed retry count, reporting how many were reset.
	ResetFailedActions() (int, error)
	// PurgeSyncedActions removes synced actions older than the cutoff; a zero
	// cutoff removes all synced actions. Reports how many were purged.
	PurgeSyncedActions(olderThan time.Time) (int, error)
}

// TransactionView provides read-only access to a consistent snapshot.
type TransactionView interface {
	ListRecords(collection Collection) []Record
	FindRecord(collection Collection, id string) (Record, bool)
	ListActions() []OfflineAction
	ListPendingActions() []OfflineAction
	ListFailedActions() []OfflineAction
}

// LocalStore is the durable, transactional client-side store: cached domain
// records plus the outbox. It must function fully without network access and
// survive process restart.
type LocalStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error

	FindRecord(collection Collection, id string) (Record, bool)
	ListRecords(collection Collection) []Record
	ListActions() []OfflineAction
	ListPendingActions() []OfflineAction
	ListFailedActions() []OfflineAction

	// StorageSize reports the bytes consumed by the store, for the stats
	// surface.
	StorageSize() (int64, error)
	Close() error
}

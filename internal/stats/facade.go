// Package stats provides the read-only inspection facade consumed by UI
// status indicators, plus Prometheus collectors mirroring the same numbers.
package stats

import (
	"context"
	"time"

	"fieldcore/pkg/domain"
)

// Stats is the derived view rendered by pending/failed indicators.
// Pending + Failed + Synced always equals Total at a quiescent point.
type Stats struct {
	TotalActions     int       `json:"total_actions"`
	PendingActions   int       `json:"pending_actions"`
	FailedActions    int       `json:"failed_actions"`
	SyncedActions    int       `json:"synced_actions"`
	StorageUsedBytes int64     `json:"storage_used_bytes"`
	LastSyncAt       time.Time `json:"last_sync_at"`
}

// Facade aggregates over the outbox and local store. Action counts come from
// a single store view, so a drain running concurrently can never expose a
// torn count.
type Facade struct {
	store      domain.LocalStore
	lastSyncAt func() time.Time
	metrics    *Metrics
}

// NewFacade constructs a facade. lastSyncAt typically points at the
// coordinator's LastSyncAt; metrics may be nil.
func NewFacade(store domain.LocalStore, lastSyncAt func() time.Time, metrics *Metrics) *Facade {
	if lastSyncAt == nil {
		lastSyncAt = func() time.Time { return time.Time{} }
	}
	return &Facade{store: store, lastSyncAt: lastSyncAt, metrics: metrics}
}

// GetStats computes the current counters from one consistent snapshot.
func (f *Facade) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	err := f.store.View(ctx, func(view domain.TransactionView) error {
		for _, action := range view.ListActions() {
			out.TotalActions++
			switch {
			case action.Synced:
				out.SyncedActions++
			case action.Failed:
				out.FailedActions++
			default:
				out.PendingActions++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	// StorageSize is read outside the view snapshot; the byte count can be
	// fractionally newer than the action counts.
	size, err := f.store.StorageSize()
	if err != nil {
		return Stats{}, err
	}
	out.StorageUsedBytes = size
	out.LastSyncAt = f.lastSyncAt()
	f.metrics.setSnapshot(out)
	return out, nil
}

package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldcore/internal/blob"
	"fieldcore/internal/infra/persistence/sqlite"
	"fieldcore/pkg/domain"
)

// ExportSnapshot is the serialized form of the full local state: cached
// records plus the outbox, suitable for user-initiated backup.
type ExportSnapshot struct {
	SchemaVersion int                            `json:"schema_version"`
	ExportedAt    time.Time                      `json:"exported_at"`
	Records       map[Collection][]domain.Record `json:"records"`
	Actions       []OfflineAction                `json:"offline_actions"`
}

// ExportOfflineData serializes the local store and outbox from one consistent
// snapshot and writes it to the configured export backend. State is not
// mutated; errors propagate synchronously since there is no deferred remote
// component.
func (s *Service) ExportOfflineData(ctx context.Context) (blob.Info, error) {
	if s.exports == nil {
		return blob.Info{}, fmt.Errorf("no export store configured")
	}
	snapshot := ExportSnapshot{
		SchemaVersion: sqlite.SchemaVersion,
		ExportedAt:    time.Now().UTC(),
		Records:       make(map[Collection][]domain.Record),
	}
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, collection := range domain.Collections() {
			if records := view.ListRecords(collection); len(records) > 0 {
				snapshot.Records[collection] = records
			}
		}
		snapshot.Actions = view.ListActions()
		return nil
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("snapshot local state: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode export: %w", err)
	}
	key := fmt.Sprintf("offline-export-%s.json", snapshot.ExportedAt.Format("20060102T150405.000Z0700"))
	info, err := s.exports.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"actions": fmt.Sprintf("%d", len(snapshot.Actions))},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("write export: %w", err)
	}
	s.logger.Logf("exported offline data to %s (%d bytes)", info.Key, info.Size)
	return info, nil
}

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"fieldcore/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore()
	seq := 0
	store.SetIDFunc(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return base })
	return store
}

func putFarm(t *testing.T, store *Store, localID string) Record {
	t.Helper()
	var rec Record
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var txErr error
		rec, txErr = tx.PutRecord(Record{
			Collection: domain.CollectionFarms,
			LocalID:    localID,
			Fields:     json.RawMessage(`{"name":"Riverbend"}`),
		})
		return txErr
	})
	if err != nil {
		t.Fatalf("put farm: %v", err)
	}
	return rec
}

func TestPutRecordAssignsAliasAndTimestamps(t *testing.T) {
	store := newTestStore(t)
	rec := putFarm(t, store, "")

	if rec.LocalID == "" {
		t.Fatal("expected a generated local alias")
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be populated")
	}
	got, ok := store.FindRecord(domain.CollectionFarms, rec.LocalID)
	if !ok {
		t.Fatal("record not found after commit")
	}
	if string(got.Fields) != `{"name":"Riverbend"}` {
		t.Fatalf("unexpected fields %s", got.Fields)
	}
}

func TestPutRecordUnknownCollection(t *testing.T) {
	store := newTestStore(t)
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, txErr := tx.PutRecord(Record{Collection: "tractors"})
		return txErr
	})
	var unknown domain.ErrUnknownCollection
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestTransactionRollbackLeavesNoPartialWrites(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("boom")
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, txErr := tx.PutRecord(Record{Collection: domain.CollectionFarms, LocalID: "tmp-1"}); txErr != nil {
			return txErr
		}
		if _, txErr := tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"}); txErr != nil {
			return txErr
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the transaction error, got %v", err)
	}
	if _, ok := store.FindRecord(domain.CollectionFarms, "tmp-1"); ok {
		t.Fatal("record visible after failed transaction")
	}
	if got := len(store.ListActions()); got != 0 {
		t.Fatalf("expected empty action log, got %d entries", got)
	}
}

func TestAppendActionGeneratesIdentityAndKey(t *testing.T) {
	store := newTestStore(t)
	var action OfflineAction
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var txErr error
		action, txErr = tx.AppendAction(OfflineAction{
			Kind:       domain.ActionCreate,
			Collection: domain.CollectionFarms,
			LocalID:    "tmp-1",
		})
		return txErr
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if action.ID == "" || action.IdempotencyKey == "" {
		t.Fatalf("expected generated id and idempotency key, got %+v", action)
	}
	if action.Timestamp.IsZero() {
		t.Fatal("expected the transaction time to be stamped")
	}
	if !action.Pending() {
		t.Fatal("fresh action should be pending")
	}
}

func TestMarkActionSyncedRemapsChain(t *testing.T) {
	store := newTestStore(t)
	putFarm(t, store, "tmp-1")

	var create, update OfflineAction
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var txErr error
		create, txErr = tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		if txErr != nil {
			return txErr
		}
		update, txErr = tx.AppendAction(OfflineAction{Kind: domain.ActionUpdate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		return txErr
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, txErr := tx.MarkActionSynced(create.ID, "42")
		return txErr
	})
	if err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	// Record gets the server id backfilled and stays reachable by either id.
	rec, ok := store.FindRecord(domain.CollectionFarms, "42")
	if !ok {
		t.Fatal("record not reachable by server id after remap")
	}
	if rec.LocalID != "tmp-1" || rec.ServerID != "42" {
		t.Fatalf("unexpected identifiers %+v", rec)
	}
	if _, ok := store.FindRecord(domain.CollectionFarms, "tmp-1"); !ok {
		t.Fatal("record no longer reachable by local alias")
	}

	// The still-pending update inherits the server id.
	pending := store.ListPendingActions()
	if len(pending) != 1 || pending[0].ID != update.ID {
		t.Fatalf("expected only the update pending, got %+v", pending)
	}
	if pending[0].ServerID != "42" {
		t.Fatalf("pending action missing remapped server id: %+v", pending[0])
	}
	if got := pending[0].TargetID(); got != "42" {
		t.Fatalf("TargetID()=%q want server id", got)
	}
}

func TestMarkActionSyncedRemapsFailedActions(t *testing.T) {
	store := newTestStore(t)
	putFarm(t, store, "tmp-1")

	var create, update OfflineAction
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var txErr error
		create, txErr = tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		if txErr != nil {
			return txErr
		}
		update, txErr = tx.AppendAction(OfflineAction{Kind: domain.ActionUpdate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.FailActionTerminal(update.ID, "rejected")
		return txErr
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, txErr := tx.MarkActionSynced(create.ID, "42")
		return txErr
	})
	if err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	// A terminal-failed action in the chain inherits the server id too, so
	// a later reset replays it against the right identifier.
	failed := store.ListFailedActions()
	if len(failed) != 1 || failed[0].ID != update.ID {
		t.Fatalf("expected the failed update, got %+v", failed)
	}
	if failed[0].ServerID != "42" {
		t.Fatalf("failed action missing remapped server id: %+v", failed[0])
	}
}

func TestMarkActionSyncedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	putFarm(t, store, "tmp-1")
	var create OfflineAction
	_ = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		create, _ = tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		return nil
	})

	for i := 0; i < 2; i++ {
		err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
			got, txErr := tx.MarkActionSynced(create.ID, "42")
			if txErr != nil {
				return txErr
			}
			if !got.Synced || got.ServerID != "42" {
				return fmt.Errorf("unexpected state after confirmation %d: %+v", i, got)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("confirmation %d: %v", i, err)
		}
	}
	if got := len(store.ListActions()); got != 1 {
		t.Fatalf("expected a single action, got %d", got)
	}
}

func TestMarkActionFailedIncrementsRetryCount(t *testing.T) {
	store := newTestStore(t)
	var action OfflineAction
	_ = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		action, _ = tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		return nil
	})

	for want := 1; want <= 3; want++ {
		err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
			got, txErr := tx.MarkActionFailed(action.ID, "connection refused")
			if txErr != nil {
				return txErr
			}
			if got.RetryCount != want {
				return fmt.Errorf("RetryCount=%d want %d", got.RetryCount, want)
			}
			if !got.Pending() {
				return fmt.Errorf("transient failure should stay pending: %+v", got)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("attempt %d: %v", want, err)
		}
	}
}

func TestFailActionTerminalAndReset(t *testing.T) {
	store := newTestStore(t)
	var action OfflineAction
	_ = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		action, _ = tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1", RetryCount: 5})
		return nil
	})

	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, txErr := tx.FailActionTerminal(action.ID, "record rejected")
		return txErr
	})
	if err != nil {
		t.Fatalf("fail terminal: %v", err)
	}
	failed := store.ListFailedActions()
	if len(failed) != 1 || failed[0].LastError != "record rejected" {
		t.Fatalf("unexpected failed set %+v", failed)
	}
	if got := len(store.ListPendingActions()); got != 0 {
		t.Fatalf("terminal action should not be pending, got %d", got)
	}

	err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		reset, txErr := tx.ResetFailedActions()
		if txErr != nil {
			return txErr
		}
		if reset != 1 {
			return fmt.Errorf("reset=%d want 1", reset)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	pending := store.ListPendingActions()
	if len(pending) != 1 {
		t.Fatalf("expected requeued action, got %+v", pending)
	}
	if pending[0].RetryCount != 0 || pending[0].LastError != "" {
		t.Fatalf("retry budget not refreshed: %+v", pending[0])
	}
}

func TestPurgeSyncedActionsRespectsCutoff(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_ = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		for i := 0; i < 3; i++ {
			a, _ := tx.AppendAction(OfflineAction{
				Kind:       domain.ActionCreate,
				Collection: domain.CollectionFarms,
				LocalID:    fmt.Sprintf("tmp-%d", i),
				Timestamp:  base.Add(time.Duration(i) * time.Hour),
			})
			if i < 2 {
				if _, err := tx.MarkActionSynced(a.ID, fmt.Sprintf("srv-%d", i)); err != nil {
					return err
				}
			}
		}
		return nil
	})

	// Cutoff between the two synced actions: only the older one goes.
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		purged, txErr := tx.PurgeSyncedActions(base.Add(30 * time.Minute))
		if txErr != nil {
			return txErr
		}
		if purged != 1 {
			return fmt.Errorf("purged=%d want 1", purged)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("purge with cutoff: %v", err)
	}
	if got := len(store.ListActions()); got != 2 {
		t.Fatalf("expected 2 actions after cutoff purge, got %d", got)
	}

	// Zero cutoff purges all synced, never pending.
	err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		purged, txErr := tx.PurgeSyncedActions(time.Time{})
		if txErr != nil {
			return txErr
		}
		if purged != 1 {
			return fmt.Errorf("purged=%d want 1", purged)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	remaining := store.ListActions()
	if len(remaining) != 1 || remaining[0].Synced {
		t.Fatalf("pending action should survive purges, got %+v", remaining)
	}
}

func TestDeleteRecordByEitherIdentifier(t *testing.T) {
	store := newTestStore(t)
	putFarm(t, store, "tmp-1")
	var create OfflineAction
	_ = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		create, _ = tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		_, err := tx.MarkActionSynced(create.ID, "42")
		return err
	})

	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteRecord(domain.CollectionFarms, "42")
	})
	if err != nil {
		t.Fatalf("delete by server id: %v", err)
	}
	if _, ok := store.FindRecord(domain.CollectionFarms, "tmp-1"); ok {
		t.Fatal("record still reachable by local alias after delete")
	}
	if _, ok := store.FindRecord(domain.CollectionFarms, "42"); ok {
		t.Fatal("record still reachable by server id after delete")
	}
}

func TestUpdateRecordMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, txErr := tx.UpdateRecord(domain.CollectionFarms, "nope", func(*Record) error { return nil })
		return txErr
	})
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	putFarm(t, store, "tmp-1")
	_ = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		a, _ := tx.AppendAction(OfflineAction{Kind: domain.ActionCreate, Collection: domain.CollectionFarms, LocalID: "tmp-1"})
		_, err := tx.MarkActionSynced(a.ID, "42")
		return err
	})

	snapshot := store.ExportState()
	restored := NewStore()
	restored.ImportState(snapshot)

	rec, ok := restored.FindRecord(domain.CollectionFarms, "42")
	if !ok {
		t.Fatal("server index not rebuilt on import")
	}
	if rec.LocalID != "tmp-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := len(restored.ListActions()); got != 1 {
		t.Fatalf("expected 1 action after import, got %d", got)
	}

	size, err := restored.StorageSize()
	if err != nil || size <= 0 {
		t.Fatalf("StorageSize()=%d, %v", size, err)
	}
}

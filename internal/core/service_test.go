package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldcore/internal/blob"
	"fieldcore/internal/infra/persistence/memory"
	enginesync "fieldcore/internal/sync"
	"fieldcore/pkg/domain"
)

// stubRemote syncs everything, assigning sequential server identifiers.
// Failures are injected per-operation via the err fields.
type stubRemote struct {
	mu        sync.Mutex
	nextID    int
	creates   int
	createErr error
	updateErr error
	deleteErr error
}

func (r *stubRemote) CreateRecord(context.Context, domain.Collection, json.RawMessage, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.createErr != nil {
		return "", r.createErr
	}
	r.nextID++
	return fmt.Sprintf("srv-%d", r.nextID), nil
}

func (r *stubRemote) UpdateRecord(context.Context, domain.Collection, string, json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateErr
}

func (r *stubRemote) DeleteRecord(context.Context, domain.Collection, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteErr
}

func newTestService(t *testing.T, remote enginesync.RemoteStore, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	if remote == nil {
		remote = &stubRemote{}
	}
	svc := NewService(store, remote, enginesync.Config{}, opts...)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, store
}

func TestCreateRecordIsImmediatelyReadable(t *testing.T) {
	svc, store := newTestService(t, nil)

	rec, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "Riverbend", Region: "waikato"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.LocalID == "" {
		t.Fatal("expected a local alias")
	}
	if rec.Synced() {
		t.Fatal("offline create must not carry a server id")
	}

	got, ok := svc.GetRecord(CollectionFarms, rec.LocalID)
	if !ok {
		t.Fatal("record not readable after create")
	}
	var farm domain.Farm
	if err := json.Unmarshal(got.Fields, &farm); err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if farm.Name != "Riverbend" {
		t.Fatalf("unexpected fields %+v", farm)
	}

	pending := store.ListPendingActions()
	if len(pending) != 1 || pending[0].Kind != ActionCreate {
		t.Fatalf("expected one pending create, got %+v", pending)
	}
	if pending[0].LocalID != rec.LocalID {
		t.Fatal("action not linked to the created record")
	}
	if pending[0].IdempotencyKey == "" {
		t.Fatal("create action must carry an idempotency key")
	}
}

func TestLocalWriteAndOutboxAppendAreAtomic(t *testing.T) {
	svc, store := newTestService(t, nil)

	// An update of a missing record fails; neither a record change nor an
	// outbox entry may be left behind.
	_, err := svc.UpdateRecord(context.Background(), CollectionFarms, "missing", domain.Farm{Name: "x"})
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := len(store.ListActions()); got != 0 {
		t.Fatalf("failed mutation leaked %d outbox entries", got)
	}
}

func TestUpdateRecordMergesFieldsAndQueuesDelta(t *testing.T) {
	svc, store := newTestService(t, nil)

	rec, err := svc.CreateRecord(context.Background(), CollectionFields, domain.Field{Name: "North Paddock", Crop: "maize", AreaHa: 12})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := svc.UpdateRecord(context.Background(), CollectionFields, rec.LocalID, map[string]any{"crop": "wheat"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var field domain.Field
	if err := json.Unmarshal(updated.Fields, &field); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if field.Crop != "wheat" || field.Name != "North Paddock" || field.AreaHa != 12 {
		t.Fatalf("merge lost fields: %+v", field)
	}

	actions := store.ListActions()
	if len(actions) != 2 {
		t.Fatalf("expected create+update, got %+v", actions)
	}
	var delta map[string]any
	if err := json.Unmarshal(actions[1].Payload, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if len(delta) != 1 || delta["crop"] != "wheat" {
		t.Fatalf("update payload should carry only changed fields: %v", delta)
	}
}

func TestDeleteRecordQueuesDelete(t *testing.T) {
	svc, store := newTestService(t, nil)

	rec, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "Riverbend"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.DeleteRecord(context.Background(), CollectionFarms, rec.LocalID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := svc.GetRecord(CollectionFarms, rec.LocalID); ok {
		t.Fatal("record still readable after delete")
	}
	actions := store.ListActions()
	if len(actions) != 2 || actions[1].Kind != ActionDelete {
		t.Fatalf("expected queued delete, got %+v", actions)
	}
}

func TestRemoteFailureNeverPropagatesToCaller(t *testing.T) {
	remote := &stubRemote{createErr: enginesync.Transient(errors.New("connection refused"))}
	svc, _ := newTestService(t, remote)
	svc.SetOnline(true)

	if _, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "Riverbend"}); err != nil {
		t.Fatalf("local commit must succeed regardless of remote health: %v", err)
	}
}

func TestOnlineTransitionDrainsOutbox(t *testing.T) {
	syncedCh := make(chan enginesync.Event, 8)
	remote := &stubRemote{}
	svc, store := newTestService(t, remote, WithObserver(func(ev enginesync.Event) {
		if ev.Type == enginesync.EventActionSynced {
			syncedCh <- ev
		}
	}))

	rec, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "Riverbend"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := len(store.ListPendingActions()); got != 1 {
		t.Fatalf("expected queued action while offline, got %d", got)
	}

	svc.SetOnline(true)
	select {
	case <-syncedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("online transition did not drain the outbox")
	}

	got, ok := svc.GetRecord(CollectionFarms, rec.LocalID)
	if !ok {
		t.Fatal("record lost after sync")
	}
	if !got.Synced() {
		t.Fatalf("server id not backfilled: %+v", got)
	}
	if _, ok := svc.GetRecord(CollectionFarms, got.ServerID); !ok {
		t.Fatal("record not reachable by server id")
	}
}

func TestClearSyncedActionsKeepsPending(t *testing.T) {
	remote := &stubRemote{}
	svc, store := newTestService(t, remote)

	for i := 0; i < 10; i++ {
		if _, err := svc.CreateRecord(context.Background(), CollectionHarvestRecords, domain.HarvestRecord{Crop: "maize", YieldKg: float64(i)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if err := svc.TriggerSync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Two more mutations arrive while effectively offline again.
	remote.mu.Lock()
	remote.createErr = enginesync.Transient(errors.New("offline"))
	remote.mu.Unlock()
	for i := 0; i < 2; i++ {
		if _, err := svc.CreateRecord(context.Background(), CollectionDiseaseReports, domain.DiseaseReport{Disease: "rust"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	removed, err := svc.ClearSyncedActions(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 10 {
		t.Fatalf("removed %d want 10", removed)
	}
	remaining := store.ListActions()
	if len(remaining) != 2 {
		t.Fatalf("expected the 2 pending actions to survive, got %+v", remaining)
	}
	for _, a := range remaining {
		if !a.Pending() {
			t.Fatalf("non-pending action survived the purge: %+v", a)
		}
	}
}

func TestRetryFailedActionsRequeues(t *testing.T) {
	remote := &stubRemote{createErr: enginesync.Permanent(errors.New("rejected"))}
	svc, store := newTestService(t, remote)

	if _, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "Riverbend"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.TriggerSync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := len(store.ListFailedActions()); got != 1 {
		t.Fatalf("expected terminal failure, got %d", got)
	}

	reset, err := svc.RetryFailedActions(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset %d want 1", reset)
	}
	pending := store.ListPendingActions()
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("retry budget not refreshed: %+v", pending)
	}
}

func TestGetStatsReflectsOutbox(t *testing.T) {
	remote := &stubRemote{}
	svc, _ := newTestService(t, remote)

	if _, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	st, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalActions != 2 || st.PendingActions != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	if err := svc.TriggerSync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st, err = svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.SyncedActions != 2 || st.PendingActions != 0 {
		t.Fatalf("unexpected stats after drain %+v", st)
	}
	if st.LastSyncAt.IsZero() {
		t.Fatal("LastSyncAt not set after drain")
	}
}

func TestExportOfflineData(t *testing.T) {
	exports := blob.NewMemory()
	svc, store := newTestService(t, nil, WithExportStore(exports))

	rec, err := svc.CreateRecord(context.Background(), CollectionFarms, domain.Farm{Name: "Riverbend"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err := svc.ExportOfflineData(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if info.Size <= 0 || info.ContentType != "application/json" {
		t.Fatalf("unexpected export info %+v", info)
	}

	_, rc, err := exports.Get(context.Background(), info.Key)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	defer func() { _ = rc.Close() }()
	var snapshot ExportSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(snapshot.Records[CollectionFarms]) != 1 || snapshot.Records[CollectionFarms][0].LocalID != rec.LocalID {
		t.Fatalf("export missing records: %+v", snapshot.Records)
	}
	if len(snapshot.Actions) != 1 {
		t.Fatalf("export missing outbox: %+v", snapshot.Actions)
	}

	// Export is read-only: the outbox still holds the pending action.
	if got := len(store.ListPendingActions()); got != 1 {
		t.Fatalf("export mutated the outbox: %d pending", got)
	}
}

func TestExportWithoutStoreConfigured(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.ExportOfflineData(context.Background()); err == nil {
		t.Fatal("expected an error without an export store")
	}
}

func TestMarshalFieldsVariants(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "{}"},
		{"raw message", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`{"b":2}`), `{"b":2}`},
		{"struct", domain.Farm{Name: "x"}, `{"name":"x","owner":"","region":"","area_ha":0}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := marshalFields(c.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != c.want {
				t.Fatalf("got %s want %s", got, c.want)
			}
		})
	}
	if _, err := marshalFields(func() {}); err == nil {
		t.Fatal("unencodable value should error")
	}
}

func TestMergeFieldsLastWriterWins(t *testing.T) {
	merged, err := mergeFields(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":3,"c":4}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var out map[string]float64
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["a"] != 1 || out["b"] != 3 || out["c"] != 4 {
		t.Fatalf("unexpected merge %v", out)
	}
}

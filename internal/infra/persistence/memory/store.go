// Package memory provides an in-memory implementation of the local durable
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fieldcore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.LocalStore = (*Store)(nil)

type (
	// Record aliases domain.Record for in-memory persistence operations.
	Record = domain.Record
	// OfflineAction aliases domain.OfflineAction.
	OfflineAction = domain.OfflineAction
	// Collection aliases domain.Collection.
	Collection = domain.Collection
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	records map[Collection]map[string]Record
	// serverIndex maps collection/serverID back to the stable local alias so
	// lookups by either identifier resolve to the same record.
	serverIndex map[Collection]map[string]string
	actions     []OfflineAction
}

// Snapshot captures a point-in-time clone of the store state for external
// persistence and export.
type Snapshot struct {
	SchemaVersion int                              `json:"schema_version"`
	Records       map[Collection]map[string]Record `json:"records"`
	Actions       []OfflineAction                  `json:"offline_actions"`
}

func newMemoryState(collections []Collection) memoryState {
	state := memoryState{
		records:     make(map[Collection]map[string]Record, len(collections)),
		serverIndex: make(map[Collection]map[string]string, len(collections)),
	}
	for _, c := range collections {
		state.records[c] = make(map[string]Record)
		state.serverIndex[c] = make(map[string]string)
	}
	return state
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		records:     make(map[Collection]map[string]Record, len(s.records)),
		serverIndex: make(map[Collection]map[string]string, len(s.serverIndex)),
		actions:     make([]OfflineAction, len(s.actions)),
	}
	for c, recs := range s.records {
		cp := make(map[string]Record, len(recs))
		for id, r := range recs {
			cp[id] = cloneRecord(r)
		}
		out.records[c] = cp
	}
	for c, idx := range s.serverIndex {
		cp := make(map[string]string, len(idx))
		for sid, lid := range idx {
			cp[sid] = lid
		}
		out.serverIndex[c] = cp
	}
	for i, a := range s.actions {
		out.actions[i] = cloneAction(a)
	}
	return out
}

func cloneRecord(r Record) Record {
	if r.Fields != nil {
		fields := make(json.RawMessage, len(r.Fields))
		copy(fields, r.Fields)
		r.Fields = fields
	}
	return r
}

func cloneAction(a OfflineAction) OfflineAction {
	if a.Payload != nil {
		payload := make(json.RawMessage, len(a.Payload))
		copy(payload, a.Payload)
		a.Payload = payload
	}
	return a
}

// Store is an in-memory local store. Transactions clone the state, apply the
// mutation set, and swap the clone in on success, so a failed transaction
// leaves no partial writes behind.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
	idFn  func() string
}

// NewStore constructs an in-memory store provisioned with the given
// collections (defaults to domain.Collections when empty).
func NewStore(collections ...Collection) *Store {
	if len(collections) == 0 {
		collections = domain.Collections()
	}
	return &Store{
		state: newMemoryState(collections),
		nowFn: func() time.Time { return time.Now().UTC() },
		idFn:  func() string { return uuid.NewString() },
	}
}

// SetNowFunc overrides the time provider (tests).
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// SetIDFunc overrides the identifier generator (tests).
func (s *Store) SetIDFunc(fn func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idFn = fn
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cloned := s.state.clone()
	return Snapshot{Records: cloned.records, Actions: cloned.actions}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := newMemoryState(domain.Collections())
	for c, recs := range snapshot.Records {
		if state.records[c] == nil {
			state.records[c] = make(map[string]Record)
			state.serverIndex[c] = make(map[string]string)
		}
		for id, r := range recs {
			state.records[c][id] = cloneRecord(r)
			if r.ServerID != "" {
				state.serverIndex[c][r.ServerID] = id
			}
		}
	}
	state.actions = make([]OfflineAction, len(snapshot.Actions))
	for i, a := range snapshot.Actions {
		state.actions[i] = cloneAction(a)
	}
	s.state = state
}

// RunInTransaction applies fn against a cloned state and commits the clone on
// success.
func (s *Store) RunInTransaction(_ context.Context, fn func(Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.state.clone()
	return fn(transactionView{state: &snapshot})
}

// FindRecord retrieves a record by local alias or server id.
func (s *Store) FindRecord(collection Collection, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findRecord(&s.state, collection, id)
}

// ListRecords returns all records in a collection sorted by local alias.
func (s *Store) ListRecords(collection Collection) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(&s.state, collection)
}

// ListActions returns every outbox entry in append order.
func (s *Store) ListActions() []OfflineAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActions(&s.state, func(OfflineAction) bool { return true })
}

// ListPendingActions returns unsynced, non-terminal actions ordered by
// timestamp ascending.
func (s *Store) ListPendingActions() []OfflineAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActions(&s.state, OfflineAction.Pending)
}

// ListFailedActions returns terminal failed actions ordered by timestamp.
func (s *Store) ListFailedActions() []OfflineAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActions(&s.state, func(a OfflineAction) bool { return a.Failed })
}

// StorageSize reports the encoded size of the state, approximating what a
// durable backend would occupy.
func (s *Store) StorageSize() (int64, error) {
	data, err := json.Marshal(s.ExportState())
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Close releases nothing for the in-memory store.
func (s *Store) Close() error { return nil }

func findRecord(state *memoryState, collection Collection, id string) (Record, bool) {
	recs, ok := state.records[collection]
	if !ok {
		return Record{}, false
	}
	if r, ok := recs[id]; ok {
		return cloneRecord(r), true
	}
	if alias, ok := state.serverIndex[collection][id]; ok {
		if r, ok := recs[alias]; ok {
			return cloneRecord(r), true
		}
	}
	return Record{}, false
}

func listRecords(state *memoryState, collection Collection) []Record {
	recs := state.records[collection]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func listActions(state *memoryState, keep func(OfflineAction) bool) []OfflineAction {
	out := make([]OfflineAction, 0, len(state.actions))
	for _, a := range state.actions {
		if keep(a) {
			out = append(out, cloneAction(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

package memory

import (
	"time"

	"fieldcore/pkg/domain"
)

// transaction is a mutation set applied to a cloned state; the clone is
// swapped in by Store.RunInTransaction on success.
type transaction struct {
	store *Store
	state memoryState
	now   time.Time
}

type transactionView struct {
	state *memoryState
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) PutRecord(record Record) (Record, error) {
	recs, ok := tx.state.records[record.Collection]
	if !ok {
		return Record{}, domain.ErrUnknownCollection{Collection: record.Collection}
	}
	if record.LocalID == "" {
		record.LocalID = tx.store.idFn()
	}
	if existing, ok := recs[record.LocalID]; ok {
		record.CreatedAt = existing.CreatedAt
		if record.ServerID == "" {
			record.ServerID = existing.ServerID
		}
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = tx.now
	}
	record.UpdatedAt = tx.now
	recs[record.LocalID] = cloneRecord(record)
	if record.ServerID != "" {
		tx.state.serverIndex[record.Collection][record.ServerID] = record.LocalID
	}
	return record, nil
}

func (tx *transaction) UpdateRecord(collection Collection, id string, mutator func(*Record) error) (Record, error) {
	current, ok := findRecord(&tx.state, collection, id)
	if !ok {
		return Record{}, domain.ErrNotFound{Collection: collection, ID: id}
	}
	if err := mutator(&current); err != nil {
		return Record{}, err
	}
	current.Collection = collection
	current.UpdatedAt = tx.now
	tx.state.records[collection][current.LocalID] = cloneRecord(current)
	if current.ServerID != "" {
		tx.state.serverIndex[collection][current.ServerID] = current.LocalID
	}
	return current, nil
}

func (tx *transaction) DeleteRecord(collection Collection, id string) error {
	current, ok := findRecord(&tx.state, collection, id)
	if !ok {
		return domain.ErrNotFound{Collection: collection, ID: id}
	}
	delete(tx.state.records[collection], current.LocalID)
	if current.ServerID != "" {
		delete(tx.state.serverIndex[collection], current.ServerID)
	}
	return nil
}

func (tx *transaction) FindRecord(collection Collection, id string) (Record, bool) {
	return findRecord(&tx.state, collection, id)
}

func (tx *transaction) AppendAction(action OfflineAction) (OfflineAction, error) {
	if _, ok := tx.state.records[action.Collection]; !ok {
		return OfflineAction{}, domain.ErrUnknownCollection{Collection: action.Collection}
	}
	if action.ID == "" {
		action.ID = tx.store.idFn()
	}
	if action.IdempotencyKey == "" {
		action.IdempotencyKey = tx.store.idFn()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = tx.now
	}
	tx.state.actions = append(tx.state.actions, cloneAction(action))
	return action, nil
}

func (tx *transaction) MarkActionSynced(actionID, serverID string) (OfflineAction, error) {
	idx := tx.findAction(actionID)
	if idx < 0 {
		return OfflineAction{}, domain.ErrNotFound{ID: actionID}
	}
	action := tx.state.actions[idx]
	if action.Synced {
		// Idempotent replay: a second confirmation changes nothing.
		return cloneAction(action), nil
	}
	action.Synced = true
	action.Failed = false
	action.LastError = ""
	if serverID != "" {
		action.ServerID = serverID
		tx.remapChain(action.Collection, action.LocalID, serverID)
	}
	tx.state.actions[idx] = action
	return cloneAction(action), nil
}

// remapChain backfills the server identifier into the cached record and every
// unsynced action referencing the same local alias, terminal failures
// included, so a reset action replays against the server id. Synced history
// keeps whatever identifier it was confirmed under.
func (tx *transaction) remapChain(collection Collection, localID, serverID string) {
	if rec, ok := tx.state.records[collection][localID]; ok {
		rec.ServerID = serverID
		tx.state.records[collection][localID] = rec
		tx.state.serverIndex[collection][serverID] = localID
	}
	for i, a := range tx.state.actions {
		if a.Collection == collection && a.LocalID == localID && !a.Synced {
			a.ServerID = serverID
			tx.state.actions[i] = a
		}
	}
}

func (tx *transaction) MarkActionFailed(actionID, reason string) (OfflineAction, error) {
	idx := tx.findAction(actionID)
	if idx < 0 {
		return OfflineAction{}, domain.ErrNotFound{ID: actionID}
	}
	action := tx.state.actions[idx]
	if action.Synced {
		return cloneAction(action), nil
	}
	action.RetryCount++
	action.LastError = reason
	tx.state.actions[idx] = action
	return cloneAction(action), nil
}

func (tx *transaction) FailActionTerminal(actionID, reason string) (OfflineAction, error) {
	idx := tx.findAction(actionID)
	if idx < 0 {
		return OfflineAction{}, domain.ErrNotFound{ID: actionID}
	}
	action := tx.state.actions[idx]
	if action.Synced {
		return cloneAction(action), nil
	}
	action.Failed = true
	action.LastError = reason
	tx.state.actions[idx] = action
	return cloneAction(action), nil
}

func (tx *transaction) ResetFailedActions() (int, error) {
	reset := 0
	for i, a := range tx.state.actions {
		if a.Failed {
			a.Failed = false
			a.RetryCount = 0
			a.LastError = ""
			tx.state.actions[i] = a
			reset++
		}
	}
	return reset, nil
}

func (tx *transaction) PurgeSyncedActions(olderThan time.Time) (int, error) {
	kept := tx.state.actions[:0]
	purged := 0
	for _, a := range tx.state.actions {
		if a.Synced && (olderThan.IsZero() || a.Timestamp.Before(olderThan)) {
			purged++
			continue
		}
		kept = append(kept, a)
	}
	tx.state.actions = kept
	return purged, nil
}

func (tx *transaction) findAction(actionID string) int {
	for i, a := range tx.state.actions {
		if a.ID == actionID {
			return i
		}
	}
	return -1
}

func (v transactionView) ListRecords(collection Collection) []Record {
	return listRecords(v.state, collection)
}

func (v transactionView) FindRecord(collection Collection, id string) (Record, bool) {
	return findRecord(v.state, collection, id)
}

func (v transactionView) ListActions() []OfflineAction {
	return listActions(v.state, func(OfflineAction) bool { return true })
}

func (v transactionView) ListPendingActions() []OfflineAction {
	return listActions(v.state, OfflineAction.Pending)
}

func (v transactionView) ListFailedActions() []OfflineAction {
	return listActions(v.state, func(a OfflineAction) bool { return a.Failed })
}

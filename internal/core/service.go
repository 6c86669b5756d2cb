// Package core exposes the offline engine facade: optimistic local CRUD with
// outbox capture, the sync lifecycle, and the maintenance surface consumed by
// settings screens.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fieldcore/internal/blob"
	"fieldcore/internal/netmon"
	"fieldcore/internal/stats"
	enginesync "fieldcore/internal/sync"
	"fieldcore/pkg/domain"
)

// Service is the explicitly constructed offline engine. It owns the wiring
// between the local store, the outbox drain, and the network monitor, and it
// has a defined lifecycle (Init/Shutdown) so tests can run isolated
// instances.
//
// Local commit is the point of durability from the user's perspective:
// CreateRecord, UpdateRecord, and DeleteRecord return as soon as the local
// transaction succeeds, and remote failures surface only through the stats
// facade and retry controls.
type Service struct {
	store   domain.LocalStore
	coord   *enginesync.Coordinator
	monitor *netmon.Monitor
	facade  *stats.Facade
	exports blob.Store
	logger  enginesync.Logger

	mu        sync.Mutex
	runCancel context.CancelFunc
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger   enginesync.Logger
	exports  blob.Store
	registry prometheus.Registerer
	observer func(enginesync.Event)
	monitor  *netmon.Monitor
	syncOpts []enginesync.Option
}

// WithLogger attaches a logger shared by the service and coordinator.
func WithLogger(l enginesync.Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithExportStore sets the backup target for ExportOfflineData.
func WithExportStore(s blob.Store) Option {
	return func(o *serviceOptions) { o.exports = s }
}

// WithMetricsRegistry registers sync collectors with the given registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *serviceOptions) { o.registry = reg }
}

// WithObserver attaches a sync progress callback in addition to metrics.
func WithObserver(fn func(enginesync.Event)) Option {
	return func(o *serviceOptions) { o.observer = fn }
}

// WithMonitor substitutes a preconfigured network monitor (e.g. one with a
// connectivity probe installed).
func WithMonitor(m *netmon.Monitor) Option {
	return func(o *serviceOptions) { o.monitor = m }
}

// WithSyncOptions forwards extra options to the coordinator (tests).
func WithSyncOptions(opts ...enginesync.Option) Option {
	return func(o *serviceOptions) { o.syncOpts = append(o.syncOpts, opts...) }
}

// NewService wires an engine over the given local store and remote boundary.
func NewService(store domain.LocalStore, remote enginesync.RemoteStore, cfg enginesync.Config, opts ...Option) *Service {
	options := serviceOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var metrics *stats.Metrics
	if options.registry != nil {
		metrics = stats.NewMetrics(options.registry)
	}
	observer := func(ev enginesync.Event) {
		metrics.ObserveEvent(ev)
		if options.observer != nil {
			options.observer(ev)
		}
	}

	syncOpts := append([]enginesync.Option{enginesync.WithObserver(observer)}, options.syncOpts...)
	if options.logger != nil {
		syncOpts = append(syncOpts, enginesync.WithLogger(options.logger))
	}
	coord := enginesync.New(store, remote, cfg, syncOpts...)

	monitor := options.monitor
	if monitor == nil {
		monitor = netmon.New()
	}
	monitor.OnOnline(func() { _ = coord.TriggerSync(context.Background()) })

	s := &Service{
		store:   store,
		coord:   coord,
		monitor: monitor,
		facade:  stats.NewFacade(store, coord.LastSyncAt, metrics),
		exports: options.exports,
		logger:  options.logger,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s
}

type noopLogger struct{}

func (noopLogger) Logf(string, ...any) {}

// Init starts the background network probe loop, when one is configured.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return fmt.Errorf("service already initialised")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel
	go s.monitor.Run(runCtx)
	return nil
}

// Shutdown stops the coordinator (cancelling scheduled retries), the monitor
// loop, and closes the local store.
func (s *Service) Shutdown(context.Context) error {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.mu.Unlock()
	s.coord.Stop()
	return s.store.Close()
}

// Store returns the underlying local store.
func (s *Service) Store() domain.LocalStore { return s.store }

// Monitor returns the network monitor for host signal ingestion.
func (s *Service) Monitor() *netmon.Monitor { return s.monitor }

// SetOnline ingests a host connectivity signal. A transition to online
// triggers a drain.
func (s *Service) SetOnline(online bool) { s.monitor.SetOnline(online) }

// Online reports current connectivity.
func (s *Service) Online() bool { return s.monitor.Online() }

// CreateRecord writes a new record locally and queues its CREATE for replay.
// Both happen in one transaction; the record is immediately readable with its
// stable local alias.
func (s *Service) CreateRecord(ctx context.Context, collection Collection, fields any) (Record, error) {
	payload, err := marshalFields(fields)
	if err != nil {
		return Record{}, err
	}
	var created Record
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		created, txErr = tx.PutRecord(Record{Collection: collection, Fields: payload})
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.AppendAction(OfflineAction{
			Kind:       ActionCreate,
			Collection: collection,
			LocalID:    created.LocalID,
			Payload:    payload,
		})
		return txErr
	})
	if err != nil {
		return Record{}, err
	}
	s.kickSync()
	return created, nil
}

// UpdateRecord merges changed fields into the cached record and queues an
// UPDATE carrying only those fields.
func (s *Service) UpdateRecord(ctx context.Context, collection Collection, id string, changes any) (Record, error) {
	payload, err := marshalFields(changes)
	if err != nil {
		return Record{}, err
	}
	var updated Record
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateRecord(collection, id, func(r *Record) error {
			merged, mergeErr := mergeFields(r.Fields, payload)
			if mergeErr != nil {
				return mergeErr
			}
			r.Fields = merged
			return nil
		})
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.AppendAction(OfflineAction{
			Kind:       ActionUpdate,
			Collection: collection,
			LocalID:    updated.LocalID,
			ServerID:   updated.ServerID,
			Payload:    payload,
		})
		return txErr
	})
	if err != nil {
		return Record{}, err
	}
	s.kickSync()
	return updated, nil
}

// DeleteRecord removes the cached record and queues its DELETE.
func (s *Service) DeleteRecord(ctx context.Context, collection Collection, id string) error {
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindRecord(collection, id)
		if !ok {
			return domain.ErrNotFound{Collection: collection, ID: id}
		}
		if txErr := tx.DeleteRecord(collection, current.LocalID); txErr != nil {
			return txErr
		}
		_, txErr := tx.AppendAction(OfflineAction{
			Kind:       ActionDelete,
			Collection: collection,
			LocalID:    current.LocalID,
			ServerID:   current.ServerID,
		})
		return txErr
	})
	if err != nil {
		return err
	}
	s.kickSync()
	return nil
}

// GetRecord reads a cached record by local alias or server id.
func (s *Service) GetRecord(collection Collection, id string) (Record, bool) {
	return s.store.FindRecord(collection, id)
}

// ListRecords reads all cached records of a collection.
func (s *Service) ListRecords(collection Collection) []Record {
	return s.store.ListRecords(collection)
}

// TriggerSync runs a drain pass now. Coalesces with a drain in progress.
func (s *Service) TriggerSync(ctx context.Context) error {
	return s.coord.TriggerSync(ctx)
}

// RetryFailedActions returns terminal failed actions to the pending queue
// with a fresh retry budget and kicks a drain.
func (s *Service) RetryFailedActions(ctx context.Context) (int, error) {
	var reset int
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		reset, txErr = tx.ResetFailedActions()
		return txErr
	})
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		s.kickSync()
	}
	return reset, nil
}

// ClearSyncedActions purges confirmed actions, optionally only those older
// than the cutoff, to bound storage growth.
func (s *Service) ClearSyncedActions(ctx context.Context, olderThan time.Time) (int, error) {
	var purged int
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		purged, txErr = tx.PurgeSyncedActions(olderThan)
		return txErr
	})
	return purged, err
}

// GetStats returns the derived status view.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	return s.facade.GetStats(ctx)
}

// kickSync opportunistically drains after a local mutation while online.
// Offline, the queued action waits for the next online transition.
func (s *Service) kickSync() {
	if !s.monitor.Online() {
		return
	}
	go func() { _ = s.coord.TriggerSync(context.Background()) }()
}

func marshalFields(fields any) (json.RawMessage, error) {
	switch v := fields.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode fields: %w", err)
		}
		return data, nil
	}
}

// mergeFields overlays the changed fields onto the existing payload at the
// top-level key granularity (last writer wins per field).
func mergeFields(existing, changes json.RawMessage) (json.RawMessage, error) {
	base := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, fmt.Errorf("decode record fields: %w", err)
		}
	}
	delta := map[string]any{}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &delta); err != nil {
			return nil, fmt.Errorf("decode changed fields: %w", err)
		}
	}
	for k, v := range delta {
		base[k] = v
	}
	return json.Marshal(base)
}

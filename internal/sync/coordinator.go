// Package sync contains the coordinator that drains the offline action
// outbox against the remote system of record, with per-record ordering,
// bounded concurrency, exponential backoff, and server identifier remapping.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"fieldcore/pkg/domain"

	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by TriggerSync after Stop has been called.
var ErrStopped = errors.New("sync coordinator stopped")

// EventType tags a sync progress event.
type EventType string

// Progress events emitted during a drain pass.
const (
	EventDrainStarted   EventType = "drain_started"
	EventDrainFinished  EventType = "drain_finished"
	EventActionSynced   EventType = "action_synced"
	EventRetryScheduled EventType = "retry_scheduled"
	EventActionFailed   EventType = "action_failed"
)

// Event describes one step of sync progress, consumable by the stats facade.
type Event struct {
	Type   EventType
	Action domain.OfflineAction
	Delay  time.Duration
	Err    error
}

// Config tunes the drain behaviour. Zero values fall back to defaults.
type Config struct {
	BaseDelay    time.Duration // first retry delay (default 1s)
	MaxDelay     time.Duration // backoff cap (default 60s)
	RetryCeiling int           // transient failures before terminal (default 5)
	Workers      int           // concurrent chains (default 4)
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Coordinator drains the outbox when triggered. It is the sole writer of the
// synced/failed/retry fields on offline actions, and the only component that
// talks to the remote store.
//
// Actions touching the same record form a chain and replay strictly in
// timestamp order; independent chains drain concurrently, bounded by a worker
// pool. Concurrent triggers coalesce: a trigger during a drain schedules one
// follow-up pass instead of a second drain.
type Coordinator struct {
	store   domain.LocalStore
	remote  RemoteStore
	cfg     Config
	backoff Backoff
	log     Logger
	observe func(Event)
	nowFn   func() time.Time

	mu          stdsync.Mutex
	draining    bool
	rerun       bool
	stopped     bool
	stopCh      chan struct{}
	retryTimer  *time.Timer
	nextAttempt map[string]time.Time
	lastSync    time.Time
	wg          stdsync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a logger; the default logs nothing.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver attaches a progress event callback.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) { c.observe = fn }
}

// WithNowFunc overrides the clock (tests).
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.nowFn = fn
		}
	}
}

// New constructs a Coordinator over the given local store and remote boundary.
func New(store domain.LocalStore, remote RemoteStore, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		store:       store,
		remote:      remote,
		cfg:         cfg,
		backoff:     Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		log:         noopLogger{},
		nowFn:       func() time.Time { return time.Now().UTC() },
		stopCh:      make(chan struct{}),
		nextAttempt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastSyncAt reports when an action last synced successfully (zero before the
// first success).
func (c *Coordinator) LastSyncAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

// TriggerSync runs a drain pass. If a drain is already in progress the call
// coalesces into a no-op and the running drain performs one follow-up pass,
// picking up anything appended meanwhile.
func (c *Coordinator) TriggerSync(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.draining {
		c.rerun = true
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	var err error
	for {
		err = c.drainOnce(ctx)
		c.mu.Lock()
		again := c.rerun && err == nil && !c.stopped
		c.rerun = false
		if !again {
			c.draining = false
			c.scheduleRetryLocked()
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
	}
}

// Stop cancels scheduled retries and waits for any drain in progress to wind
// down. An in-flight remote request is allowed to finish, but no further
// actions are attempted. Subsequent triggers return ErrStopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) drainOnce(ctx context.Context) error {
	c.emit(Event{Type: EventDrainStarted})
	defer c.emit(Event{Type: EventDrainFinished})

	// Chains are built from every unsynced action, terminal failures
	// included. A failed earlier action must keep holding later actions in
	// its chain back, not drop out and promote them to chain head.
	chains := make(map[string][]domain.OfflineAction)
	runnable := 0
	for _, action := range c.store.ListActions() {
		if action.Synced {
			continue
		}
		key := action.ChainKey()
		chains[key] = append(chains[key], action)
		if action.Pending() {
			runnable++
		}
	}
	if runnable == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, chain := range chains {
		chain := chain
		g.Go(func() error { return c.drainChain(gctx, chain) })
	}
	return g.Wait()
}

// drainChain replays one record's actions in order. Any failure stops the
// chain: a later action must never be sent before an earlier one has synced.
// A terminal-failed action holds the rest of its chain until an explicit
// reset. Remote failures are recorded in the outbox and return nil; only
// local storage failures and cancellation propagate.
func (c *Coordinator) drainChain(ctx context.Context, chain []domain.OfflineAction) error {
	serverID := ""
	for _, action := range chain {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if action.Failed {
			return nil
		}
		if at, ok := c.attemptAt(action.ID); ok && at.After(c.nowFn()) {
			return nil
		}
		if serverID != "" && action.ServerID == "" {
			action.ServerID = serverID
		}
		assigned, err := c.send(ctx, action)
		if err != nil {
			return c.recordFailure(ctx, action, err)
		}
		if assigned != "" {
			serverID = assigned
		}
		if err := c.recordSuccess(ctx, action, assigned); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) send(ctx context.Context, action domain.OfflineAction) (string, error) {
	switch action.Kind {
	case domain.ActionCreate:
		return c.remote.CreateRecord(ctx, action.Collection, action.Payload, action.IdempotencyKey)
	case domain.ActionUpdate:
		return "", c.remote.UpdateRecord(ctx, action.Collection, action.TargetID(), action.Payload)
	case domain.ActionDelete:
		return "", c.remote.DeleteRecord(ctx, action.Collection, action.TargetID())
	default:
		return "", Permanent(fmt.Errorf("unknown action kind %q", action.Kind))
	}
}

func (c *Coordinator) recordSuccess(ctx context.Context, action domain.OfflineAction, serverID string) error {
	var synced domain.OfflineAction
	err := c.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		synced, txErr = tx.MarkActionSynced(action.ID, serverID)
		return txErr
	})
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", action.ID, err)
	}
	c.mu.Lock()
	delete(c.nextAttempt, action.ID)
	c.lastSync = c.nowFn()
	c.mu.Unlock()
	c.log.Logf("synced %s %s/%s", action.Kind, action.Collection, action.LocalID)
	c.emit(Event{Type: EventActionSynced, Action: synced})
	return nil
}

func (c *Coordinator) recordFailure(ctx context.Context, action domain.OfflineAction, cause error) error {
	if Classify(cause) == FailurePermanent {
		var failed domain.OfflineAction
		err := c.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var txErr error
			failed, txErr = tx.FailActionTerminal(action.ID, cause.Error())
			return txErr
		})
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", action.ID, err)
		}
		c.clearAttempt(action.ID)
		c.log.Logf("permanent failure %s %s/%s: %v", action.Kind, action.Collection, action.LocalID, cause)
		c.emit(Event{Type: EventActionFailed, Action: failed, Err: cause})
		return nil
	}

	var updated domain.OfflineAction
	err := c.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var txErr error
		updated, txErr = tx.MarkActionFailed(action.ID, cause.Error())
		if txErr != nil {
			return txErr
		}
		if updated.RetryCount > c.cfg.RetryCeiling {
			updated, txErr = tx.FailActionTerminal(action.ID, fmt.Sprintf("retry ceiling reached: %v", cause))
		}
		return txErr
	})
	if err != nil {
		return fmt.Errorf("record retry %s: %w", action.ID, err)
	}
	if updated.Failed {
		c.clearAttempt(action.ID)
		c.log.Logf("gave up on %s %s/%s after %d attempts", action.Kind, action.Collection, action.LocalID, updated.RetryCount)
		c.emit(Event{Type: EventActionFailed, Action: updated, Err: cause})
		return nil
	}
	delay := c.backoff.Delay(updated.RetryCount)
	c.mu.Lock()
	c.nextAttempt[action.ID] = c.nowFn().Add(delay)
	c.mu.Unlock()
	c.log.Logf("retry %d for %s %s/%s in %s: %v", updated.RetryCount, action.Kind, action.Collection, action.LocalID, delay, cause)
	c.emit(Event{Type: EventRetryScheduled, Action: updated, Delay: delay, Err: cause})
	return nil
}

// scheduleRetryLocked arms a single timer for the earliest pending retry.
// Caller holds c.mu.
func (c *Coordinator) scheduleRetryLocked() {
	if c.stopped || len(c.nextAttempt) == 0 {
		return
	}
	var earliest time.Time
	for _, at := range c.nextAttempt {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	delay := earliest.Sub(c.nowFn())
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		_ = c.TriggerSync(context.Background())
	})
}

func (c *Coordinator) attemptAt(actionID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.nextAttempt[actionID]
	return at, ok
}

func (c *Coordinator) clearAttempt(actionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nextAttempt, actionID)
}

func (c *Coordinator) emit(ev Event) {
	if c.observe != nil {
		c.observe(ev)
	}
}

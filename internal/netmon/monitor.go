// Package netmon translates host connectivity signals into a clean
// online/offline boundary with edge-triggered notifications.
package netmon

import (
	"context"
	"sync"
	"time"
)

// Monitor tracks connectivity. State changes arrive either from the host
// platform via SetOnline or from an optional periodic probe. Subscribers are
// notified on transitions only, never on steady-state polls, and the online
// callback fires exactly once per offline-to-online transition.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	subs     []chan bool
	onOnline func()

	probe    func(context.Context) bool
	interval time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInitialState sets the starting connectivity assumption (default offline).
func WithInitialState(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

// WithProbe installs a connectivity probe polled at the given interval by Run.
func WithProbe(probe func(context.Context) bool, interval time.Duration) Option {
	return func(m *Monitor) {
		m.probe = probe
		m.interval = interval
	}
}

// New constructs a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{interval: 30 * time.Second}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnOnline registers the drain entry point invoked on each transition to
// online. The callback runs on its own goroutine so signal delivery never
// blocks on sync I/O.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving the new state on every transition.
// The channel is buffered; a slow consumer misses intermediate flaps but
// always observes the latest transition.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, ch)
	return ch
}

// SetOnline ingests a connectivity signal. Steady-state repeats are dropped.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	onOnline := m.onOnline
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Drop the stale value so the latest transition wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
	if online && onOnline != nil {
		go onOnline()
	}
}

// Run polls the configured probe until ctx is cancelled. It is a no-op when
// no probe is installed.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}

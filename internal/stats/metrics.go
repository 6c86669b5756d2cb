package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	enginesync "fieldcore/internal/sync"
)

// Metrics exposes sync progress as Prometheus collectors. Register against a
// per-instance registry so tests can instantiate isolated engines.
type Metrics struct {
	attempts          prometheus.Counter
	synced            prometheus.Counter
	transientFailures prometheus.Counter
	permanentFailures prometheus.Counter
	pending           prometheus.Gauge
	failed            prometheus.Gauge
	storageBytes      prometheus.Gauge
	lastSyncTimestamp prometheus.Gauge
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_sync_attempts_total",
			Help: "Remote replay attempts, successful or not.",
		}),
		synced: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_sync_actions_synced_total",
			Help: "Offline actions durably accepted by the remote system.",
		}),
		transientFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_sync_transient_failures_total",
			Help: "Remote failures that were rescheduled with backoff.",
		}),
		permanentFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_sync_permanent_failures_total",
			Help: "Actions moved to the terminal failed state.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_outbox_pending_actions",
			Help: "Outbox actions awaiting remote confirmation.",
		}),
		failed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_outbox_failed_actions",
			Help: "Outbox actions requiring manual retry.",
		}),
		storageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_local_storage_bytes",
			Help: "Bytes consumed by the local durable store.",
		}),
		lastSyncTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_last_sync_timestamp_seconds",
			Help: "Unix time of the most recent successful action sync.",
		}),
	}
}

// ObserveEvent folds a coordinator progress event into the counters. Wire it
// as the coordinator's observer.
func (m *Metrics) ObserveEvent(ev enginesync.Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case enginesync.EventActionSynced:
		m.attempts.Inc()
		m.synced.Inc()
		m.lastSyncTimestamp.Set(float64(time.Now().UTC().Unix()))
	case enginesync.EventRetryScheduled:
		m.attempts.Inc()
		m.transientFailures.Inc()
	case enginesync.EventActionFailed:
		m.attempts.Inc()
		m.permanentFailures.Inc()
	}
}

func (m *Metrics) setSnapshot(s Stats) {
	if m == nil {
		return
	}
	m.pending.Set(float64(s.PendingActions))
	m.failed.Set(float64(s.FailedActions))
	m.storageBytes.Set(float64(s.StorageUsedBytes))
	if !s.LastSyncAt.IsZero() {
		m.lastSyncTimestamp.Set(float64(s.LastSyncAt.Unix()))
	}
}

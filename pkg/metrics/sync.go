package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics instruments the reconciliation engine and bulk sync driver.
type SyncMetrics struct {
	reconciliations *prometheus.CounterVec
	duration        prometheus.Histogram
	retries         prometheus.Counter
	duplicates      prometheus.Counter
	bulkMembers     *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
}

// NewSyncMetrics creates Prometheus-backed sync metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called); all
// recording methods are safe on a nil receiver.
func NewSyncMetrics() *SyncMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &SyncMetrics{
		reconciliations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosterd_reconciliations_total",
				Help: "Reconciliation outcomes by result",
			},
			[]string{"outcome"},
		),
		duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rosterd_reconciliation_duration_seconds",
				Help:    "Time spent in a single reconciliation transaction",
				Buckets: prometheus.DefBuckets,
			},
		),
		retries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rosterd_reconciliation_retries_total",
				Help: "Transaction retries due to lock conflicts",
			},
		),
		duplicates: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rosterd_duplicate_entries_healed_total",
				Help: "Duplicate active role entries revoked by self-healing",
			},
		),
		bulkMembers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosterd_bulk_sync_members_total",
				Help: "Members processed by bulk sync by outcome",
			},
			[]string{"outcome"},
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosterd_whitelist_cache_lookups_total",
				Help: "Whitelist cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
	}
}

// RecordReconciliation records one reconciliation outcome and duration.
func (m *SyncMetrics) RecordReconciliation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// RecordRetry records a lock-conflict retry.
func (m *SyncMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RecordDuplicatesHealed records duplicate rows revoked by self-healing.
func (m *SyncMetrics) RecordDuplicatesHealed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.duplicates.Add(float64(count))
}

// RecordBulkMember records one member processed during bulk sync.
func (m *SyncMetrics) RecordBulkMember(outcome string) {
	if m == nil {
		return
	}
	m.bulkMembers.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a whitelist cache hit or miss.
func (m *SyncMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

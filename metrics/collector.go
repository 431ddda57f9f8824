// Package metrics exports session events as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sharedcode/sopdoc/session"
)

// Collector implements session.Observer with Prometheus counters & histograms.
// Register it once with a registry, then pass it as session.Config.Observer.
type Collector struct {
	transactions  *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	flushItems    *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

var _ session.Observer = (*Collector)(nil)

// NewCollector creates the collector's metrics under namespace (defaults to "sopdoc").
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sopdoc"
	}
	return &Collector{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transaction events by kind (begin, commit, commit_failed, rollback) & level (outer, nested).",
		}, []string{"event", "level"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush batches by result (ok, partial).",
		}, []string{"index", "result"}),
		flushItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_items_total",
			Help:      "Flushed items by result (applied, failed).",
		}, []string{"index", "result"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Latency of flush batches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"index"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensation passes by result (ok, failed).",
		}, []string{"index", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Session cache lookups by document type & result (hit, miss).",
		}, []string{"type", "result"}),
	}
}

// Register registers all metrics with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{c.transactions, c.flushes, c.flushItems, c.flushDuration, c.compensations, c.cacheLookups} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func level(depth int) string {
	if depth <= 1 {
		return "outer"
	}
	return "nested"
}

func (c *Collector) TransactionBegun(_ string, depth int) {
	c.transactions.WithLabelValues("begin", level(depth)).Inc()
}

func (c *Collector) TransactionCommitted(_ string, depth int, err error) {
	event := "commit"
	if err != nil {
		event = "commit_failed"
	}
	c.transactions.WithLabelValues(event, level(depth)).Inc()
}

func (c *Collector) TransactionRolledBack(_ string, depth int) {
	c.transactions.WithLabelValues("rollback", level(depth)).Inc()
}

func (c *Collector) Flushed(index string, items int, failed int, elapsed time.Duration) {
	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	c.flushes.WithLabelValues(index, result).Inc()
	c.flushItems.WithLabelValues(index, "applied").Add(float64(items - failed))
	c.flushItems.WithLabelValues(index, "failed").Add(float64(failed))
	c.flushDuration.WithLabelValues(index).Observe(elapsed.Seconds())
}

func (c *Collector) Compensated(index string, _ int, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.compensations.WithLabelValues(index, result).Inc()
}

func (c *Collector) CacheLookup(typeName string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(typeName, result).Inc()
}

// Package metrics exports worker and queue health to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/worker"
	"github.com/scrypster/graphsync/pkg/types"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "graphsync"

// countsTimeout bounds the queue count query made during a scrape.
const countsTimeout = 2 * time.Second

// CountsFunc reports per-status queue sizes.
type CountsFunc func(ctx context.Context) (types.QueueCounts, error)

// Collector holds the Prometheus metrics for one process.
type Collector struct {
	registry *prometheus.Registry

	Entries       *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Orphans       prometheus.Counter
	DepthWarnings prometheus.Counter
	LastSuccess   prometheus.Gauge
}

// New creates a collector with its own registry, including the Go runtime
// and process collectors.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_entries_total",
				Help:      "Queue entries handled by the worker, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_entry_duration_seconds",
				Help:      "Time to apply one queue entry to the graph",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		Orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_deleted_total",
			Help:      "Nodes removed by cascading deletes",
		}),
		DepthWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_depth_exceeded_total",
			Help:      "Orphan passes that stopped at a traversal bound",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successfully applied entry",
		}),
	}

	registry.MustRegister(
		c.Entries,
		c.Duration,
		c.Orphans,
		c.DepthWarnings,
		c.LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe records one worker event. Register it with worker.WithObserver.
func (c *Collector) Observe(ev worker.Event) {
	op := string(ev.Operation)
	c.Entries.WithLabelValues(op, string(ev.Outcome)).Inc()
	if ev.Outcome != worker.OutcomeDone {
		return
	}
	c.Duration.WithLabelValues(op).Observe(ev.Duration.Seconds())
	c.Orphans.Add(float64(ev.Orphans))
	if ev.Warning != "" {
		c.DepthWarnings.Inc()
	}
	c.LastSuccess.Set(float64(ev.Time.Unix()))
}

// WatchQueue exports per-status queue sizes, read at scrape time.
func (c *Collector) WatchQueue(namespace string, counts CountsFunc, logger *zap.Logger) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c.registry.MustRegister(&queueCollector{
		counts: counts,
		logger: logger,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "entries"),
			"Queue entries by status",
			[]string{"status"}, nil,
		),
	})
}

// WatchBreaker exports the circuit breaker state: 0 closed, 1 half-open,
// 2 open.
func (c *Collector) WatchBreaker(namespace string, b *graph.Breaker) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_breaker_state",
			Help:      "Graph circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, func() float64 { return breakerState(b.State()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_breaker_rejected_total",
			Help:      "Graph calls rejected while the breaker was open",
		}, func() float64 { return float64(b.Metrics().Rejected) }),
	)
}

func breakerState(s string) float64 {
	switch s {
	case "half-open":
		return 1
	case "open":
		return 2
	}
	return 0
}

type queueCollector struct {
	counts CountsFunc
	logger *zap.Logger
	desc   *prometheus.Desc
}

func (q *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- q.desc }

func (q *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), countsTimeout)
	defer cancel()
	c, err := q.counts(ctx)
	if err != nil {
		q.logger.Warn("metrics: queue counts failed", zap.Error(err))
		return
	}
	for status, n := range map[types.EntryStatus]int{
		types.EntryPending:    c.Pending,
		types.EntryProcessing: c.Processing,
		types.EntryDone:       c.Done,
		types.EntryFailed:     c.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(q.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}

// Package metrics defines the prometheus collectors kiln's pipeline,
// resolver, package store, and guard packages report operational counts
// and latencies against.
//
// The teacher groups its metrics behind github.com/docker/go-metrics'
// Namespace abstraction (metrics/prometheus.go's StorageNamespace/
// MiddlewareNamespace), but that abstraction is shaped for an HTTP
// server's per-request instrumentation style — SPEC_FULL.md's dependency
// table names github.com/prometheus/client_golang directly for this
// package instead, reserving go-metrics for internal/debugserver's HTTP
// exposition surface, which mirrors the teacher's own debug listener
// more literally. Collectors below is grouped by subsystem the same way
// the teacher groups StorageNamespace vs MiddlewareNamespace, just built
// directly on client_golang's CounterVec/Histogram/Gauge types.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kiln"

// Collectors holds every prometheus collector kiln reports against, all
// registered on a private Registry rather than the global default one so
// a process can run multiple kiln instances (or tests) without metric
// name collisions.
type Collectors struct {
	Registry *prometheus.Registry

	DownloadsTotal       *prometheus.CounterVec
	DownloadBytesTotal   prometheus.Counter
	IngestDuration       *prometheus.HistogramVec
	ResolveDuration      prometheus.Histogram
	ResolveConflictTotal prometheus.Counter
	VerifyDiscrepancies  *prometheus.CounterVec
	ActiveGeneration     prometheus.Gauge
}

// New builds a Collectors with a fresh, private Registry.
func New() *Collectors {
	c := &Collectors{Registry: prometheus.NewRegistry()}

	c.DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "downloads_total",
		Help:      "Archive downloads attempted, labeled by outcome.",
	}, []string{"result"})

	c.DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "download_bytes_total",
		Help:      "Total bytes received across all archive downloads.",
	})

	c.IngestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pkgstore",
		Name:      "ingest_duration_seconds",
		Help:      "Time spent extracting and ingesting one package archive.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	c.ResolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "resolve_duration_seconds",
		Help:      "Time spent solving one dependency resolution request.",
		Buckets:   prometheus.DefBuckets,
	})

	c.ResolveConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "conflicts_total",
		Help:      "Resolution attempts that ended in an unsatisfiable conflict.",
	})

	c.VerifyDiscrepancies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guard",
		Name:      "discrepancies_total",
		Help:      "Discrepancies reported by the verifier, labeled by kind.",
	}, []string{"kind"})

	c.ActiveGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "active_generation",
		Help:      "Number of committed installed-state generations in the ledger.",
	})

	c.Registry.MustRegister(
		c.DownloadsTotal,
		c.DownloadBytesTotal,
		c.IngestDuration,
		c.ResolveDuration,
		c.ResolveConflictTotal,
		c.VerifyDiscrepancies,
		c.ActiveGeneration,
	)
	return c
}

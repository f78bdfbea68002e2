// Package metrics exposes Prometheus metrics for a running crawl.
//
// Each Collector owns its own registry so several crawls in one process
// never share series. All methods are safe on a nil *Collector, which
// disables metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/sitemirror/internal/model"
)

const namespace = "sitemirror"

// Collector holds the metrics of one crawl.
type Collector struct {
	registry *prometheus.Registry

	resources        *prometheus.CounterVec
	reasons          *prometheus.CounterVec
	cacheTransitions *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	frontier         prometheus.Gauge
	bytes            prometheus.Counter
	retries          prometheus.Counter
	conversions      prometheus.Counter
}

// New creates a collector with a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		resources: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_total",
			Help:      "Resources that reached a terminal outcome.",
		}, []string{"kind", "outcome"}),
		reasons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "problems_total",
			Help:      "Skipped and failed resources by reason.",
		}, []string{"reason"}),
		cacheTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_transitions_total",
			Help:      "Download cache state transitions.",
		}, []string{"from", "to"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetches_in_flight",
			Help:      "Fetches currently in progress.",
		}),
		frontier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frontier_size",
			Help:      "Tasks waiting in the frontier.",
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written to the mirror.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Fetches re-queued after a transient failure.",
		}),
		conversions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Images converted to WebP.",
		}),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Resource counts a resource outcome.
func (c *Collector) Resource(kind model.ResourceKind, outcome model.Outcome) {
	if c == nil {
		return
	}
	c.resources.WithLabelValues(kind.String(), outcome.String()).Inc()
}

// Problem counts a skip or failure reason.
func (c *Collector) Problem(reason model.Reason) {
	if c == nil {
		return
	}
	c.reasons.WithLabelValues(string(reason)).Inc()
}

// CacheTransition counts a download cache state change.
func (c *Collector) CacheTransition(from, to string) {
	if c == nil {
		return
	}
	c.cacheTransitions.WithLabelValues(from, to).Inc()
}

// FetchStarted marks a fetch as in flight.
func (c *Collector) FetchStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// FetchFinished records the duration of a fetch started with FetchStarted.
func (c *Collector) FetchFinished(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.fetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetFrontier records the number of queued tasks.
func (c *Collector) SetFrontier(n int) {
	if c == nil {
		return
	}
	c.frontier.Set(float64(n))
}

// AddBytes counts written bytes.
func (c *Collector) AddBytes(n int) {
	if c == nil {
		return
	}
	c.bytes.Add(float64(n))
}

// Retry counts a re-queued task.
func (c *Collector) Retry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// Conversion counts a transcoded image.
func (c *Collector) Conversion() {
	if c == nil {
		return
	}
	c.conversions.Inc()
}

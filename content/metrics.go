package content

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics interface {
	// RecordRead counts a FallbackReader result. source is empty on failure.
	RecordRead(key string, source Source, err error)
	// RecordTierFailure counts a swallowed failure in one reader tier.
	RecordTierFailure(key string, tier Source)
	RecordDownload(key string, bytes int, latency time.Duration, err error)
	RecordSync(applied, failed int, latency time.Duration, err error)
	RecordRequest(method, path string, status int, latency time.Duration)
}

// noop implementation: used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordRead(key string, source Source, err error) {}

func (NoopMetrics) RecordTierFailure(key string, tier Source) {}

func (NoopMetrics) RecordDownload(key string, bytes int, latency time.Duration, err error) {}

func (NoopMetrics) RecordSync(applied, failed int, latency time.Duration, err error) {}

func (NoopMetrics) RecordRequest(method, path string, status int, latency time.Duration) {}

// PrometheusMetrics records into a private registry exposed by Handler.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	reads           *prometheus.CounterVec
	tierFailures    *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   *prometheus.CounterVec
	downloadLatency *prometheus.HistogramVec
	syncs           *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	syncCollections *prometheus.CounterVec
	lastSyncSuccess prometheus.Gauge
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "contentsync"
	}
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Collection reads by serving tier and result.",
		}, []string{"collection", "source", "result"}),
		tierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_tier_failures_total",
			Help:      "Swallowed reader tier failures that caused a fallthrough.",
		}, []string{"collection", "tier"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Collection payload downloads by result.",
		}, []string{"collection", "result"}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded for collection payloads.",
		}, []string{"collection"}),
		downloadLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Collection payload download latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Sync cycles by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Sync cycle duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		syncCollections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_collections_total",
			Help:      "Collections processed by sync cycles, by outcome.",
		}, []string{"outcome"}),
		lastSyncSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_success_timestamp_seconds",
			Help:      "Unix time of the last sync cycle without failed collections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.reads,
		m.tierFailures,
		m.downloads,
		m.downloadBytes,
		m.downloadLatency,
		m.syncs,
		m.syncDuration,
		m.syncCollections,
		m.lastSyncSuccess,
		m.requests,
		m.requestLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusMetrics) RecordRead(key string, source Source, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		source = "none"
	}
	m.reads.WithLabelValues(key, string(source), result).Inc()
}

func (m *PrometheusMetrics) RecordTierFailure(key string, tier Source) {
	m.tierFailures.WithLabelValues(key, string(tier)).Inc()
}

func (m *PrometheusMetrics) RecordDownload(key string, bytes int, latency time.Duration, err error) {
	m.downloads.WithLabelValues(key, resultLabel(err)).Inc()
	m.downloadLatency.WithLabelValues(key).Observe(latency.Seconds())
	if err == nil && bytes > 0 {
		m.downloadBytes.WithLabelValues(key).Add(float64(bytes))
	}
}

func (m *PrometheusMetrics) RecordSync(applied, failed int, latency time.Duration, err error) {
	m.syncs.WithLabelValues(resultLabel(err)).Inc()
	m.syncDuration.Observe(latency.Seconds())
	if applied > 0 {
		m.syncCollections.WithLabelValues(string(OutcomeApplied)).Add(float64(applied))
	}
	if failed > 0 {
		m.syncCollections.WithLabelValues(string(OutcomeFailed)).Add(float64(failed))
	}
	if err == nil && failed == 0 {
		m.lastSyncSuccess.SetToCurrentTime()
	}
}

func (m *PrometheusMetrics) RecordRequest(method, path string, status int, latency time.Duration) {
	method = strings.TrimSpace(strings.ToUpper(method))
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, path).Observe(latency.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

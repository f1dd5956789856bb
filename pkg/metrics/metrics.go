// Package metrics defines the Prometheus instrumentation for the bundling
// pipeline. A nil *Metrics is valid and records nothing, so components take
// the pointer unconditionally and deployments without metrics pay nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	itemsAdmitted     *prometheus.CounterVec
	itemsRejected     *prometheus.CounterVec
	itemsFailed       *prometheus.CounterVec
	itemsReleased     prometheus.Counter
	admittedBytes     prometheus.Counter
	admissionDuration prometheus.Histogram

	plansCreated  prometheus.Counter
	bundlesByState *prometheus.CounterVec
	verifyOutcome *prometheus.CounterVec
	seededChunks  prometheus.Counter
	offsetRows    prometheus.Counter
	opticalPosts  *prometheus.CounterVec
}

// New creates a Metrics instance backed by a fresh registry that also
// carries the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		itemsAdmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_items_admitted_total",
				Help: "Data items admitted with a signed receipt, by signature type",
			},
			[]string{"signature_type"},
		),
		itemsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_items_rejected_total",
				Help: "Admission rejections by error kind",
			},
			[]string{"kind"},
		),
		itemsFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_items_failed_total",
				Help: "Items moved to the terminal failed state, by reason",
			},
			[]string{"reason"},
		),
		itemsReleased: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_items_released_total",
				Help: "Items released back for repack after a bundle failed or dropped",
			},
		),
		admittedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_admitted_bytes_total",
				Help: "Raw bytes of admitted data items",
			},
		),
		admissionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bundler_admission_duration_seconds",
				Help:    "End-to-end duration of single item admission",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
		),
		plansCreated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_plans_created_total",
				Help: "Bundle plans assembled by the planner",
			},
		),
		bundlesByState: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_bundle_transitions_total",
				Help: "Bundle state transitions by target state",
			},
			[]string{"state"},
		),
		verifyOutcome: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_verify_outcomes_total",
				Help: "Verifier outcomes: permanent, pending, dropped, partial",
			},
			[]string{"outcome"},
		),
		seededChunks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_seeded_chunks_total",
				Help: "Payload chunks uploaded to the Arweave network",
			},
		),
		offsetRows: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_offset_rows_total",
				Help: "Offset index rows written",
			},
		),
		opticalPosts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_optical_posts_total",
				Help: "Optical header posts by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ItemAdmitted(signatureType string, byteCount int64, seconds float64) {
	if m == nil {
		return
	}
	m.itemsAdmitted.WithLabelValues(signatureType).Inc()
	m.admittedBytes.Add(float64(byteCount))
	m.admissionDuration.Observe(seconds)
}

func (m *Metrics) ItemRejected(kind string) {
	if m == nil {
		return
	}
	m.itemsRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) ItemsFailed(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.itemsFailed.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ItemsReleased(n int) {
	if m == nil || n == 0 {
		return
	}
	m.itemsReleased.Add(float64(n))
}

func (m *Metrics) PlanCreated() {
	if m == nil {
		return
	}
	m.plansCreated.Inc()
}

func (m *Metrics) BundleTransition(state string) {
	if m == nil {
		return
	}
	m.bundlesByState.WithLabelValues(state).Inc()
}

func (m *Metrics) VerifyOutcome(outcome string) {
	if m == nil {
		return
	}
	m.verifyOutcome.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChunkSeeded() {
	if m == nil {
		return
	}
	m.seededChunks.Inc()
}

func (m *Metrics) OffsetRows(n int) {
	if m == nil || n == 0 {
		return
	}
	m.offsetRows.Add(float64(n))
}

func (m *Metrics) OpticalPost(result string) {
	if m == nil {
		return
	}
	m.opticalPosts.WithLabelValues(result).Inc()
}

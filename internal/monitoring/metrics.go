package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingest and persistence counters. A nil *Metrics is valid
// and records nothing, so components can be built without one in tests.
type Metrics struct {
	registry *prometheus.Registry

	FramesCommitted *prometheus.CounterVec
	FrameFailures   *prometheus.CounterVec
	SamplesDecoded  prometheus.Counter
	SavesTotal      *prometheus.CounterVec
	SaveFailures    *prometheus.CounterVec
	SaveDuration    prometheus.Histogram
	DirtySensors    prometheus.Gauge
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorlink",
				Subsystem: "handshake",
				Name:      "frames_committed_total",
				Help:      "Frames decoded and published to the registry",
			},
			[]string{"sensor"},
		),
		FrameFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorlink",
				Subsystem: "handshake",
				Name:      "frame_failures_total",
				Help:      "Cycles that ended without a commit, by failure kind",
			},
			[]string{"kind"},
		),
		SamplesDecoded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensorlink",
				Subsystem: "handshake",
				Name:      "samples_decoded_total",
				Help:      "Payload lines decoded into samples",
			},
		),
		SavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorlink",
				Subsystem: "persist",
				Name:      "saves_total",
				Help:      "Sensor snapshots written to every sink",
			},
			[]string{"sensor"},
		),
		SaveFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorlink",
				Subsystem: "persist",
				Name:      "save_failures_total",
				Help:      "Snapshot writes that failed, by sink",
			},
			[]string{"sink"},
		),
		SaveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sensorlink",
				Subsystem: "persist",
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one save cycle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		DirtySensors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorlink",
				Subsystem: "persist",
				Name:      "dirty_sensors",
				Help:      "Sensors found dirty at the start of the last save cycle",
			},
		),
	}

	m.registry.MustRegister(
		m.FramesCommitted,
		m.FrameFailures,
		m.SamplesDecoded,
		m.SavesTotal,
		m.SaveFailures,
		m.SaveDuration,
		m.DirtySensors,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) FrameCommitted(sensor string, samples int) {
	if m == nil {
		return
	}
	m.FramesCommitted.WithLabelValues(sensor).Inc()
	m.SamplesDecoded.Add(float64(samples))
}

func (m *Metrics) FrameFailed(kind string) {
	if m == nil {
		return
	}
	m.FrameFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Saved(sensor string) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(sensor).Inc()
}

func (m *Metrics) SaveFailed(sink string) {
	if m == nil {
		return
	}
	m.SaveFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) SaveCycle(seconds float64, dirty int) {
	if m == nil {
		return
	}
	m.SaveDuration.Observe(seconds)
	m.DirtySensors.Set(float64(dirty))
}

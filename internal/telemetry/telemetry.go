// Package telemetry exposes Prometheus counters for the acquisition
// pipeline and an optional HTTP endpoint serving them.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var _ Collector = (*Metrics)(nil)

// Metrics holds every instrument. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	ReadingsTotal   prometheus.Counter
	LinesDiscarded  *prometheus.CounterVec
	PublishTotal    *prometheus.CounterVec
	HealthEmissions prometheus.Counter
	PipelineUp      prometheus.Gauge
	LastReading     prometheus.Gauge

	up          atomic.Bool
	readings    atomic.Int64
	lastReading atomic.Int64
}

func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ReadingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "readings",
			Name:      "published_total",
			Help:      "Meter readings handed to the publisher",
		}),
		LinesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "decoder",
			Name:      "lines_discarded_total",
			Help:      "Decoder output lines that were not readings",
		}, []string{"reason"}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "mqtt",
			Name:      "publish_total",
			Help:      "Publish attempts by topic and result",
		}, []string{"topic", "result"}),
		HealthEmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "health",
			Name:      "emissions_total",
			Help:      "Health and status pairs emitted",
		}),
		PipelineUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "pipeline",
			Name:      "up",
			Help:      "Decoder pipeline state (0=stopped, 1=running)",
		}),
		LastReading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "readings",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time of the last published reading",
		}),
	}

	m.registry.MustRegister(
		m.ReadingsTotal,
		m.LinesDiscarded,
		m.PublishTotal,
		m.HealthEmissions,
		m.PipelineUp,
		m.LastReading,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the HTTP handler gathers from.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) LineDiscarded(reason string) {
	m.LinesDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) PublishResult(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PublishTotal.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) ReadingPublished() {
	now := time.Now()
	m.ReadingsTotal.Inc()
	m.LastReading.Set(float64(now.Unix()))
	m.readings.Add(1)
	m.lastReading.Store(now.Unix())
}

func (m *Metrics) HealthEmitted() {
	m.HealthEmissions.Inc()
}

func (m *Metrics) SetPipelineUp(up bool) {
	m.up.Store(up)
	if up {
		m.PipelineUp.Set(1)
		return
	}
	m.PipelineUp.Set(0)
}

// State is the liveness summary served on /healthz.
type State struct {
	Status      string     `json:"status"`
	PipelineUp  bool       `json:"pipeline_up"`
	Readings    int64      `json:"gas_readings_count"`
	LastReading *time.Time `json:"last_reading,omitempty"`
}

func (m *Metrics) State() State {
	s := State{
		Status:     "offline",
		PipelineUp: m.up.Load(),
		Readings:   m.readings.Load(),
	}
	if s.PipelineUp {
		s.Status = "online"
	}
	if ts := m.lastReading.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		s.LastReading = &t
	}

	return s
}

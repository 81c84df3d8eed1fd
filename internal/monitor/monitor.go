// Package monitor runs the acquisition loop: it announces the device,
// starts the decoder pipeline, forwards every reading and interleaves
// periodic health and status reports with the blocking reads.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/decoder"
	"codeberg.org/mutker/gasmeterd/internal/discovery"
	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
	"codeberg.org/mutker/gasmeterd/internal/metrics"
	"codeberg.org/mutker/gasmeterd/internal/sysinfo"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultHealthInterval = 60 * time.Second

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Pipeline is the decoder process chain.
type Pipeline interface {
	Start(ctx context.Context) (<-chan string, error)
	Shutdown()
}

// Publisher sends one message, best effort. It logs its own failures.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Announcer publishes the discovery descriptors and reports how many
// went out.
type Announcer interface {
	Publish(ctx context.Context, pub discovery.Publisher) int
}

// Instruments receives loop counters. telemetry.Metrics implements it.
type Instruments interface {
	LineDiscarded(reason string)
	ReadingPublished()
	HealthEmitted()
	SetPipelineUp(up bool)
}

type Config struct {
	HealthInterval time.Duration
	Topics         discovery.Topics
	Version        string
}

// StatusSnapshot is the payload of the status topic.
type StatusSnapshot struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	GasReadingsCount int64     `json:"gas_readings_count"`
	ScriptVersion    string    `json:"script_version"`
}

// Monitor owns the reading counter and the health schedule. Both are only
// touched from the Run goroutine.
type Monitor struct {
	cfg       Config
	pipeline  Pipeline
	publisher Publisher
	health    sysinfo.Collector
	log       logger.Logger

	clock       clockwork.Clock
	announcer   Announcer
	history     metrics.Recorder
	instruments Instruments

	readings   int64
	lastHealth time.Time
}

type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithAnnouncer(a Announcer) Option {
	return func(m *Monitor) { m.announcer = a }
}

func WithHistory(r metrics.Recorder) Option {
	return func(m *Monitor) { m.history = r }
}

func WithInstruments(i Instruments) Option {
	return func(m *Monitor) { m.instruments = i }
}

func New(cfg Config, pipeline Pipeline, pub Publisher, health sysinfo.Collector, log logger.Logger, opts ...Option) *Monitor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}

	m := &Monitor{
		cfg:         cfg,
		pipeline:    pipeline,
		publisher:   pub,
		health:      health,
		log:         log,
		clock:       clockwork.NewRealClock(),
		instruments: nopInstruments{},
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Readings returns the number of readings forwarded so far. Only safe to
// call after Run has returned.
func (m *Monitor) Readings() int64 {
	return m.readings
}

// Run blocks until ctx is cancelled or the decoder output ends. It returns
// a launch_failed error if the pipeline cannot be started and nil on every
// other exit path.
func (m *Monitor) Run(ctx context.Context) error {
	if m.announcer != nil {
		m.log.Info().Msg("Publishing Home Assistant discovery configurations")
		m.announcer.Publish(ctx, m.publisher)
	}

	m.emitHealth(ctx)

	lines, err := m.pipeline.Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer m.pipeline.Shutdown()

	m.instruments.SetPipelineUp(true)
	defer m.instruments.SetPipelineUp(false)

	records := decoder.NewClassifier(m.log, m.instruments).Records(ctx, lines)

	ticker := m.clock.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Int64("readings", m.readings).Msg("Received interrupt signal, shutting down")
			return nil
		case <-ticker.Chan():
			m.emitHealth(ctx)
		case r, ok := <-records:
			if !ok {
				return m.pipelineEnded(ctx)
			}
			if m.healthDue() {
				m.emitHealth(ctx)
				resetTicker(ticker, m.cfg.HealthInterval)
			}
			m.forward(ctx, r)
		}
	}
}

func (m *Monitor) pipelineEnded(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	m.log.Warn().
		Str("error_code", string(errors.ErrUnexpectedTermination)).
		Int64("readings", m.readings).
		Msg(errors.GetErrorMessage(errors.ErrUnexpectedTermination))
	m.publishStatus(ctx, StatusOffline)

	return nil
}

func (m *Monitor) forward(ctx context.Context, r decoder.Reading) {
	if ctx.Err() != nil {
		return
	}

	m.log.Info().
		Str("meter_id", r.MeterID()).
		Str("consumption", r.Consumption()).
		Str("time", r.Time()).
		Msg("Gas reading received")

	m.publisher.Publish(ctx, m.cfg.Topics.Reading, r.Raw, false)
	m.readings++
	m.instruments.ReadingPublished()
}

// healthDue reports whether a tick is overdue. The ticker alone drives the
// schedule; this only catches a tick that lost the select to a record.
func (m *Monitor) healthDue() bool {
	return m.clock.Since(m.lastHealth) >= m.cfg.HealthInterval
}

// resetTicker restarts the interval and drops a tick already queued for the
// emission that just happened.
func resetTicker(t clockwork.Ticker, d time.Duration) {
	t.Reset(d)
	select {
	case <-t.Chan():
	default:
	}
}

// emitHealth publishes health then status. A failure in one never skips
// the other.
func (m *Monitor) emitHealth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.lastHealth = m.clock.Now()

	snap, err := m.health.Collect(ctx)
	if err != nil {
		m.logError(err, "Failed to collect system health")
	} else {
		m.publishJSON(ctx, m.cfg.Topics.Health, snap)
		m.record(ctx, snap)
	}

	m.publishStatus(ctx, StatusOnline)
	m.instruments.HealthEmitted()
}

func (m *Monitor) publishStatus(ctx context.Context, status string) {
	m.publishJSON(ctx, m.cfg.Topics.Status, StatusSnapshot{
		Status:           status,
		Timestamp:        m.clock.Now(),
		GasReadingsCount: m.readings,
		ScriptVersion:    m.cfg.Version,
	})
}

func (m *Monitor) publishJSON(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Str("topic", topic).Msg("Failed to encode payload")
		return
	}
	m.publisher.Publish(ctx, topic, payload, false)
}

func (m *Monitor) record(ctx context.Context, snap *sysinfo.Snapshot) {
	if m.history == nil {
		return
	}

	err := m.history.Record(ctx, &metrics.HealthRecord{
		Timestamp:     snap.Timestamp,
		CPUPercent:    snap.CPUPercent,
		MemoryPercent: snap.MemoryPercent,
		DiskPercent:   snap.DiskPercent,
		UptimeHours:   snap.UptimeHours,
		CPUTemp:       snap.CPUTemp,
		ReadingsCount: m.readings,
	})
	if err != nil {
		m.logError(err, "Failed to record health history")
	}
}

func (m *Monitor) logError(err error, msg string) {
	var coded errors.Error
	if errors.As(err, &coded) {
		m.log.ErrorWithCode(coded).Msg(msg)
		return
	}
	m.log.Error().Err(err).Msg(msg)
}

type nopInstruments struct{}

func (nopInstruments) LineDiscarded(string) {}
func (nopInstruments) ReadingPublished()    {}
func (nopInstruments) HealthEmitted()       {}
func (nopInstruments) SetPipelineUp(bool)   {}

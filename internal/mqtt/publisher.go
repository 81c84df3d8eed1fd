// Package mqtt delivers messages to the broker at most once. Failures are
// logged and counted, never returned, so a broker outage cannot stall the
// acquisition loop.
package mqtt

import (
	"context"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const (
	ModePerCall    = "per_call"
	ModePersistent = "persistent"

	DefaultTimeout   = 10 * time.Second
	DefaultKeepAlive = 60
)

type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	TLS       bool
	KeepAlive uint16
	QoS       byte
	Timeout   time.Duration
	Mode      string
}

// Observer is told the outcome of every publish attempt.
type Observer interface {
	PublishResult(topic string, err error)
}

// Publisher sends one message per call.
type Publisher struct {
	cfg       Config
	clientID  string
	transport Transport
	observer  Observer
	log       logger.Logger
}

// New builds a publisher for cfg. In persistent mode the managed connection
// starts immediately and lives until Close or ctx is done.
func New(ctx context.Context, cfg Config, log logger.Logger, observer Observer) (*Publisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePerCall
	}

	p := &Publisher{
		cfg:      cfg,
		clientID: "gasmeterd-" + uuid.NewString(),
		observer: observer,
		log:      log,
	}

	switch cfg.Mode {
	case ModePerCall:
		p.transport = &perCallTransport{cfg: cfg, clientID: p.clientID}
	case ModePersistent:
		t, err := newPersistentTransport(ctx, cfg, p.clientID, p)
		if err != nil {
			return nil, err
		}
		p.transport = t
	default:
		return nil, errors.New().WithData(errors.ErrInvalidConfig, "connection_mode="+cfg.Mode)
	}

	return p, nil
}

// NewWithTransport builds a publisher over an existing transport.
func NewWithTransport(cfg Config, t Transport, log logger.Logger, observer Observer) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Publisher{
		cfg:       cfg,
		clientID:  "gasmeterd-" + uuid.NewString(),
		transport: t,
		observer:  observer,
		log:       log,
	}
}

// ClientID returns the MQTT client identifier used for every session.
func (p *Publisher) ClientID() string {
	return p.clientID
}

// Publish sends payload to topic. It blocks for at most the configured
// timeout. Nothing is sent once ctx is done, but a send already under way
// runs to completion or timeout. Failures are logged here; the returned
// error only reports the outcome.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := ctx.Err(); err != nil {
		p.log.Debug().Str("topic", topic).Msg("Skipping publish, shutting down")
		return err
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	err := p.transport.Send(sendCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     p.cfg.QoS,
		Retain:  retain,
	})

	if p.observer != nil {
		p.observer.PublishResult(topic, err)
	}

	if err != nil {
		code := errors.ErrPublish
		if sendCtx.Err() == context.DeadlineExceeded {
			code = errors.ErrTimeout
		}
		coded := errors.New().Wrap(code, err).WithData(topic)
		p.log.ErrorWithCode(coded).
			Str("topic", topic).
			Int("bytes", len(payload)).
			Msg("Error publishing message")
		return coded
	}

	p.log.Debug().
		Str("topic", topic).
		Int("bytes", len(payload)).
		Bool("retain", retain).
		Msg("Published message")

	return nil
}

// Close releases the broker session, if any.
func (p *Publisher) Close(ctx context.Context) error {
	return p.transport.Close(ctx)
}

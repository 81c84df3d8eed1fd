package mqtt_test

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
	"codeberg.org/mutker/gasmeterd/internal/mqtt"
	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	topic string
	err   error
}

type recordingObserver struct {
	mu      sync.Mutex
	results []result
}

func (o *recordingObserver) PublishResult(topic string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result{topic: topic, err: err})
}

func (o *recordingObserver) all() []result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]result(nil), o.results...)
}

func TestPublishPerCall(t *testing.T) {
	broker := newFakeBroker(t)
	obs := &recordingObserver{}

	p, err := mqtt.New(context.Background(), mqtt.Config{
		Host:     broker.host(),
		Port:     broker.port(),
		Username: "meter",
		Password: "secret",
		Timeout:  5 * time.Second,
	}, logger.Nop(), obs)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.ClientID(), "gasmeterd-"))

	ctx := context.Background()
	p.Publish(ctx, "xcel_gas_usage_cubic_feet", []byte(`{"Message":{"Consumption":1}}`), false)
	p.Publish(ctx, "homeassistant/sensor/gas_consumption/config", []byte(`{}`), true)

	require.Eventually(t, func() bool {
		_, disc, _ := broker.snapshot()
		return disc == 2
	}, 5*time.Second, 10*time.Millisecond)

	conns, _, msgs := broker.snapshot()
	assert.Equal(t, 2, conns, "one connection per message")
	require.Len(t, msgs, 2)

	assert.Equal(t, "xcel_gas_usage_cubic_feet", msgs[0].Topic)
	assert.Equal(t, `{"Message":{"Consumption":1}}`, msgs[0].Payload)
	assert.False(t, msgs[0].Retain)
	assert.Equal(t, byte(0), msgs[0].QoS)
	assert.Equal(t, "meter", msgs[0].Username)
	assert.Equal(t, p.ClientID(), msgs[0].ClientID)

	assert.Equal(t, "homeassistant/sensor/gas_consumption/config", msgs[1].Topic)
	assert.True(t, msgs[1].Retain)

	for _, r := range obs.all() {
		assert.NoError(t, r.err, r.topic)
	}
	require.NoError(t, p.Close(ctx))
}

func TestPublishPerCallQoS1(t *testing.T) {
	broker := newFakeBroker(t)

	p, err := mqtt.New(context.Background(), mqtt.Config{
		Host:    broker.host(),
		Port:    broker.port(),
		QoS:     1,
		Timeout: 5 * time.Second,
	}, logger.Nop(), nil)
	require.NoError(t, err)

	p.Publish(context.Background(), "status", []byte("online"), false)

	require.Eventually(t, func() bool {
		_, _, msgs := broker.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, _, msgs := broker.snapshot()
	assert.Equal(t, byte(1), msgs[0].QoS)
}

func TestPublishFailureIsLogged(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	var buf bytes.Buffer
	obs := &recordingObserver{}

	p, err := mqtt.New(context.Background(), mqtt.Config{
		Host:    addr.IP.String(),
		Port:    addr.Port,
		Timeout: 2 * time.Second,
	}, logger.New(&buf), obs)
	require.NoError(t, err)

	start := time.Now()
	err = p.Publish(context.Background(), "homeassistant/sensor/pi/system_health", []byte(`{"cpu_percent":1}`), false)
	assert.True(t, errors.HasCode(err, errors.ErrPublish))
	assert.Less(t, time.Since(start), 3*time.Second)

	results := obs.all()
	require.Len(t, results, 1)
	assert.Error(t, results[0].err)

	out := buf.String()
	assert.Contains(t, out, `"error_code":"publish_failed"`)
	assert.Contains(t, out, `"topic":"homeassistant/sensor/pi/system_health"`)
	assert.Contains(t, out, `"bytes":17`)
}

func TestPublishSkippedAfterCancel(t *testing.T) {
	broker := newFakeBroker(t)
	obs := &recordingObserver{}

	p, err := mqtt.New(context.Background(), mqtt.Config{
		Host: broker.host(),
		Port: broker.port(),
	}, logger.Nop(), obs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, "status", []byte("offline"), false)

	conns, _, msgs := broker.snapshot()
	assert.Zero(t, conns)
	assert.Empty(t, msgs)
	assert.Empty(t, obs.all())
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := mqtt.New(context.Background(), mqtt.Config{Host: "localhost", Port: 1883, Mode: "pooled"}, logger.Nop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pooled")
}

func TestPublishPersistent(t *testing.T) {
	broker := newFakeBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := mqtt.New(ctx, mqtt.Config{
		Host:    broker.host(),
		Port:    broker.port(),
		Mode:    mqtt.ModePersistent,
		Timeout: 5 * time.Second,
	}, logger.Nop(), nil)
	require.NoError(t, err)

	p.Publish(ctx, "a", []byte("1"), false)
	p.Publish(ctx, "b", []byte("2"), false)

	require.Eventually(t, func() bool {
		_, _, msgs := broker.snapshot()
		return len(msgs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	conns, _, msgs := broker.snapshot()
	assert.Equal(t, 1, conns, "session is reused")
	assert.Equal(t, "a", msgs[0].Topic)
	assert.Equal(t, "b", msgs[1].Topic)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	require.NoError(t, p.Close(closeCtx))
}

type stubTransport struct {
	mu   sync.Mutex
	sent []*paho.Publish
	err  error
}

func (s *stubTransport) Send(_ context.Context, pub *paho.Publish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, pub)
	return s.err
}

func (*stubTransport) Close(context.Context) error { return nil }

func TestPublishUsesConfiguredQoS(t *testing.T) {
	tr := &stubTransport{}
	p := mqtt.NewWithTransport(mqtt.Config{QoS: 2}, tr, logger.Nop(), nil)

	p.Publish(context.Background(), "t", []byte("x"), true)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, byte(2), tr.sent[0].QoS)
	assert.True(t, tr.sent[0].Retain)
	assert.Equal(t, "t", tr.sent[0].Topic)
}

func TestPublishFailureDoesNotAffectNextPublish(t *testing.T) {
	broker := newFakeBroker(t)
	broker.refuse.Store(1)
	obs := &recordingObserver{}

	p, err := mqtt.New(context.Background(), mqtt.Config{
		Host:    broker.host(),
		Port:    broker.port(),
		Timeout: 2 * time.Second,
	}, logger.Nop(), obs)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, p.Publish(ctx, "homeassistant/sensor/pi/system_health", []byte(`{"cpu_percent":1}`), false))
	assert.NoError(t, p.Publish(ctx, "xcel_gas_usage_cubic_feet", []byte(`{"Message":{"Consumption":5}}`), false))

	results := obs.all()
	require.Len(t, results, 2)
	assert.Error(t, results[0].err)
	assert.NoError(t, results[1].err)

	require.Eventually(t, func() bool {
		_, _, msgs := broker.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, _, msgs := broker.snapshot()
	assert.Equal(t, "xcel_gas_usage_cubic_feet", msgs[0].Topic)
}

// slowTransport completes a send after delay unless its context ends first.
type slowTransport struct {
	delay time.Duration
	sent  atomic.Int32
}

func (s *slowTransport) Send(ctx context.Context, _ *paho.Publish) error {
	select {
	case <-time.After(s.delay):
		s.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (*slowTransport) Close(context.Context) error { return nil }

func TestCancelDoesNotAbortSendInProgress(t *testing.T) {
	tr := &slowTransport{delay: 300 * time.Millisecond}
	obs := &recordingObserver{}
	p := mqtt.NewWithTransport(mqtt.Config{Timeout: 5 * time.Second}, tr, logger.Nop(), obs)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	require.NoError(t, p.Publish(ctx, "xcel_gas_usage_cubic_feet", []byte(`{}`), false))

	assert.Equal(t, int32(1), tr.sent.Load())
	results := obs.all()
	require.Len(t, results, 1)
	assert.NoError(t, results[0].err)

	assert.ErrorIs(t, p.Publish(ctx, "xcel_gas_usage_cubic_feet", []byte(`{}`), false), context.Canceled)
	assert.Equal(t, int32(1), tr.sent.Load(), "no new send once cancelled")
}

func TestSendTimeoutIsCoded(t *testing.T) {
	var buf bytes.Buffer
	tr := &slowTransport{delay: time.Minute}
	p := mqtt.NewWithTransport(mqtt.Config{Timeout: 50 * time.Millisecond}, tr, logger.New(&buf), nil)

	p.Publish(context.Background(), "status", []byte(`{}`), false)

	assert.Zero(t, tr.sent.Load())
	assert.Contains(t, buf.String(), `"error_code":"operation_timeout"`)
}

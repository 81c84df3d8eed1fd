package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/logger"
	"codeberg.org/mutker/gasmeterd/internal/metrics"
	"codeberg.org/mutker/gasmeterd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := telemetry.New(telemetry.DefaultConfig())

	m.LineDiscarded("not_structured")
	m.LineDiscarded("not_structured")
	m.LineDiscarded("parse_error")
	m.PublishResult("xcel_gas_usage_cubic_feet", nil)
	m.PublishResult("xcel_gas_usage_cubic_feet", errors.New("EOF"))
	m.ReadingPublished()
	m.HealthEmitted()
	m.SetPipelineUp(true)

	assert.InDelta(t, 2, testutil.ToFloat64(m.LinesDiscarded.WithLabelValues("not_structured")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LinesDiscarded.WithLabelValues("parse_error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PublishTotal.WithLabelValues("xcel_gas_usage_cubic_feet", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PublishTotal.WithLabelValues("xcel_gas_usage_cubic_feet", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ReadingsTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HealthEmissions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PipelineUp), 0)

	state := m.State()
	assert.Equal(t, "online", state.Status)
	assert.Equal(t, int64(1), state.Readings)
	assert.NotNil(t, state.LastReading)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, telemetry.Config{}.Validate())
	assert.NoError(t, telemetry.Config{Listen: ":9273"}.Validate())
	assert.Error(t, telemetry.Config{Listen: "9273"}.Validate())
	assert.False(t, telemetry.Config{}.Enabled())
}

type fakeHistory struct {
	records []metrics.HealthRecord
	limit   int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]metrics.HealthRecord, error) {
	f.limit = limit
	return f.records, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandlerEndpoints(t *testing.T) {
	m := telemetry.New(telemetry.DefaultConfig())
	hist := &fakeHistory{records: []metrics.HealthRecord{{ReadingsCount: 7}}}
	h := telemetry.NewServer(telemetry.Config{Listen: ":0"}, m, hist, logger.Nop()).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.SetPipelineUp(true)
	m.ReadingPublished()

	rec = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var state telemetry.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "online", state.Status)
	assert.Equal(t, int64(1), state.Readings)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gasmeterd_readings_published_total 1")
	assert.Contains(t, rec.Body.String(), "gasmeterd_pipeline_up 1")

	rec = get(t, h, "/history?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1440, hist.limit)
	assert.Contains(t, rec.Body.String(), `"gas_readings_count":7`)

	rec = get(t, h, "/history?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryDisabled(t *testing.T) {
	h := telemetry.NewServer(telemetry.DefaultConfig(), telemetry.New(telemetry.DefaultConfig()), nil, logger.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/history").Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := telemetry.New(telemetry.DefaultConfig())
	srv := telemetry.NewServer(telemetry.Config{Listen: ln.Addr().String()}, m, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "gasmeterd_pipeline_up")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

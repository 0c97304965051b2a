package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/config"
	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/interfaces"
	"github.com/KevinKickass/OpenMeasurementCore/internal/machine"
	"github.com/KevinKickass/OpenMeasurementCore/internal/sampler"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryDriver struct{}

func (memoryDriver) ReadRaw(context.Context, hardware.Line) (float64, error) { return 1.5, nil }

func (memoryDriver) WriteRaw(context.Context, hardware.Line, float64) error { return nil }

type fakeAcquirer struct {
	mu      sync.Mutex
	running bool
}

func (a *fakeAcquirer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	return nil
}

func (a *fakeAcquirer) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	return nil
}

func (a *fakeAcquirer) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

type fixedStatuses []sampler.ChannelStatus

func (f fixedStatuses) Statuses() []sampler.ChannelStatus { return f }

type fakeHistory struct {
	path     string
	from, to time.Time
	limit    int
	err      error
}

func (h *fakeHistory) QuerySamples(_ context.Context, path string, from, to time.Time, limit int) ([]telemetry.Sample, error) {
	h.path, h.from, h.to, h.limit = path, from, to, limit
	if h.err != nil {
		return nil, h.err
	}
	return []telemetry.Sample{{Path: path, Value: 42, Timestamp: to}}, nil
}

type fakeLifecycle struct {
	cfg        *config.Config
	graph      *hardware.Graph
	dispatcher *session.Dispatcher
	sessions   *session.Manager
	history    interfaces.SampleHistory
}

func (f *fakeLifecycle) Config() *config.Config            { return f.cfg }
func (f *fakeLifecycle) Graph() *hardware.Graph            { return f.graph }
func (f *fakeLifecycle) Dispatcher() *session.Dispatcher   { return f.dispatcher }
func (f *fakeLifecycle) SessionManager() *session.Manager  { return f.sessions }
func (f *fakeLifecycle) History() interfaces.SampleHistory { return f.history }
func (f *fakeLifecycle) Context() context.Context          { return context.Background() }
func (f *fakeLifecycle) Shutdown(context.Context) error    { return nil }
func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", Layout: "bench", ChannelCount: len(f.graph.Channels())}
}

type fixture struct {
	lm      *fakeLifecycle
	handler http.Handler
	temp    hardware.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hwCfg, err := hardware.NewConfig(map[string]any{"enabled": true})
	require.NoError(t, err)
	tempCfg, err := hardware.NewConfig(map[string]any{"enabled": true, "sample_rate": 1.0, "chart_number": 701})
	require.NoError(t, err)

	b := hardware.NewBuilder()
	board := b.Hardware("RPI5", "RPI5", hwCfg, memoryDriver{})
	temp := b.Channel(board, hardware.ChannelSpec{Class: "AnalogInput", Name: "temp", Unit: "C", Config: tempCfg})
	b.Channel(board, hardware.ChannelSpec{Class: "DigitalOutput", Name: "led", Direction: hardware.DirectionOutput})
	g, err := b.Build()
	require.NoError(t, err)

	store, err := configstore.New(t.TempDir(), g, zap.NewNop())
	require.NoError(t, err)

	controller := machine.NewController(zap.NewNop(), &fakeAcquirer{}, nil)
	statuses := fixedStatuses{{ID: temp, Path: "RPI5/temp", State: sampler.StateIdle}}
	d := session.NewDispatcher(g, store, controller, statuses, zap.NewNop())
	manager := session.NewManager(session.NewHub(zap.NewNop()), d, nil, session.Config{}, zap.NewNop())

	lm := &fakeLifecycle{
		cfg:        &config.Config{},
		graph:      g,
		dispatcher: d,
		sessions:   manager,
	}
	srv := NewServer(lm.cfg, lm, zap.NewNop())
	return &fixture{lm: lm, handler: srv.Handler(), temp: temp}
}

func (f *fixture) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "error body expected, got %v", body)
	return e["code"].(string)
}

func (f *fixture) sampleRate(t *testing.T) float64 {
	t.Helper()
	rate, ok := f.lm.graph.EffectiveSampleRate(f.temp)
	require.True(t, ok)
	return rate
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodOptions, "/api/v1/config", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/config?path=RPI5/temp", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "temp", body["name"])
	assert.Equal(t, "RPI5/temp", body["path"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, float64(701), cfg["chart_number"])

	w, body = f.do(t, http.MethodGet, "/api/v1/config?path=RPI5/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.CodeConfigPathNotFound, errorCode(t, body))

	w, _ = f.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 3)
}

func TestSetConfigRejectsMultipleFields(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPut, "/api/v1/config", map[string]any{
		"path":   "RPI5/temp",
		"fields": map[string]any{"sample_rate": 5, "enabled": false},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeSingleFieldViolation, errorCode(t, body))
	assert.Equal(t, 1.0, f.sampleRate(t), "nothing applied")
	assert.True(t, f.lm.graph.Active(f.temp))

	w, body = f.do(t, http.MethodPut, "/api/v1/config", map[string]any{
		"path":        "RPI5/temp",
		"key":         "enabled",
		"value":       false,
		"sample_rate": 5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeSingleFieldViolation, errorCode(t, body))
	assert.Equal(t, 1.0, f.sampleRate(t))
	assert.True(t, f.lm.graph.Active(f.temp), "enabled must not be applied")
}

func TestSetConfigSingleField(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPut, "/api/v1/config", map[string]any{
		"path": "RPI5/temp", "key": "sample_rate", "value": 5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5.0, f.sampleRate(t))
	assert.Equal(t, float64(5), body["config"].(map[string]any)["sample_rate"])

	w, body = f.do(t, http.MethodPut, "/api/v1/config", map[string]any{
		"path": "RPI5/temp", "key": "sample_rate", "value": "fast",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeConfigValidation, errorCode(t, body))
	assert.Equal(t, 5.0, f.sampleRate(t))

	w, body = f.do(t, http.MethodPut, "/api/v1/config", map[string]any{"key": "enabled", "value": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "REQUEST_400", errorCode(t, body))
}

func TestAcquisitionStartStop(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/v1/acquisition/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, true, body["changed"])

	_, body = f.do(t, http.MethodPost, "/api/v1/acquisition/start", nil)
	assert.Equal(t, false, body["changed"])

	w, body = f.do(t, http.MethodGet, "/api/v1/acquisition/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["machine"].(map[string]any)["state"])
	assert.Len(t, body["channels"], 1)

	_, body = f.do(t, http.MethodPost, "/api/v1/acquisition/stop", nil)
	assert.Equal(t, "stopped", body["state"])
	assert.Equal(t, true, body["changed"])
}

func TestSaveAndLoadConfig(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/v1/config/load/default", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, types.CodePersistence, errorCode(t, body))

	w, _ = f.do(t, http.MethodPost, "/api/v1/config/save", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, _ = f.do(t, http.MethodPut, "/api/v1/config", map[string]any{
		"path": "RPI5/temp", "key": "sample_rate", "value": 7,
	})
	assert.Equal(t, 7.0, f.sampleRate(t))

	w, body = f.do(t, http.MethodPost, "/api/v1/config/load/user", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(3), body["applied"])
	assert.Equal(t, 1.0, f.sampleRate(t))
}

func TestWriteOutput(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/v1/outputs", map[string]any{"path": "RPI5/led", "value": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1.0, body["level"])

	w, body = f.do(t, http.MethodPost, "/api/v1/outputs", map[string]any{"path": "RPI5/temp", "value": 1})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, types.CodeHardwareWrite, errorCode(t, body))

	w, _ = f.do(t, http.MethodPost, "/api/v1/outputs", map[string]any{"path": "RPI5/led"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListChannels(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	channels := body["channels"].([]any)
	temp := channels[0].(map[string]any)
	assert.Equal(t, "RPI5/temp", temp["path"])
	assert.Equal(t, "idle", temp["sampler"].(map[string]any)["state"])

	led := channels[1].(map[string]any)
	assert.Nil(t, led["sampler"])
	assert.Equal(t, 0.0, led["level"])
}

func TestQuerySamples(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/samples?path=RPI5/temp", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SAMPLES_503", errorCode(t, body))

	history := &fakeHistory{}
	f.lm.history = history

	w, body = f.do(t, http.MethodGet, "/api/v1/samples?path=RPI5/temp&from=2026-01-01T00:00:00Z&to=2026-01-01T01:00:00Z&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "RPI5/temp", history.path)
	assert.Equal(t, 10, history.limit)
	assert.Equal(t, time.Hour, history.to.Sub(history.from))

	w, _ = f.do(t, http.MethodGet, "/api/v1/samples?path=RPI5/temp&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/samples", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	history.err = errors.New("connection reset")
	w, body = f.do(t, http.MethodGet, "/api/v1/samples?path=RPI5/temp", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, types.CodePersistence, errorCode(t, body))
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/system/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RUNNING", body["state"])
	assert.Equal(t, float64(2), body["channel_count"])

	w, body = f.do(t, http.MethodGet, "/api/v1/ws/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["connected_clients"])
}

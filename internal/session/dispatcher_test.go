package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/machine"
	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type boardDriver struct {
	mu     sync.Mutex
	writes []float64
}

func (d *boardDriver) ReadRaw(context.Context, hardware.Line) (float64, error) { return 5, nil }

func (d *boardDriver) WriteRaw(_ context.Context, _ hardware.Line, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, v)
	return nil
}

// blockingAcquirer lets tests hold a START in flight.
type blockingAcquirer struct {
	mu      sync.Mutex
	running bool
	gate    chan struct{}
}

func (a *blockingAcquirer) Start() error {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	return nil
}

func (a *blockingAcquirer) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	return nil
}

func (a *blockingAcquirer) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

type fixture struct {
	graph      *hardware.Graph
	store      *configstore.Store
	acq        *blockingAcquirer
	controller *machine.Controller
	drv        *boardDriver
	d          *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{acq: &blockingAcquirer{}, drv: &boardDriver{}}

	mustCfg := func(v map[string]any) hardware.Config {
		c, err := hardware.NewConfig(v)
		require.NoError(t, err)
		return c
	}

	b := hardware.NewBuilder()
	board := b.Hardware("RPI5", "RPI5", mustCfg(map[string]any{"enabled": true}), f.drv)
	mod := b.Module(board, "MCC118", "mcc118", mustCfg(map[string]any{"enabled": true, "sample_rate": 10.0}), nil)
	b.Channel(mod, hardware.ChannelSpec{
		Class: "AnalogInput", Name: "temp", Unit: "°C",
		Config: mustCfg(map[string]any{"enabled": true, "chart_number": 701}),
	})
	b.Channel(board, hardware.ChannelSpec{Class: "DigitalOutput", Name: "led", Direction: hardware.DirectionOutput})
	g, err := b.Build()
	require.NoError(t, err)
	f.graph = g

	f.store, err = configstore.New(t.TempDir(), g, zap.NewNop())
	require.NoError(t, err)

	f.controller = machine.NewController(zap.NewNop(), f.acq, nil)
	f.d = NewDispatcher(g, f.store, f.controller, nil, zap.NewNop())
	return f
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func (f *fixture) describe(t *testing.T, path string) EntityConfig {
	t.Helper()
	ec, err := f.d.Describe(path)
	require.NoError(t, err)
	return ec
}

func TestSetConfigRejectsMultipleFieldsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.describe(t, "RPI5/mcc118")

	resp := f.d.Handle(ctx, protocol.Request{
		Command: protocol.CommandSetConfig,
		Path:    "RPI5/mcc118",
		Fields: map[string]json.RawMessage{
			"enabled":     raw(t, false),
			"sample_rate": raw(t, 2.0),
		},
	})
	require.False(t, resp.OK)
	assert.Equal(t, types.CodeSingleFieldViolation, resp.Error.Code)

	resp = f.d.Handle(ctx, protocol.Request{
		Command: protocol.CommandSetConfig,
		Path:    "RPI5/mcc118",
		Key:     "enabled",
		Value:   raw(t, false),
		Fields:  map[string]json.RawMessage{"sample_rate": raw(t, 2.0)},
	})
	require.False(t, resp.OK)
	assert.Equal(t, types.CodeSingleFieldViolation, resp.Error.Code)

	after := f.describe(t, "RPI5/mcc118")
	assert.True(t, before.Config.Equal(after.Config))
}

func TestSetConfigSingleField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.d.Handle(ctx, protocol.Request{
		ID:      "1",
		Command: protocol.CommandSetConfig,
		Path:    "RPI5/mcc118",
		Fields:  map[string]json.RawMessage{"sample_rate": raw(t, 25)},
	})
	require.True(t, resp.OK, "%+v", resp.Error)
	assert.Equal(t, "1", resp.ID)

	rate, ok := f.describe(t, "RPI5/mcc118").Config.SampleRate()
	require.True(t, ok)
	assert.Equal(t, 25.0, rate)
}

func TestDisablingModuleDeactivatesChannels(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.describe(t, "RPI5/mcc118/temp").Active)

	resp := f.d.Handle(context.Background(), protocol.Request{
		Command: protocol.CommandSetConfig,
		Path:    "RPI5/mcc118",
		Key:     "enabled",
		Value:   raw(t, false),
	})
	require.True(t, resp.OK)

	ch := f.describe(t, "RPI5/mcc118/temp")
	assert.False(t, ch.Active)
	assert.True(t, ch.Config.Enabled(), "the channel's own flag is untouched")
}

func TestSetConfigModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text := "StackedModel([LinearModel(offset=0, gain=2000), NTCModel(r0=10000, beta=4300, t0=25)])"
	resp := f.d.Handle(ctx, protocol.Request{
		Command: protocol.CommandSetConfig,
		Path:    "RPI5/mcc118/temp",
		Key:     protocol.KeyModel,
		Value:   raw(t, text),
	})
	require.True(t, resp.OK, "%+v", resp.Error)

	id, err := f.graph.Resolve("RPI5/mcc118/temp")
	require.NoError(t, err)
	m, err := f.graph.Model(id)
	require.NoError(t, err)
	out, err := m.Apply(5)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, out, 1e-9)

	resp = f.d.Handle(ctx, protocol.Request{
		Command: protocol.CommandSetConfig,
		Path:    "RPI5/mcc118/temp",
		Key:     protocol.KeyModel,
		Value:   raw(t, "NTCModel(r0=-1, beta=4300)"),
	})
	require.False(t, resp.OK)
	assert.Equal(t, types.CodeConfigValidation, resp.Error.Code)

	m2, err := f.graph.Model(id)
	require.NoError(t, err)
	assert.Equal(t, m.String(), m2.String())
}

func TestDispatcherErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  protocol.Request
		code string
	}{
		{
			name: "unknown path",
			req:  protocol.Request{Command: protocol.CommandGetConfig, Path: "RPI5/nope"},
			code: types.CodeConfigPathNotFound,
		},
		{
			name: "bad value kind",
			req:  protocol.Request{Command: protocol.CommandSetConfig, Path: "RPI5", Key: "enabled", Value: json.RawMessage(`"yes"`)},
			code: types.CodeConfigValidation,
		},
		{
			name: "unknown command",
			req:  protocol.Request{Command: "HOME"},
			code: types.CodeUnknownCommand,
		},
		{
			name: "write to input",
			req:  protocol.Request{Command: protocol.CommandWriteOutput, Path: "RPI5/mcc118/temp", Value: json.RawMessage(`1`)},
			code: types.CodeHardwareWrite,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.d.Handle(ctx, tt.req)
			require.False(t, resp.OK)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestSaveThenLoadUserRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	set := func(key string, v any) {
		resp := f.d.Handle(ctx, protocol.Request{Command: protocol.CommandSetConfig, Path: "RPI5/mcc118", Key: key, Value: raw(t, v)})
		require.True(t, resp.OK, "%+v", resp.Error)
	}

	set("sample_rate", 50.0)
	require.True(t, f.d.Handle(ctx, protocol.Request{Command: protocol.CommandSave}).OK)
	saved := f.describe(t, "RPI5/mcc118").Config

	set("sample_rate", 1.0)
	resp := f.d.Handle(ctx, protocol.Request{Command: protocol.CommandLoadUser})
	require.True(t, resp.OK, "%+v", resp.Error)
	assert.True(t, saved.Equal(f.describe(t, "RPI5/mcc118").Config))
}

func TestKeepAliveTogglesOutput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.SetKeepAliveOutput("RPI5/led"))
	require.Error(t, f.d.SetKeepAliveOutput("RPI5/mcc118/temp"))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, f.d.Handle(ctx, protocol.Request{Command: protocol.CommandKeepAlive}).OK)
	}
	assert.Equal(t, []float64{1, 0, 1}, f.drv.writes)
	assert.Equal(t, 1.0, *f.describe(t, "RPI5/led").Level)
}

func TestStartStopThroughDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.d.Handle(ctx, protocol.Request{Command: protocol.CommandStart})
	require.True(t, resp.OK)
	assert.Equal(t, AcquisitionResult{State: machine.StateRunning, Changed: true}, resp.Result)

	resp = f.d.Handle(ctx, protocol.Request{Command: protocol.CommandStart})
	require.True(t, resp.OK)
	assert.Equal(t, AcquisitionResult{State: machine.StateRunning, Changed: false}, resp.Result)

	resp = f.d.Handle(ctx, protocol.Request{Command: protocol.CommandStop})
	require.True(t, resp.OK)
	assert.Equal(t, AcquisitionResult{State: machine.StateStopped, Changed: true}, resp.Result)
	assert.False(t, f.acq.Running())
}

func TestGetConfigWithoutPathListsEverything(t *testing.T) {
	f := newFixture(t)
	resp := f.d.Handle(context.Background(), protocol.Request{Command: protocol.CommandGetConfig})
	require.True(t, resp.OK)
	all := resp.Result.([]EntityConfig)
	assert.Len(t, all, f.graph.Len())
	assert.Equal(t, model.Identity().String(), all[2].Model)
}

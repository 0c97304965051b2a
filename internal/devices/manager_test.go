package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type closingDriver struct {
	*Simulated
	closed *[]string
	name   string
}

func (d closingDriver) Close() error {
	*d.closed = append(*d.closed, d.name)
	return nil
}

func newTestManager(t *testing.T, simulate bool) *Manager {
	t.Helper()
	m, err := NewManager(nil, simulate, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestBuildDefaultLayoutSimulated(t *testing.T) {
	m := newTestManager(t, true)
	layout, err := m.LoadLayout(DefaultLayout)
	require.NoError(t, err)

	g, err := m.Build(context.Background(), layout)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 14, g.Len())
	assert.Len(t, g.Channels(), 9)

	charts := map[string]int{
		"RPI5/Speed1":              701,
		"RPI5/Thermal/Temperature": 729,
		"RPI5/HX711/Weight":        745,
		"MCC118/MCC118_0":          767,
		"MCC118/MCC118_1":          781,
		"MCC118/MCC118_2":          789,
		"MCC134/MCC134_0":          721,
		"MCC134/MCC134_3":          724,
	}
	for path, chart := range charts {
		id, err := g.Resolve(path)
		require.NoError(t, err, path)
		cfg, err := g.Config(id)
		require.NoError(t, err)
		n, ok := cfg.ChartNumber()
		assert.True(t, ok, path)
		assert.Equal(t, chart, n, path)
	}

	led, err := g.Resolve("RPI5/KeepAliveLED")
	require.NoError(t, err)
	ent, _ := g.Entity(led)
	assert.Equal(t, hardware.DirectionOutput, ent.Direction)
	require.NoError(t, g.WriteRaw(context.Background(), led, 1))

	rate, ok := g.EffectiveSampleRate(mustResolve(t, g, "MCC118/MCC118_0"))
	assert.True(t, ok)
	assert.Equal(t, 0.5, rate)
	rate, ok = g.EffectiveSampleRate(mustResolve(t, g, "RPI5/HX711/Weight"))
	assert.True(t, ok)
	assert.Equal(t, 1.0, rate, "inherited from the module")

	speed, err := g.Model(mustResolve(t, g, "RPI5/Speed1"))
	require.NoError(t, err)
	assert.Equal(t, "LinearModel(offset=0, gain=60)", speed.String())

	drivers := m.Drivers()
	require.Len(t, drivers, 5)
	assert.Equal(t, DriverInfo{Owner: "RPI5", Type: types.DriverGPIO, Simulated: true}, drivers[0])
	assert.Equal(t, DriverInfo{Owner: "MCC118", Type: types.DriverSimulated}, drivers[3])

	v, err := g.ReadRaw(context.Background(), mustResolve(t, g, "MCC134/MCC134_0"))
	require.NoError(t, err)
	assert.InDelta(t, 25, v, 2)
}

func mustResolve(t *testing.T, g *hardware.Graph, path string) hardware.ID {
	t.Helper()
	id, err := g.Resolve(path)
	require.NoError(t, err)
	return id
}

func TestBuildClosesDriversOnFailure(t *testing.T) {
	m := newTestManager(t, false)

	var closed []string
	m.RegisterFactory(types.DriverSimulated, func(_ context.Context, owner string, _ types.DriverConfig) (hardware.Capability, error) {
		return closingDriver{Simulated: NewSimulated(nil), closed: &closed, name: owner}, nil
	})
	m.RegisterFactory(types.DriverThermal, func(context.Context, string, types.DriverConfig) (hardware.Capability, error) {
		return nil, errors.New("no sysfs")
	})

	layout := &types.Layout{Version: 1, Hardware: []types.HardwareLayout{
		{Class: "Sim", Name: "a", Driver: &types.DriverConfig{Type: types.DriverSimulated}},
		{Class: "Sim", Name: "b", Driver: &types.DriverConfig{Type: types.DriverSimulated}},
		{Class: "Pi", Name: "c", Driver: &types.DriverConfig{Type: types.DriverThermal}},
	}}

	_, err := m.Build(context.Background(), layout)
	require.ErrorContains(t, err, "no sysfs")
	assert.Equal(t, []string{"b", "a"}, closed)
	assert.Empty(t, m.Drivers())
}

func TestCloseReleasesDrivers(t *testing.T) {
	m := newTestManager(t, false)

	var closed []string
	m.RegisterFactory(types.DriverSimulated, func(_ context.Context, owner string, _ types.DriverConfig) (hardware.Capability, error) {
		return closingDriver{Simulated: NewSimulated(nil), closed: &closed, name: owner}, nil
	})

	layout := &types.Layout{Version: 1, Hardware: []types.HardwareLayout{
		{Class: "Sim", Name: "a", Driver: &types.DriverConfig{Type: types.DriverSimulated},
			Modules: []types.ModuleLayout{{Class: "M", Name: "m", Driver: &types.DriverConfig{Type: types.DriverSimulated}}}},
	}}

	_, err := m.Build(context.Background(), layout)
	require.NoError(t, err)
	assert.Len(t, m.Drivers(), 2)

	require.NoError(t, m.Close())
	assert.Equal(t, []string{"a/m", "a"}, closed)
	assert.Empty(t, m.Drivers())
}

func TestComposeRejectsBadEntities(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	_, err := m.Build(ctx, &types.Layout{Version: 1, Hardware: []types.HardwareLayout{
		{Class: "Sim", Name: "a", Channels: []types.ChannelLayout{{Class: "C", Name: "x", Model: "NTCModel(r0=-1)"}}},
	}})
	assert.ErrorContains(t, err, "channel a/x: invalid model")

	_, err = m.Build(ctx, &types.Layout{Version: 1, Hardware: []types.HardwareLayout{
		{Class: "Sim", Name: "a", Channels: []types.ChannelLayout{{Class: "C", Name: "x"}, {Class: "C", Name: "x"}}},
	}})
	assert.ErrorContains(t, err, "duplicate entity")

	_, err = m.Build(ctx, &types.Layout{Version: 1, Hardware: []types.HardwareLayout{
		{Class: "Sim", Name: "a", Config: map[string]any{"sample_rate": "fast"}},
	}})
	assert.Error(t, err)

	_, err = m.Build(ctx, &types.Layout{Version: 1, Hardware: []types.HardwareLayout{
		{Class: "Sim", Name: "a", Driver: &types.DriverConfig{Type: "can"}},
	}})
	assert.ErrorContains(t, err, "unknown driver type")
}

func TestBuildBenchLayoutSimulated(t *testing.T) {
	m, err := NewManager([]string{"../../configs/layouts"}, true, zap.NewNop())
	require.NoError(t, err)

	layout, err := m.LoadLayout("bench")
	require.NoError(t, err)
	require.Len(t, layout.Hardware, 2)
	assert.Len(t, layout.Hardware[1].Driver.Registers, 3)

	g, err := m.Build(context.Background(), layout)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 11, g.Len())
	assert.Len(t, g.Channels(), 7)
	require.Len(t, g.MultiChannels(), 1)
	assert.Equal(t, "RPI5/ADC/Bridge", g.Path(g.MultiChannels()[0]))

	id, err := g.Resolve("RPI5/ADC/Bridge/A1")
	require.NoError(t, err)
	rate, ok := g.EffectiveSampleRate(id)
	require.True(t, ok)
	assert.Equal(t, 10.0, rate)

	ntc, err := g.Resolve("RPI5/ADC/NTC")
	require.NoError(t, err)
	mdl, err := g.Model(ntc)
	require.NoError(t, err)
	assert.Contains(t, mdl.String(), "NTCModel")

	fan, err := g.Resolve("Climate/Fan")
	require.NoError(t, err)
	require.NoError(t, g.WriteRaw(context.Background(), fan, 1))
}

package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu     sync.Mutex
	values map[string]float64
	writes map[string]float64
	fail   error
}

func (d *fakeDriver) ReadRaw(_ context.Context, line Line) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return 0, d.fail
	}
	return d.values[line.Name], nil
}

func (d *fakeDriver) WriteRaw(_ context.Context, line Line, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	if d.writes == nil {
		d.writes = map[string]float64{}
	}
	d.writes[line.Name] = v
	return nil
}

func mustConfig(t *testing.T, values map[string]any) Config {
	t.Helper()
	c, err := NewConfig(values)
	require.NoError(t, err)
	return c
}

type testGraph struct {
	g                    *Graph
	drv                  *fakeDriver
	board, scale, weight ID
	group, ch0, ch1, led ID
}

func buildTestGraph(t *testing.T) testGraph {
	t.Helper()
	drv := &fakeDriver{values: map[string]float64{"weight": 2.5, "ch0": 1, "ch1": 2}}
	b := NewBuilder()
	var tg testGraph
	tg.drv = drv
	tg.board = b.Hardware("RPI5", "RPI5", mustConfig(t, map[string]any{"enabled": true}), drv)
	tg.scale = b.Module(tg.board, "HX711", "HX711", mustConfig(t, map[string]any{"enabled": true, "sample_rate": 10.0}), nil)
	tg.weight = b.Channel(tg.scale, ChannelSpec{
		Class: "WeightChannel", Name: "weight", Type: "weight", Unit: "g",
		Config: mustConfig(t, map[string]any{"enabled": true, "chart_number": 701}),
	})
	tg.group = b.MultiChannel(tg.board, "VoltageGroup", "adc", mustConfig(t, map[string]any{"sample_rate": 5}))
	tg.ch0 = b.Channel(tg.group, ChannelSpec{Class: "AnalogInput", Name: "ch0", Type: "analog_input", Unit: "V"})
	tg.ch1 = b.Channel(tg.group, ChannelSpec{Class: "AnalogInput", Name: "ch1", Type: "analog_input", Unit: "V"})
	tg.led = b.Channel(tg.board, ChannelSpec{Class: "DigitalOutput", Name: "led", Type: "digital_output", Pin: "19", Direction: DirectionOutput})

	g, err := b.Build()
	require.NoError(t, err)
	tg.g = g
	return tg
}

func TestBuildStructure(t *testing.T) {
	tg := buildTestGraph(t)
	g := tg.g

	assert.Equal(t, []ID{tg.weight, tg.ch0, tg.ch1, tg.led}, g.Channels())
	assert.Equal(t, []ID{tg.group}, g.MultiChannels())
	assert.Equal(t, []ID{tg.board}, g.Roots())

	parent, ok := g.Parent(tg.weight)
	require.True(t, ok)
	assert.Equal(t, tg.scale, parent)
	assert.Contains(t, g.Children(tg.scale), tg.weight)

	for _, id := range g.All() {
		for _, child := range g.Children(id) {
			p, ok := g.Parent(child)
			require.True(t, ok)
			assert.Equal(t, id, p, "back-reference of %s", g.Path(child))
		}
	}

	assert.Equal(t, "RPI5/HX711/weight", g.Path(tg.weight))
	assert.Equal(t, []Ref{{"RPI5", "RPI5"}, {"HX711", "HX711"}, {"WeightChannel", "weight"}}, g.Refs(tg.weight))

	m, err := g.Model(tg.weight)
	require.NoError(t, err)
	assert.Equal(t, model.Identity(), m)
}

func TestBuilderRejectsInvalidStructure(t *testing.T) {
	b := NewBuilder()
	hw := b.Hardware("RPI5", "RPI5", Config{}, nil)
	b.Channel(hw, ChannelSpec{Class: "A", Name: "x"})
	b.Channel(hw, ChannelSpec{Class: "A", Name: "x"})
	_, err := b.Build()
	assert.Error(t, err)

	b = NewBuilder()
	b.Module(NoParent, "HX711", "HX711", Config{}, nil)
	_, err = b.Build()
	assert.Error(t, err)

	b = NewBuilder()
	b.Hardware("RPI5", "bad/name", Config{}, nil)
	_, err = b.Build()
	assert.Error(t, err)

	b = NewBuilder()
	b.Hardware("RPI5", "RPI5", mustConfig(t, map[string]any{"enabled": "yes"}), nil)
	_, err = b.Build()
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	tg := buildTestGraph(t)

	id, err := tg.g.Resolve("RPI5/adc/ch1")
	require.NoError(t, err)
	assert.Equal(t, tg.ch1, id)

	_, err = tg.g.Resolve("RPI5/adc/ch9")
	var nf *PathNotFoundError
	require.ErrorAs(t, err, &nf)

	id, err = tg.g.ResolveRefs(tg.g.Refs(tg.weight))
	require.NoError(t, err)
	assert.Equal(t, tg.weight, id)

	_, err = tg.g.ResolveRefs([]Ref{{"RPI5", "RPI5"}, {"Stepper", "HX711"}})
	require.ErrorAs(t, err, &nf)
}

func TestActiveIsDerivedFromAncestors(t *testing.T) {
	tg := buildTestGraph(t)
	g := tg.g

	require.True(t, g.Active(tg.weight))

	require.NoError(t, g.SetConfig(tg.weight, KeyEnabled, Bool(false)))
	assert.False(t, g.Active(tg.weight))

	require.NoError(t, g.SetConfig(tg.weight, KeyEnabled, Bool(true)))
	require.NoError(t, g.SetConfig(tg.scale, KeyEnabled, Bool(false)))
	assert.False(t, g.Active(tg.weight))

	cfg, err := g.Config(tg.weight)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled(), "channel keeps its own flag while module is disabled")

	require.NoError(t, g.SetConfig(tg.scale, KeyEnabled, Bool(true)))
	assert.True(t, g.Active(tg.weight))

	require.NoError(t, g.SetConfig(tg.weight, KeyEnabled, Bool(false)))
	require.NoError(t, g.SetConfig(tg.scale, KeyEnabled, Bool(false)))
	require.NoError(t, g.SetConfig(tg.scale, KeyEnabled, Bool(true)))
	assert.False(t, g.Active(tg.weight))
}

func TestSetConfigValidation(t *testing.T) {
	tg := buildTestGraph(t)
	g := tg.g

	before, err := g.Config(tg.weight)
	require.NoError(t, err)

	var ve *ValidationError
	require.ErrorAs(t, g.SetConfig(tg.weight, KeyEnabled, Int(1)), &ve)
	require.ErrorAs(t, g.SetConfig(tg.weight, KeyChartNumber, Int(1000)), &ve)
	require.ErrorAs(t, g.SetConfig(tg.weight, KeySampleRate, String("fast")), &ve)
	require.ErrorAs(t, g.SetConfig(tg.weight, KeySampleRate, Float(1e-10)), &ve)

	after, err := g.Config(tg.weight)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))

	require.NoError(t, g.SetConfig(tg.weight, KeySampleRate, Float(MinSampleRate)))
	require.NoError(t, g.SetConfig(tg.weight, KeySampleRate, Float(0)))
	require.NoError(t, g.SetConfig(tg.weight, KeySampleRate, Int(20)))
	require.NoError(t, g.SetConfig(tg.weight, "calibration_note", String("bench 3")))
	cfg, _ := g.Config(tg.weight)
	v, _ := cfg.Get(KeySampleRate)
	assert.Equal(t, Float(20), v)
	v, _ = cfg.Get("calibration_note")
	assert.Equal(t, String("bench 3"), v)

	var nf *PathNotFoundError
	require.ErrorAs(t, g.SetConfig(ID(999), KeyEnabled, Bool(true)), &nf)
}

func TestOverlayConfigIsAllOrNothing(t *testing.T) {
	tg := buildTestGraph(t)
	g := tg.g

	patch := mustConfig(t, map[string]any{"sample_rate": 2.0, "enabled": "nope"})
	require.Error(t, g.OverlayConfig(tg.scale, patch))
	rate, _ := g.EffectiveSampleRate(tg.weight)
	assert.Equal(t, 10.0, rate)

	require.NoError(t, g.OverlayConfig(tg.scale, mustConfig(t, map[string]any{"sample_rate": 2.0})))
	rate, _ = g.EffectiveSampleRate(tg.weight)
	assert.Equal(t, 2.0, rate)
}

func TestSetModelOnlyOnChannels(t *testing.T) {
	tg := buildTestGraph(t)
	lin, _ := model.NewLinear(1, 2)

	require.NoError(t, tg.g.SetModel(tg.weight, lin))
	got, _ := tg.g.Model(tg.weight)
	assert.Equal(t, lin, got)

	var ve *ValidationError
	require.ErrorAs(t, tg.g.SetModel(tg.scale, lin), &ve)
}

func TestReadWriteThroughDriver(t *testing.T) {
	tg := buildTestGraph(t)
	ctx := context.Background()

	v, err := tg.g.ReadRaw(ctx, tg.weight)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	require.NoError(t, tg.g.WriteRaw(ctx, tg.led, 1))
	level, _ := tg.g.Level(tg.led)
	assert.Equal(t, 1.0, level)
	assert.Equal(t, 1.0, tg.drv.writes["led"])

	var we *WriteError
	require.ErrorAs(t, tg.g.WriteRaw(ctx, tg.weight, 1), &we)

	tg.drv.fail = errors.New("bus timeout")
	_, err = tg.g.ReadRaw(ctx, tg.weight)
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "RPI5/HX711/weight", re.Path)

	require.ErrorAs(t, tg.g.WriteRaw(ctx, tg.led, 0), &we)
	level, _ = tg.g.Level(tg.led)
	assert.Equal(t, 1.0, level)
}

func TestConfigJSONPreservesKinds(t *testing.T) {
	c := mustConfig(t, map[string]any{
		"enabled":     true,
		"sample_rate": 10.0,
		"count":       3,
		"label":       "front",
		"ratio":       0.25,
	})
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":true,"sample_rate":10.0,"count":3,"label":"front","ratio":0.25}`, string(data))
	assert.Contains(t, string(data), `"sample_rate":10.0`)

	var back Config
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, c.Equal(back))
}

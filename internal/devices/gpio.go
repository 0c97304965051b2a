package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

const defaultGate = time.Second

// PinLookup resolves a pin by name, returning nil when it does not exist.
type PinLookup func(name string) gpio.PinIO

type pinMode int

const (
	modeUnset pinMode = iota
	modeInput
	modeEdges
	modeOutput
)

// GPIO drives the header pins of the board. Digital inputs read the level,
// "frequency" inputs count rising edges over a gate window and report Hz,
// outputs drive the level.
type GPIO struct {
	lookup PinLookup
	gate   time.Duration

	mu    sync.Mutex
	pins  map[string]gpio.PinIO
	modes map[string]pinMode
}

func NewGPIO(lookup PinLookup, gate time.Duration) *GPIO {
	if lookup == nil {
		lookup = gpioreg.ByName
	}
	if gate <= 0 {
		gate = defaultGate
	}
	return &GPIO{
		lookup: lookup,
		gate:   gate,
		pins:   make(map[string]gpio.PinIO),
		modes:  make(map[string]pinMode),
	}
}

// OpenGPIO initializes the host drivers and uses the global pin registry.
func OpenGPIO(gate time.Duration) (*GPIO, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	return NewGPIO(gpioreg.ByName, gate), nil
}

// pin returns the named pin configured for mode. Must hold g.mu.
func (g *GPIO) pin(name string, mode pinMode) (gpio.PinIO, error) {
	if name == "" {
		return nil, fmt.Errorf("gpio: no pin configured")
	}
	p, ok := g.pins[name]
	if !ok {
		p = g.lookup(name)
		if p == nil {
			return nil, fmt.Errorf("gpio: unknown pin %s", name)
		}
		g.pins[name] = p
	}
	if g.modes[name] == mode {
		return p, nil
	}

	var err error
	switch mode {
	case modeInput:
		err = p.In(gpio.PullNoChange, gpio.NoEdge)
	case modeEdges:
		err = p.In(gpio.PullDown, gpio.RisingEdge)
	case modeOutput:
		err = p.Out(gpio.Low)
	}
	if err != nil {
		return nil, fmt.Errorf("gpio: configure %s: %w", name, err)
	}
	g.modes[name] = mode
	return p, nil
}

func (g *GPIO) ReadRaw(ctx context.Context, line hardware.Line) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if line.Direction == hardware.DirectionOutput {
		p, err := g.pin(line.Pin, modeOutput)
		if err != nil {
			return 0, err
		}
		return levelValue(p.Read()), nil
	}

	if line.Type == "frequency" {
		p, err := g.pin(line.Pin, modeEdges)
		if err != nil {
			return 0, err
		}
		return g.countEdges(ctx, p)
	}

	p, err := g.pin(line.Pin, modeInput)
	if err != nil {
		return 0, err
	}
	return levelValue(p.Read()), nil
}

func (g *GPIO) WriteRaw(ctx context.Context, line hardware.Line, value float64) error {
	if line.Direction != hardware.DirectionOutput {
		return unsupportedWrite("gpio", line)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.pin(line.Pin, modeOutput)
	if err != nil {
		return err
	}
	return p.Out(gpio.Level(value != 0))
}

// countEdges blocks for one gate window or until ctx ends.
func (g *GPIO) countEdges(ctx context.Context, p gpio.PinIO) (float64, error) {
	deadline := time.Now().Add(g.gate)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return 0, fmt.Errorf("gpio: read timeout shorter than gate window %s", g.gate)
	}

	edges := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if p.WaitForEdge(remaining) {
			edges++
		}
	}
	return float64(edges) / g.gate.Seconds(), nil
}

func levelValue(l gpio.Level) float64 {
	if l == gpio.High {
		return 1
	}
	return 0
}

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

const hx711ReadyTimeout = 500 * time.Millisecond

// HX711 bit-bangs the 24-bit load cell ADC. The gain of the next conversion
// is selected by the number of extra clock pulses after the data bits.
type HX711 struct {
	data         gpio.PinIn
	clock        gpio.PinOut
	pulses       int
	readyTimeout time.Duration

	mu sync.Mutex
}

func NewHX711(data gpio.PinIn, clock gpio.PinOut, gain int) (*HX711, error) {
	var pulses int
	switch gain {
	case 0, 128:
		pulses = 25
	case 64:
		pulses = 27
	case 32:
		pulses = 26
	default:
		return nil, fmt.Errorf("hx711: unsupported gain %d", gain)
	}
	if err := data.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("hx711: configure data pin: %w", err)
	}
	if err := clock.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("hx711: configure clock pin: %w", err)
	}
	return &HX711{data: data, clock: clock, pulses: pulses, readyTimeout: hx711ReadyTimeout}, nil
}

func OpenHX711(dataPin, clockPin string, gain int) (*HX711, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	data := gpioreg.ByName(dataPin)
	if data == nil {
		return nil, fmt.Errorf("hx711: unknown data pin %s", dataPin)
	}
	clk := gpioreg.ByName(clockPin)
	if clk == nil {
		return nil, fmt.Errorf("hx711: unknown clock pin %s", clockPin)
	}
	return NewHX711(data, clk, gain)
}

// ReadRaw returns the signed conversion result in counts.
func (h *HX711) ReadRaw(ctx context.Context, _ hardware.Line) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.waitReady(ctx); err != nil {
		return 0, err
	}

	var value int32
	for i := 0; i < h.pulses; i++ {
		if err := h.clock.Out(gpio.High); err != nil {
			return 0, fmt.Errorf("hx711: clock: %w", err)
		}
		if i < 24 {
			value <<= 1
			if h.data.Read() == gpio.High {
				value |= 1
			}
		}
		if err := h.clock.Out(gpio.Low); err != nil {
			return 0, fmt.Errorf("hx711: clock: %w", err)
		}
	}

	if value&0x800000 != 0 {
		value -= 1 << 24
	}
	return float64(value), nil
}

func (h *HX711) WriteRaw(_ context.Context, line hardware.Line, _ float64) error {
	return unsupportedWrite("hx711", line)
}

// waitReady polls until DOUT goes low.
func (h *HX711) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(h.readyTimeout)
	for h.data.Read() != gpio.Low {
		if time.Now().After(deadline) {
			return fmt.Errorf("hx711: not ready after %s", h.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

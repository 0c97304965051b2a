package devices

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	ads1115DefaultAddr = 0x48
	ads1115FullScale   = 4.096 // PGA ±4.096V
)

// data rate codes, indexed by the config register DR bits
var ads1115Rates = []int{8, 16, 32, 64, 128, 250, 475, 860}

// ADS1115 reads the four single-ended inputs of a TI ADS1115 in single-shot
// mode. The pin of a channel selects the input (0-3); the raw value is volts.
type ADS1115 struct {
	dev    *i2c.Dev
	bus    i2c.BusCloser
	drCode byte
	sps    int

	mu sync.Mutex
}

// NewADS1115 uses bus without taking ownership. sps of 0 selects 128 SPS.
func NewADS1115(bus i2c.Bus, addr uint16, sps int) (*ADS1115, error) {
	if addr == 0 {
		addr = ads1115DefaultAddr
	}
	if sps == 0 {
		sps = 128
	}
	code := -1
	for i, r := range ads1115Rates {
		if r == sps {
			code = i
		}
	}
	if code < 0 {
		return nil, fmt.Errorf("ads1115: unsupported data rate %d", sps)
	}
	return &ADS1115{
		dev:    &i2c.Dev{Addr: addr, Bus: bus},
		drCode: byte(code),
		sps:    sps,
	}, nil
}

// OpenADS1115 opens the named I²C bus; Close releases it.
func OpenADS1115(busName string, addr uint16, sps int) (*ADS1115, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	s, err := NewADS1115(bus, addr, sps)
	if err != nil {
		bus.Close()
		return nil, err
	}
	s.bus = bus
	return s, nil
}

func (s *ADS1115) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *ADS1115) ReadRaw(ctx context.Context, line hardware.Line) (float64, error) {
	channel, err := strconv.Atoi(line.Pin)
	if err != nil {
		return 0, fmt.Errorf("ads1115: invalid input %q", line.Pin)
	}
	msb, lsb, err := s.configForChannel(channel)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}

	// one conversion period plus margin
	wait := time.Second/time.Duration(s.sps) + 2*time.Millisecond
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return 0, ctx.Err()
	case <-timer.C:
	}

	readBuf := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	raw := int16(readBuf[0])<<8 | int16(readBuf[1])
	return float64(raw) * ads1115FullScale / 32768.0, nil
}

func (s *ADS1115) WriteRaw(_ context.Context, line hardware.Line, _ float64) error {
	return unsupportedWrite("ads1115", line)
}

func (s *ADS1115) configForChannel(channel int) (byte, byte, error) {
	if channel < 0 || channel > 3 {
		return 0, 0, fmt.Errorf("ads1115: invalid channel %d", channel)
	}
	mux := byte(0x4 + channel) // AINx against GND

	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(0x1) << 9 // PGA ±4.096V
	config |= 1 << 8           // single-shot mode
	config |= uint16(s.drCode) << 5
	config |= 0x3 // comparator disabled
	return byte(config >> 8), byte(config & 0xFF), nil
}

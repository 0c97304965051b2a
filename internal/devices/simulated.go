package devices

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/benbjohnson/clock"
)

const simulatedPeriod = 60 * time.Second

// Simulated produces deterministic waveforms per line. Each line gets its own
// phase derived from its path; the waveform depends on the channel type.
// Outputs keep the last written level.
type Simulated struct {
	clock  clock.Clock
	start  time.Time
	mu     sync.Mutex
	levels map[string]float64
}

func NewSimulated(clk clock.Clock) *Simulated {
	if clk == nil {
		clk = clock.New()
	}
	return &Simulated{
		clock:  clk,
		start:  clk.Now(),
		levels: make(map[string]float64),
	}
}

func (s *Simulated) ReadRaw(ctx context.Context, line hardware.Line) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if line.Direction == hardware.DirectionOutput {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.levels[line.Path], nil
	}

	t := s.clock.Since(s.start).Seconds()
	wave := math.Sin(2*math.Pi*t/simulatedPeriod.Seconds() + phaseOf(line.Path))

	switch line.Type {
	case "thermocouple", "temperature":
		return 25 + 2*wave, nil
	case "frequency":
		return 50 + 5*wave, nil
	case "weight":
		return 500 + 50*wave, nil
	case "resistance":
		return 10000 * (1 + 0.1*wave), nil
	case "digital":
		if wave >= 0 {
			return 1, nil
		}
		return 0, nil
	default:
		return 2.5 + 2.5*wave, nil
	}
}

func (s *Simulated) WriteRaw(ctx context.Context, line hardware.Line, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if line.Direction != hardware.DirectionOutput {
		return unsupportedWrite("simulated", line)
	}
	s.mu.Lock()
	s.levels[line.Path] = value
	s.mu.Unlock()
	return nil
}

func phaseOf(path string) float64 {
	h := fnv.New32a()
	h.Write([]byte(path))
	return float64(h.Sum32()%360) * math.Pi / 180
}

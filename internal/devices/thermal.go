package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
)

const (
	defaultThermalRoot = "/sys/class/thermal"
	defaultThermalZone = "thermal_zone0"
)

// Thermal reads a Linux thermal zone. The pin names the zone; the raw value
// is degrees Celsius.
type Thermal struct {
	root string
}

func NewThermal(root string) *Thermal {
	if root == "" {
		root = defaultThermalRoot
	}
	return &Thermal{root: root}
}

func (t *Thermal) ReadRaw(ctx context.Context, line hardware.Line) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	zone := line.Pin
	if zone == "" {
		zone = defaultThermalZone
	}

	data, err := os.ReadFile(filepath.Join(t.root, zone, "temp"))
	if err != nil {
		return 0, fmt.Errorf("thermal: %w", err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("thermal: invalid reading %q: %w", strings.TrimSpace(string(data)), err)
	}
	return float64(milli) / 1000, nil
}

func (t *Thermal) WriteRaw(_ context.Context, line hardware.Line, _ float64) error {
	return unsupportedWrite("thermal", line)
}

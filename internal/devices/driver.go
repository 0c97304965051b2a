package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"periph.io/x/host/v3"
)

// Factory opens a capability from its layout declaration.
type Factory func(ctx context.Context, owner string, cfg types.DriverConfig) (hardware.Capability, error)

var hostInit = sync.OnceValue(func() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init: %w", err)
	}
	return nil
})

func unsupportedWrite(driver string, line hardware.Line) error {
	return fmt.Errorf("%s: %s is not an output", driver, line.Path)
}

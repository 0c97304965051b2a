package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/modbus"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DriverInfo describes an opened driver.
type DriverInfo struct {
	Owner     string `json:"owner"`
	Type      string `json:"type"`
	Simulated bool   `json:"simulated,omitempty"`
}

type openedDriver struct {
	info DriverInfo
	cap  hardware.Capability
}

// Manager loads layouts, opens their drivers and owns them until Close.
type Manager struct {
	loader    *LayoutLoader
	composer  *Composer
	factories map[string]Factory
	simulate  bool
	clock     clock.Clock
	drivers   []openedDriver
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewManager registers the built-in drivers. With simulate set, every
// declared driver is replaced by the simulated one.
func NewManager(searchPaths []string, simulate bool, logger *zap.Logger) (*Manager, error) {
	loader, err := NewLayoutLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create layout loader: %w", err)
	}

	m := &Manager{
		loader:    loader,
		composer:  NewComposer(logger),
		factories: make(map[string]Factory),
		simulate:  simulate,
		clock:     clock.New(),
		logger:    logger,
	}

	m.RegisterFactory(types.DriverSimulated, m.openSimulated)
	m.RegisterFactory(types.DriverGPIO, openGPIODriver)
	m.RegisterFactory(types.DriverADS1115, openADS1115Driver)
	m.RegisterFactory(types.DriverHX711, openHX711Driver)
	m.RegisterFactory(types.DriverModbus, m.openModbus)
	m.RegisterFactory(types.DriverThermal, openThermalDriver)

	return m, nil
}

// RegisterFactory adds or replaces the factory for a driver type.
func (m *Manager) RegisterFactory(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

func (m *Manager) LoadLayout(ref string) (*types.Layout, error) {
	return m.loader.Load(ref)
}

// Build composes layout into a graph and opens its drivers. On failure the
// drivers opened so far are closed.
func (m *Manager) Build(ctx context.Context, layout *types.Layout) (*hardware.Graph, error) {
	var opened []openedDriver
	open := func(owner string, cfg types.DriverConfig) (hardware.Capability, error) {
		info := DriverInfo{Owner: owner, Type: cfg.Type}
		kind := cfg.Type
		if m.simulate {
			kind = types.DriverSimulated
			info.Simulated = cfg.Type != types.DriverSimulated
		}

		m.mu.RLock()
		_, known := m.factories[cfg.Type]
		factory := m.factories[kind]
		m.mu.RUnlock()
		if !known || factory == nil {
			return nil, fmt.Errorf("unknown driver type %q", cfg.Type)
		}

		drv, err := factory(ctx, owner, cfg)
		if err != nil {
			return nil, err
		}
		if info.Simulated {
			m.logger.Warn("Simulating driver",
				zap.String("owner", owner),
				zap.String("type", cfg.Type))
		}
		opened = append(opened, openedDriver{info: info, cap: drv})
		return drv, nil
	}

	g, err := m.composer.Compose(layout, open)
	if err != nil {
		if cerr := closeDrivers(opened); cerr != nil {
			m.logger.Error("Failed to close drivers after build error", zap.Error(cerr))
		}
		return nil, err
	}

	m.mu.Lock()
	m.drivers = append(m.drivers, opened...)
	m.mu.Unlock()

	return g, nil
}

// Drivers lists the drivers opened by Build.
func (m *Manager) Drivers() []DriverInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DriverInfo, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d.info)
	}
	return out
}

// Close releases every driver holding OS resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	drivers := m.drivers
	m.drivers = nil
	m.mu.Unlock()

	if err := closeDrivers(drivers); err != nil {
		return fmt.Errorf("failed to close drivers: %w", err)
	}
	m.logger.Info("Drivers closed", zap.Int("count", len(drivers)))
	return nil
}

func closeDrivers(drivers []openedDriver) error {
	var errs error
	for i := len(drivers) - 1; i >= 0; i-- {
		if c, ok := drivers[i].cap.(hardware.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", drivers[i].info.Owner, err))
			}
		}
	}
	return errs
}

func (m *Manager) openSimulated(context.Context, string, types.DriverConfig) (hardware.Capability, error) {
	return NewSimulated(m.clock), nil
}

func (m *Manager) openModbus(ctx context.Context, owner string, cfg types.DriverConfig) (hardware.Capability, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	device, err := modbus.NewDevice(owner, cfg.Host, cfg.Port, uint8(cfg.UnitID), cfg.Registers, timeout)
	if err != nil {
		return nil, err
	}
	if err := device.Client.Connect(ctx); err != nil {
		// The client re-dials on every read, so the channel recovers once the
		// slave comes up.
		m.logger.Warn("Modbus device unreachable",
			zap.String("owner", owner),
			zap.String("host", cfg.Host),
			zap.Error(err))
	}
	return device, nil
}

func openGPIODriver(_ context.Context, _ string, cfg types.DriverConfig) (hardware.Capability, error) {
	return OpenGPIO(time.Duration(cfg.GateMs) * time.Millisecond)
}

func openADS1115Driver(_ context.Context, _ string, cfg types.DriverConfig) (hardware.Capability, error) {
	return OpenADS1115(cfg.Bus, uint16(cfg.Address), cfg.DataRate)
}

func openHX711Driver(_ context.Context, _ string, cfg types.DriverConfig) (hardware.Capability, error) {
	return OpenHX711(cfg.DataPin, cfg.ClockPin, cfg.Gain)
}

func openThermalDriver(_ context.Context, _ string, cfg types.DriverConfig) (hardware.Capability, error) {
	return NewThermal(cfg.Root), nil
}

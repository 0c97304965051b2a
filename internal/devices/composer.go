package devices

import (
	"fmt"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"go.uber.org/zap"
)

// OpenFunc opens the driver declared on the entity at owner.
type OpenFunc func(owner string, cfg types.DriverConfig) (hardware.Capability, error)

// Composer turns a layout into a live entity graph.
type Composer struct {
	logger *zap.Logger
}

func NewComposer(logger *zap.Logger) *Composer {
	return &Composer{logger: logger}
}

// Compose builds the graph. Drivers are opened in layout order. On error,
// drivers already opened remain owned by whoever supplied open.
func (c *Composer) Compose(layout *types.Layout, open OpenFunc) (*hardware.Graph, error) {
	c.logger.Info("Composing hardware graph",
		zap.String("layout", layout.Name),
		zap.Int("hardware", len(layout.Hardware)))

	b := hardware.NewBuilder()

	for _, hw := range layout.Hardware {
		cfg, err := hardware.NewConfig(hw.Config)
		if err != nil {
			return nil, fmt.Errorf("hardware %s: %w", hw.Name, err)
		}
		drv, err := c.openDriver(hw.Name, hw.Driver, open)
		if err != nil {
			return nil, err
		}
		hid := b.Hardware(hw.Class, hw.Name, cfg, drv)

		for _, mod := range hw.Modules {
			path := hw.Name + "/" + mod.Name
			cfg, err := hardware.NewConfig(mod.Config)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", path, err)
			}
			drv, err := c.openDriver(path, mod.Driver, open)
			if err != nil {
				return nil, err
			}
			mid := b.Module(hid, mod.Class, mod.Name, cfg, drv)
			if err := c.addGroups(b, mid, path, mod.Groups); err != nil {
				return nil, err
			}
			if err := c.addChannels(b, mid, path, mod.Channels); err != nil {
				return nil, err
			}
		}

		if err := c.addGroups(b, hid, hw.Name, hw.Groups); err != nil {
			return nil, err
		}
		if err := c.addChannels(b, hid, hw.Name, hw.Channels); err != nil {
			return nil, err
		}
	}

	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	c.logger.Info("Hardware graph composed",
		zap.String("layout", layout.Name),
		zap.Int("entities", g.Len()),
		zap.Int("channels", len(g.Channels())))

	return g, nil
}

func (c *Composer) openDriver(owner string, cfg *types.DriverConfig, open OpenFunc) (hardware.Capability, error) {
	if cfg == nil {
		return nil, nil
	}
	drv, err := open(owner, *cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s driver for %s: %w", cfg.Type, owner, err)
	}
	c.logger.Debug("Driver opened", zap.String("owner", owner), zap.String("type", cfg.Type))
	return drv, nil
}

func (c *Composer) addGroups(b *hardware.Builder, parent hardware.ID, parentPath string, groups []types.GroupLayout) error {
	for _, grp := range groups {
		path := parentPath + "/" + grp.Name
		cfg, err := hardware.NewConfig(grp.Config)
		if err != nil {
			return fmt.Errorf("group %s: %w", path, err)
		}
		gid := b.MultiChannel(parent, grp.Class, grp.Name, cfg)
		if err := c.addChannels(b, gid, path, grp.Channels); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composer) addChannels(b *hardware.Builder, parent hardware.ID, parentPath string, channels []types.ChannelLayout) error {
	for _, ch := range channels {
		path := parentPath + "/" + ch.Name
		spec, err := channelSpec(ch)
		if err != nil {
			return fmt.Errorf("channel %s: %w", path, err)
		}
		b.Channel(parent, spec)
	}
	return nil
}

func channelSpec(ch types.ChannelLayout) (hardware.ChannelSpec, error) {
	cfg, err := hardware.NewConfig(ch.Config)
	if err != nil {
		return hardware.ChannelSpec{}, err
	}

	spec := hardware.ChannelSpec{
		Class:     ch.Class,
		Name:      ch.Name,
		Type:      ch.Type,
		Unit:      ch.Unit,
		Pin:       ch.Pin,
		Direction: hardware.DirectionInput,
		Config:    cfg,
	}
	if ch.Direction == string(hardware.DirectionOutput) {
		spec.Direction = hardware.DirectionOutput
	}
	if ch.Model != "" {
		m, err := model.Parse(ch.Model)
		if err != nil {
			return hardware.ChannelSpec{}, fmt.Errorf("invalid model: %w", err)
		}
		spec.Model = m
	}
	return spec, nil
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/machine"
	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/sampler"
	"go.uber.org/zap"
)

// Acquisition starts and stops the sampler on behalf of clients.
type Acquisition interface {
	ExecuteCommand(ctx context.Context, cmd machine.Command) (bool, error)
	GetStatus() machine.MachineStatus
}

// StatusSource reports per-channel sampler state.
type StatusSource interface {
	Statuses() []sampler.ChannelStatus
}

// EntityConfig is the GET_CONFIG view of one entity.
type EntityConfig struct {
	hardware.Entity
	Config hardware.Config `json:"config"`
	Model  string          `json:"model,omitempty"`
	Active bool            `json:"active"`
	Level  *float64        `json:"level,omitempty"`
}

type AcquisitionResult struct {
	State   machine.State `json:"state"`
	Changed bool          `json:"changed"`
}

type StatusResult struct {
	Machine  machine.MachineStatus   `json:"machine"`
	Channels []sampler.ChannelStatus `json:"channels"`
}

type WriteResult struct {
	Path  string  `json:"path"`
	Level float64 `json:"level"`
}

// Dispatcher executes protocol requests against the shared system state. It
// is transport agnostic and safe for concurrent use by many sessions.
type Dispatcher struct {
	graph    *hardware.Graph
	store    *configstore.Store
	acq      Acquisition
	statuses StatusSource
	logger   *zap.Logger

	// ledMu serializes keep-alive toggles so two sessions cannot both read
	// the same level.
	ledMu  sync.Mutex
	led    hardware.ID
	hasLED bool
}

func NewDispatcher(g *hardware.Graph, store *configstore.Store, acq Acquisition, statuses StatusSource, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		graph:    g,
		store:    store,
		acq:      acq,
		statuses: statuses,
		logger:   logger,
	}
}

// SetKeepAliveOutput selects the output channel toggled on every KEEPALIVE.
func (d *Dispatcher) SetKeepAliveOutput(path string) error {
	id, err := d.graph.Resolve(path)
	if err != nil {
		return err
	}
	ent, _ := d.graph.Entity(id)
	if ent.Kind != hardware.KindChannel || ent.Direction != hardware.DirectionOutput {
		return fmt.Errorf("%s is not an output channel", path)
	}
	d.led = id
	d.hasLED = true
	return nil
}

// Handle executes req and always returns a response for it.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	result, err := d.handle(ctx, req)
	if err != nil {
		d.logger.Warn("Command failed",
			zap.String("command", string(req.Command)),
			zap.String("path", req.Path),
			zap.Error(err))
		return protocol.Failure(req, err)
	}
	if req.Command != protocol.CommandKeepAlive {
		d.logger.Debug("Command executed",
			zap.String("command", string(req.Command)),
			zap.String("path", req.Path))
	}
	return protocol.Success(req, result)
}

func (d *Dispatcher) handle(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Command {
	case protocol.CommandStart:
		return d.execute(ctx, machine.CommandStart)
	case protocol.CommandStop:
		return d.execute(ctx, machine.CommandStop)
	case protocol.CommandGetConfig:
		return d.getConfig(req.Path)
	case protocol.CommandSetConfig:
		return d.setConfig(req)
	case protocol.CommandSave:
		if err := d.store.Save(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"dir": d.store.Dir()}, nil
	case protocol.CommandLoadUser:
		return d.store.LoadUser(ctx)
	case protocol.CommandLoadDefault:
		return d.store.LoadDefault(ctx)
	case protocol.CommandKeepAlive:
		return d.keepAlive(ctx)
	case protocol.CommandStatus:
		return d.Status(), nil
	case protocol.CommandWriteOutput:
		return d.writeOutput(ctx, req)
	}
	return nil, &protocol.UnknownCommandError{Command: req.Command}
}

func (d *Dispatcher) execute(ctx context.Context, cmd machine.Command) (AcquisitionResult, error) {
	changed, err := d.acq.ExecuteCommand(ctx, cmd)
	res := AcquisitionResult{State: d.acq.GetStatus().State, Changed: changed}
	return res, err
}

// Status combines the machine state with the state of every channel.
func (d *Dispatcher) Status() StatusResult {
	res := StatusResult{Machine: d.acq.GetStatus()}
	if d.statuses != nil {
		res.Channels = d.statuses.Statuses()
	}
	return res
}

func (d *Dispatcher) getConfig(path string) (any, error) {
	if path == "" {
		all := make([]EntityConfig, 0, d.graph.Len())
		for _, id := range d.graph.All() {
			ec, err := d.describe(id)
			if err != nil {
				return nil, err
			}
			all = append(all, ec)
		}
		return all, nil
	}
	id, err := d.graph.Resolve(path)
	if err != nil {
		return nil, err
	}
	return d.describe(id)
}

// Describe returns the configuration view of the entity at path.
func (d *Dispatcher) Describe(path string) (EntityConfig, error) {
	id, err := d.graph.Resolve(path)
	if err != nil {
		return EntityConfig{}, err
	}
	return d.describe(id)
}

func (d *Dispatcher) describe(id hardware.ID) (EntityConfig, error) {
	ent, ok := d.graph.Entity(id)
	if !ok {
		return EntityConfig{}, &hardware.PathNotFoundError{Path: fmt.Sprintf("#%d", id)}
	}
	cfg, err := d.graph.Config(id)
	if err != nil {
		return EntityConfig{}, err
	}
	ec := EntityConfig{Entity: ent, Config: cfg, Active: d.graph.Active(id)}
	if ent.Kind == hardware.KindChannel {
		m, err := d.graph.Model(id)
		if err != nil {
			return EntityConfig{}, err
		}
		ec.Model = m.String()
		if ent.Direction == hardware.DirectionOutput {
			level, err := d.graph.Level(id)
			if err != nil {
				return EntityConfig{}, err
			}
			ec.Level = &level
		}
	}
	return ec, nil
}

// setConfig modifies exactly one field. Anything else is rejected before the
// graph is touched.
func (d *Dispatcher) setConfig(req protocol.Request) (EntityConfig, error) {
	key, raw, err := req.SingleField()
	if err != nil {
		return EntityConfig{}, err
	}
	id, err := d.graph.Resolve(req.Path)
	if err != nil {
		return EntityConfig{}, err
	}

	if key == protocol.KeyModel {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return EntityConfig{}, &hardware.ValidationError{Path: req.Path, Key: key, Reason: "model must be a string"}
		}
		m, err := model.Parse(text)
		if err != nil {
			return EntityConfig{}, &hardware.ValidationError{Path: req.Path, Key: key, Reason: err.Error()}
		}
		if err := d.graph.SetModel(id, m); err != nil {
			return EntityConfig{}, err
		}
		return d.describe(id)
	}

	var v hardware.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return EntityConfig{}, &hardware.ValidationError{Path: req.Path, Key: key, Reason: err.Error()}
	}
	if err := d.graph.SetConfig(id, key, v); err != nil {
		return EntityConfig{}, err
	}
	return d.describe(id)
}

func (d *Dispatcher) keepAlive(ctx context.Context) (map[string]any, error) {
	res := map[string]any{"alive": true}
	if !d.hasLED {
		return res, nil
	}

	d.ledMu.Lock()
	defer d.ledMu.Unlock()

	level, err := d.graph.Level(d.led)
	if err != nil {
		return nil, err
	}
	next := 1.0
	if level != 0 {
		next = 0
	}
	if err := d.graph.WriteRaw(ctx, d.led, next); err != nil {
		return nil, err
	}
	res["led"] = next
	return res, nil
}

func (d *Dispatcher) writeOutput(ctx context.Context, req protocol.Request) (WriteResult, error) {
	id, err := d.graph.Resolve(req.Path)
	if err != nil {
		return WriteResult{}, err
	}
	var level float64
	if err := json.Unmarshal(req.Value, &level); err != nil {
		return WriteResult{}, &hardware.ValidationError{Path: req.Path, Key: "value", Reason: "value must be a number"}
	}
	if err := d.graph.WriteRaw(ctx, id, level); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Path: req.Path, Level: level}, nil
}

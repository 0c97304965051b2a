package devices

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/multierr"
)

//go:embed schema/layout-v1.json
var layoutSchemaJSON string

// Validator checks layouts in two passes: the JSON schema for shape, then
// CheckReferences for everything the schema cannot express.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("layout-v1.json",
		strings.NewReader(layoutSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("layout-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateLayout checks a JSON document against the layout schema.
func (v *Validator) ValidateLayout(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var layout interface{}
	if err := dec.Decode(&layout); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(layout); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// CheckReferences validates cross references of a decoded layout:
// chart numbers are unique, groups hold inputs only, and every channel of a
// modbus entity names a declared register. All violations are reported.
func (v *Validator) CheckReferences(layout *types.Layout) error {
	charts := make(map[int]string)
	var errs error

	checkChannel := func(path string, ch types.ChannelLayout, regs map[string]bool, grouped bool) {
		full := path + "/" + ch.Name
		if grouped && ch.Direction == string(hardware.DirectionOutput) {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: outputs cannot be grouped", full))
		}
		if regs != nil {
			reg := ch.Pin
			if reg == "" {
				reg = ch.Name
			}
			if !regs[reg] {
				errs = multierr.Append(errs, fmt.Errorf("channel %s: unknown register %q", full, reg))
			}
		}
		n, ok, err := chartNumber(ch.Config)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: %w", full, err))
			return
		}
		if !ok {
			return
		}
		if other, dup := charts[n]; dup {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: chart_number %d already used by %s", full, n, other))
			return
		}
		charts[n] = full
	}

	walk := func(path string, drv *types.DriverConfig, inherited map[string]bool, groups []types.GroupLayout, channels []types.ChannelLayout) {
		regs := inherited
		if drv != nil {
			regs = registerNames(drv)
		}
		for _, grp := range groups {
			for _, ch := range grp.Channels {
				checkChannel(path+"/"+grp.Name, ch, regs, true)
			}
		}
		for _, ch := range channels {
			checkChannel(path, ch, regs, false)
		}
	}

	for _, hw := range layout.Hardware {
		var hwRegs map[string]bool
		if hw.Driver != nil {
			hwRegs = registerNames(hw.Driver)
		}
		for _, mod := range hw.Modules {
			walk(hw.Name+"/"+mod.Name, mod.Driver, hwRegs, mod.Groups, mod.Channels)
		}
		walk(hw.Name, hw.Driver, nil, hw.Groups, hw.Channels)
	}

	return errs
}

// registerNames returns nil for anything but a modbus driver.
func registerNames(drv *types.DriverConfig) map[string]bool {
	if drv.Type != types.DriverModbus {
		return nil
	}
	names := make(map[string]bool, len(drv.Registers))
	for _, reg := range drv.Registers {
		names[reg.Name] = true
	}
	return names
}

func chartNumber(cfg map[string]any) (int, bool, error) {
	raw, ok := cfg[hardware.KeyChartNumber]
	if !ok {
		return 0, false, nil
	}
	var n float64
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, errors.New("chart_number is not a number")
		}
		n = f
	case float64:
		n = v
	case int:
		n = float64(v)
	default:
		return 0, false, fmt.Errorf("chart_number has type %T", raw)
	}
	return int(n), true, nil
}

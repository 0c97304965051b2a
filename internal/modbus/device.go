package modbus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
)

// Device exposes the registers of one Modbus TCP slave as a hardware
// capability. A channel addresses a register by its pin, or by its name when
// no pin is set.
type Device struct {
	Name        string
	UnitID      uint8
	Client      *Client
	RegisterMap map[string]*types.RegisterDefinition
	mu          sync.RWMutex
	lastValues  map[string]float64
}

func NewDevice(name, host string, port int, unitID uint8, registers []types.RegisterDefinition, timeout time.Duration) (*Device, error) {
	registerMap := make(map[string]*types.RegisterDefinition, len(registers))
	for i := range registers {
		reg := &registers[i]
		if _, dup := registerMap[reg.Name]; dup {
			return nil, fmt.Errorf("duplicate register %q", reg.Name)
		}
		registerMap[reg.Name] = reg
	}
	if port == 0 {
		port = 502
	}

	return &Device{
		Name:        name,
		UnitID:      unitID,
		Client:      NewClient(fmt.Sprintf("%s:%d", host, port), timeout),
		RegisterMap: registerMap,
		lastValues:  make(map[string]float64),
	}, nil
}

// Close drops the TCP connection.
func (d *Device) Close() error {
	return d.Client.Close()
}

func registerFor(line hardware.Line) string {
	if line.Pin != "" {
		return line.Pin
	}
	return line.Name
}

func (d *Device) ReadRaw(ctx context.Context, line hardware.Line) (float64, error) {
	return d.ReadRegister(ctx, registerFor(line))
}

func (d *Device) WriteRaw(ctx context.Context, line hardware.Line, value float64) error {
	return d.WriteRegister(ctx, registerFor(line), value)
}

func (d *Device) ReadRegister(ctx context.Context, registerName string) (float64, error) {
	d.mu.RLock()
	reg, exists := d.RegisterMap[registerName]
	d.mu.RUnlock()

	if !exists {
		return 0, fmt.Errorf("register not found: %s", registerName)
	}

	var value float64
	switch reg.Type {
	case types.RegisterTypeCoil, types.RegisterTypeDiscreteInput:
		read := d.Client.ReadCoils
		if reg.Type == types.RegisterTypeDiscreteInput {
			read = d.Client.ReadDiscreteInputs
		}
		bits, err := read(ctx, d.UnitID, reg.Address, 1)
		if err != nil {
			return 0, fmt.Errorf("failed to read register %s: %w", registerName, err)
		}
		if bits[0] {
			value = 1
		}
	case types.RegisterTypeHoldingRegister, types.RegisterTypeInputRegister:
		read := d.Client.ReadHoldingRegisters
		if reg.Type == types.RegisterTypeInputRegister {
			read = d.Client.ReadInputRegisters
		}
		quantity := registerQuantity(reg.DataType)
		values, err := read(ctx, d.UnitID, reg.Address, quantity)
		if err != nil {
			return 0, fmt.Errorf("failed to read register %s: %w", registerName, err)
		}
		if len(values) < int(quantity) {
			return 0, fmt.Errorf("register %s: short response (%d of %d words)", registerName, len(values), quantity)
		}
		value = convertRegisterValue(values, reg.DataType, reg.ScaleFactor)
	default:
		return 0, fmt.Errorf("unsupported register type: %s", reg.Type)
	}

	d.mu.Lock()
	d.lastValues[registerName] = value
	d.mu.Unlock()

	return value, nil
}

func (d *Device) WriteRegister(ctx context.Context, registerName string, value float64) error {
	d.mu.RLock()
	reg, exists := d.RegisterMap[registerName]
	d.mu.RUnlock()

	if !exists {
		return fmt.Errorf("register not found: %s", registerName)
	}
	if reg.Access != types.AccessTypeReadWrite {
		return fmt.Errorf("register %s is read-only", registerName)
	}

	switch reg.Type {
	case types.RegisterTypeCoil:
		return d.Client.WriteSingleCoil(ctx, d.UnitID, reg.Address, value != 0)
	case types.RegisterTypeHoldingRegister:
	default:
		return fmt.Errorf("register %s of type %s is not writable", registerName, reg.Type)
	}

	scale := reg.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}
	scaled := math.Round(value / scale)

	var regValue uint16
	switch reg.DataType {
	case types.DataTypeUint16:
		if scaled < 0 || scaled > math.MaxUint16 {
			return fmt.Errorf("value %v out of range for %s", value, registerName)
		}
		regValue = uint16(scaled)
	case types.DataTypeInt16:
		if scaled < math.MinInt16 || scaled > math.MaxInt16 {
			return fmt.Errorf("value %v out of range for %s", value, registerName)
		}
		regValue = uint16(int16(scaled))
	default:
		return fmt.Errorf("only int16/uint16 write supported for now")
	}

	return d.Client.WriteSingleRegister(ctx, d.UnitID, reg.Address, regValue)
}

func (d *Device) GetLastValue(registerName string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, exists := d.lastValues[registerName]
	return value, exists
}

func registerQuantity(dataType types.DataType) uint16 {
	switch dataType {
	case types.DataTypeInt32, types.DataTypeUint32, types.DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// convertRegisterValue decodes big-endian words, high word first.
func convertRegisterValue(registers []uint16, dataType types.DataType, scaleFactor float64) float64 {
	if scaleFactor == 0 {
		scaleFactor = 1.0
	}

	switch dataType {
	case types.DataTypeInt16:
		return float64(int16(registers[0])) * scaleFactor
	case types.DataTypeUint32:
		return float64(uint32(registers[0])<<16|uint32(registers[1])) * scaleFactor
	case types.DataTypeInt32:
		return float64(int32(uint32(registers[0])<<16|uint32(registers[1]))) * scaleFactor
	case types.DataTypeFloat32:
		return float64(math.Float32frombits(uint32(registers[0])<<16|uint32(registers[1]))) * scaleFactor
	case types.DataTypeBool:
		if registers[0] != 0 {
			return 1
		}
		return 0
	}
	return float64(registers[0]) * scaleFactor
}

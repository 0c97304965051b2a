package types

// Layout describes the fixed hardware of one installation. Hardware roots
// own modules, modules own channels; groups bundle channels that are sampled
// together.
type Layout struct {
	Version  int              `json:"version"`
	Name     string           `json:"name,omitempty"`
	Hardware []HardwareLayout `json:"hardware"`
}

type HardwareLayout struct {
	Class    string          `json:"class"`
	Name     string          `json:"name"`
	Driver   *DriverConfig   `json:"driver,omitempty"`
	Config   map[string]any  `json:"config,omitempty"`
	Modules  []ModuleLayout  `json:"modules,omitempty"`
	Groups   []GroupLayout   `json:"groups,omitempty"`
	Channels []ChannelLayout `json:"channels,omitempty"`
}

type ModuleLayout struct {
	Class    string          `json:"class"`
	Name     string          `json:"name"`
	Driver   *DriverConfig   `json:"driver,omitempty"`
	Config   map[string]any  `json:"config,omitempty"`
	Groups   []GroupLayout   `json:"groups,omitempty"`
	Channels []ChannelLayout `json:"channels,omitempty"`
}

// GroupLayout is a multi-channel: all members are read in one tick.
type GroupLayout struct {
	Class    string          `json:"class"`
	Name     string          `json:"name"`
	Config   map[string]any  `json:"config,omitempty"`
	Channels []ChannelLayout `json:"channels"`
}

type ChannelLayout struct {
	Class     string         `json:"class"`
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"` // voltage, thermocouple, frequency, digital, weight, ...
	Unit      string         `json:"unit,omitempty"`
	Pin       string         `json:"pin,omitempty"`
	Direction string         `json:"direction,omitempty"` // input (default) or output
	Config    map[string]any `json:"config,omitempty"`
	Model     string         `json:"model,omitempty"`
}

// Driver types
const (
	DriverSimulated = "simulated"
	DriverGPIO      = "gpio"
	DriverADS1115   = "ads1115"
	DriverHX711     = "hx711"
	DriverModbus    = "modbus"
	DriverThermal   = "thermal"
)

// DriverConfig selects and parameterizes the capability backing an entity.
// Only the fields of the selected type are read.
type DriverConfig struct {
	Type string `json:"type"`

	// ads1115
	Bus      string `json:"bus,omitempty"`
	Address  int    `json:"address,omitempty"`
	DataRate int    `json:"data_rate,omitempty"`

	// hx711
	DataPin  string `json:"data_pin,omitempty"`
	ClockPin string `json:"clock_pin,omitempty"`
	Gain     int    `json:"gain,omitempty"`

	// gpio
	GateMs int `json:"gate_ms,omitempty"`

	// modbus
	Host      string               `json:"host,omitempty"`
	Port      int                  `json:"port,omitempty"`
	UnitID    int                  `json:"unit_id,omitempty"`
	TimeoutMs int                  `json:"timeout_ms,omitempty"`
	Registers []RegisterDefinition `json:"registers,omitempty"`

	// thermal
	Root string `json:"root,omitempty"`
}

type RegisterDefinition struct {
	Name        string       `json:"name"`
	Address     uint16       `json:"address"`
	Type        RegisterType `json:"type"`
	DataType    DataType     `json:"data_type"`
	ScaleFactor float64      `json:"scale_factor,omitempty"`
	Unit        string       `json:"unit,omitempty"`
	Access      AccessType   `json:"access,omitempty"`
	Description string       `json:"description,omitempty"`
}

type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

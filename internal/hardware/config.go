package hardware

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Well-known config keys.
const (
	KeyEnabled     = "enabled"
	KeySampleRate  = "sample_rate"
	KeyChartNumber = "chart_number"
)

// Config is an immutable set of options attached to an entity. Unknown keys
// are carried unchanged.
type Config struct {
	values map[string]Value
}

// NewConfig builds a Config from native scalars.
func NewConfig(values map[string]any) (Config, error) {
	out := Config{values: make(map[string]Value, len(values))}
	for k, raw := range values {
		v, err := ValueOf(raw)
		if err != nil {
			return Config{}, fmt.Errorf("key %q: %w", k, err)
		}
		out.values[k] = v
	}
	return out, nil
}

func (c Config) Get(key string) (Value, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c Config) Len() int { return len(c.values) }

// Keys returns the option names in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of c with key set to v.
func (c Config) With(key string, v Value) Config {
	out := Config{values: make(map[string]Value, len(c.values)+1)}
	for k, old := range c.values {
		out.values[k] = old
	}
	out.values[key] = v
	return out
}

// Overlay returns a copy of c with every key of o applied on top.
func (c Config) Overlay(o Config) Config {
	out := Config{values: make(map[string]Value, len(c.values)+len(o.values))}
	for k, v := range c.values {
		out.values[k] = v
	}
	for k, v := range o.values {
		out.values[k] = v
	}
	return out
}

func (c Config) Equal(o Config) bool {
	if len(c.values) != len(o.values) {
		return false
	}
	for k, v := range c.values {
		if ov, ok := o.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Map returns the options as native Go scalars.
func (c Config) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v.Interface()
	}
	return out
}

// Enabled reports the enabled flag. A missing flag counts as enabled.
func (c Config) Enabled() bool {
	v, ok := c.values[KeyEnabled]
	if !ok {
		return true
	}
	b, _ := v.AsBool()
	return b
}

// SampleRate returns the configured rate in Hz, if any.
func (c Config) SampleRate() (float64, bool) {
	v, ok := c.values[KeySampleRate]
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

func (c Config) ChartNumber() (int, bool) {
	v, ok := c.values[KeyChartNumber]
	if !ok {
		return 0, false
	}
	i, ok := v.AsInt()
	return int(i), ok
}

func (c Config) MarshalJSON() ([]byte, error) {
	if c.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.values)
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var values map[string]Value
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values == nil {
		values = map[string]Value{}
	}
	c.values = values
	return nil
}

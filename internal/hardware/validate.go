package hardware

import (
	"fmt"
	"math"
)

// MinSampleRate is the slowest positive sample_rate: one sample per day.
const MinSampleRate = 1.0 / 86400

// Validator checks and normalizes the value written to a known key.
type Validator func(v Value) (Value, error)

var validators = map[string]Validator{
	KeyEnabled:     validateEnabled,
	KeySampleRate:  validateSampleRate,
	KeyChartNumber: validateChartNumber,
}

func validateEnabled(v Value) (Value, error) {
	if b, ok := v.AsBool(); ok {
		return Bool(b), nil
	}
	return Value{}, fmt.Errorf("must be a boolean, got %s", v.Kind())
}

func validateSampleRate(v Value) (Value, error) {
	f, ok := v.AsFloat()
	if !ok {
		return Value{}, fmt.Errorf("must be a number, got %s", v.Kind())
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("must be finite")
	}
	if f > 0 && f < MinSampleRate {
		return Value{}, fmt.Errorf("must be at least %g (one sample per day), or <= 0 for full speed", MinSampleRate)
	}
	return Float(f), nil
}

func validateChartNumber(v Value) (Value, error) {
	i, ok := v.AsInt()
	if !ok {
		return Value{}, fmt.Errorf("must be an integer, got %s", v.Kind())
	}
	if i < 0 || i > 999 {
		return Value{}, fmt.Errorf("must be within 0..999")
	}
	return Int(i), nil
}

// validateKey runs the validator registered for key. Unknown keys pass
// through unchanged.
func validateKey(key string, v Value) (Value, error) {
	if !v.IsValid() {
		return Value{}, fmt.Errorf("missing value")
	}
	fn, ok := validators[key]
	if !ok {
		if f, isFloat := v.AsFloat(); isFloat && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return Value{}, fmt.Errorf("must be finite")
		}
		return v, nil
	}
	return fn(v)
}

// ValidateConfig checks every key of c without touching the graph.
func ValidateConfig(path string, c Config) error {
	_, err := normalizeConfig(path, c)
	return err
}

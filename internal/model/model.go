// Package model implements the sensor transfer functions that map a raw
// hardware reading onto an engineering value.
package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	ClassLinear  = "LinearModel"
	ClassNTC     = "NTCModel"
	ClassPTx     = "PTxModel"
	ClassKTYx    = "KTYxModel"
	ClassStacked = "StackedModel"
)

const (
	kelvinOffset = 273.15

	DefaultNTCT0     = 25.0
	DefaultPTxAlpha  = 3.85e-3
	DefaultKTYxAlpha = 7.88e-3
	DefaultKTYxBeta  = 1.937e-5
	DefaultKTYxT0    = 25.0
)

// Model is a pure numeric transform. Implementations are immutable value
// objects; reconfiguring a channel replaces the whole Model.
type Model interface {
	Apply(raw float64) (float64, error)
	Class() string
	String() string
}

// DomainError reports a raw input outside the physical domain of a model.
type DomainError struct {
	Model  string
	Input  float64
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: input %s out of domain: %s", e.Model, formatFloat(e.Input), e.Reason)
}

func domainErr(class string, x float64, reason string) error {
	return &DomainError{Model: class, Input: x, Reason: reason}
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// checkIO guards a transform against non-finite input and output.
func checkIO(class string, x float64, f func(float64) (float64, error)) (float64, error) {
	if !finite(x) {
		return 0, domainErr(class, x, "non-finite input")
	}
	y, err := f(x)
	if err != nil {
		return 0, err
	}
	if !finite(y) {
		return 0, domainErr(class, x, "non-finite result")
	}
	return y, nil
}

// Linear implements y = x*Gain + Offset.
type Linear struct {
	Offset float64
	Gain   float64
}

// Identity returns the default channel model, Linear(0, 1).
func Identity() Linear {
	return Linear{Offset: 0, Gain: 1}
}

func NewLinear(offset, gain float64) (Linear, error) {
	if !finite(offset) || !finite(gain) {
		return Linear{}, fmt.Errorf("%s: offset and gain must be finite", ClassLinear)
	}
	return Linear{Offset: offset, Gain: gain}, nil
}

func (m Linear) Apply(x float64) (float64, error) {
	return checkIO(ClassLinear, x, func(x float64) (float64, error) {
		return x*m.Gain + m.Offset, nil
	})
}

func (m Linear) Class() string { return ClassLinear }

func (m Linear) String() string {
	return fmt.Sprintf("%s(offset=%s, gain=%s)", ClassLinear, formatFloat(m.Offset), formatFloat(m.Gain))
}

// NTC converts thermistor resistance to °C with the Beta equation.
// T0 is the reference temperature in °C at which the resistance is R0.
type NTC struct {
	R0   float64
	Beta float64
	T0   float64
}

func NewNTC(r0, beta, t0 float64) (NTC, error) {
	if !finite(r0) || r0 <= 0 {
		return NTC{}, fmt.Errorf("%s: r0 must be > 0", ClassNTC)
	}
	if !finite(beta) || beta == 0 {
		return NTC{}, fmt.Errorf("%s: beta must be non-zero", ClassNTC)
	}
	if !finite(t0) || t0 <= -kelvinOffset {
		return NTC{}, fmt.Errorf("%s: t0 must be above absolute zero", ClassNTC)
	}
	return NTC{R0: r0, Beta: beta, T0: t0}, nil
}

func (m NTC) Apply(r float64) (float64, error) {
	return checkIO(ClassNTC, r, func(r float64) (float64, error) {
		if r <= 0 {
			return 0, domainErr(ClassNTC, r, "resistance must be > 0")
		}
		inv := 1/(m.T0+kelvinOffset) + math.Log(r/m.R0)/m.Beta
		if inv <= 0 {
			return 0, domainErr(ClassNTC, r, "temperature below absolute zero")
		}
		return 1/inv - kelvinOffset, nil
	})
}

func (m NTC) Class() string { return ClassNTC }

func (m NTC) String() string {
	return fmt.Sprintf("%s(r0=%s, beta=%s, t0=%s)", ClassNTC,
		formatFloat(m.R0), formatFloat(m.Beta), formatFloat(m.T0))
}

// PTx is a platinum RTD (Pt100, Pt1000, ...) with a linear alpha coefficient.
type PTx struct {
	R0    float64
	Alpha float64
}

func NewPTx(r0, alpha float64) (PTx, error) {
	if !finite(r0) || r0 <= 0 {
		return PTx{}, fmt.Errorf("%s: r0 must be > 0", ClassPTx)
	}
	if !finite(alpha) || alpha == 0 {
		return PTx{}, fmt.Errorf("%s: alpha must be non-zero", ClassPTx)
	}
	return PTx{R0: r0, Alpha: alpha}, nil
}

func (m PTx) Apply(r float64) (float64, error) {
	return checkIO(ClassPTx, r, func(r float64) (float64, error) {
		if r <= 0 {
			return 0, domainErr(ClassPTx, r, "resistance must be > 0")
		}
		return (r - m.R0) / (m.R0 * m.Alpha), nil
	})
}

func (m PTx) Class() string { return ClassPTx }

func (m PTx) String() string {
	if m.Alpha == DefaultPTxAlpha {
		return fmt.Sprintf("%s(r0=%s)", ClassPTx, formatFloat(m.R0))
	}
	return fmt.Sprintf("%s(r0=%s, alpha=%s)", ClassPTx, formatFloat(m.R0), formatFloat(m.Alpha))
}

// KTYx is a silicon spreading-resistance sensor with the quadratic curve
// R(T) = R0 * (1 + Alpha*(T-T0) + Beta*(T-T0)^2).
type KTYx struct {
	R0    float64
	Alpha float64
	Beta  float64
	T0    float64
}

func NewKTYx(r0, alpha, beta, t0 float64) (KTYx, error) {
	if !finite(r0) || r0 <= 0 {
		return KTYx{}, fmt.Errorf("%s: r0 must be > 0", ClassKTYx)
	}
	if !finite(alpha) || !finite(beta) || !finite(t0) {
		return KTYx{}, fmt.Errorf("%s: coefficients must be finite", ClassKTYx)
	}
	if alpha == 0 && beta == 0 {
		return KTYx{}, fmt.Errorf("%s: alpha and beta must not both be zero", ClassKTYx)
	}
	return KTYx{R0: r0, Alpha: alpha, Beta: beta, T0: t0}, nil
}

func (m KTYx) Apply(r float64) (float64, error) {
	return checkIO(ClassKTYx, r, func(r float64) (float64, error) {
		if r <= 0 {
			return 0, domainErr(ClassKTYx, r, "resistance must be > 0")
		}
		if m.Beta == 0 {
			return m.T0 + (r/m.R0-1)/m.Alpha, nil
		}
		x := m.Alpha*m.Alpha - 4*m.Beta + 4*m.Beta*r/m.R0
		if x < 0 {
			return 0, domainErr(ClassKTYx, r, "no real solution")
		}
		return m.T0 + (math.Sqrt(x)-m.Alpha)/(2*m.Beta), nil
	})
}

func (m KTYx) Class() string { return ClassKTYx }

func (m KTYx) String() string {
	return fmt.Sprintf("%s(r0=%s, alpha=%s, beta=%s, t0=%s)", ClassKTYx,
		formatFloat(m.R0), formatFloat(m.Alpha), formatFloat(m.Beta), formatFloat(m.T0))
}

// Stacked feeds the output of each model into the next, left to right.
type Stacked struct {
	models []Model
}

// NewStacked builds a chain. An empty chain normalizes to Identity and a
// single element is returned unwrapped.
func NewStacked(models ...Model) Model {
	flat := make([]Model, 0, len(models))
	for _, m := range models {
		if m == nil {
			continue
		}
		flat = append(flat, m)
	}
	switch len(flat) {
	case 0:
		return Identity()
	case 1:
		return flat[0]
	}
	return Stacked{models: flat}
}

// Models returns a copy of the chain.
func (m Stacked) Models() []Model {
	out := make([]Model, len(m.models))
	copy(out, m.models)
	return out
}

func (m Stacked) Apply(x float64) (float64, error) {
	var err error
	for _, stage := range m.models {
		if x, err = stage.Apply(x); err != nil {
			return 0, err
		}
	}
	return x, nil
}

func (m Stacked) Class() string { return ClassStacked }

func (m Stacked) String() string {
	parts := make([]string, len(m.models))
	for i, stage := range m.models {
		parts[i] = stage.String()
	}
	return fmt.Sprintf("%s([%s])", ClassStacked, strings.Join(parts, ", "))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

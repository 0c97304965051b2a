package model

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearApply(t *testing.T) {
	cases := []struct {
		offset, gain, x, want float64
	}{
		{0, 1, 3.5, 3.5},
		{1, 2, 3, 7},
		{-10, 0.5, 4, -8},
		{0, 2000, 5, 10000},
	}
	for _, tc := range cases {
		m, err := NewLinear(tc.offset, tc.gain)
		require.NoError(t, err)
		got, err := m.Apply(tc.x)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-12)
	}
}

func TestIdentity(t *testing.T) {
	for _, x := range []float64{-1e6, -1, 0, 0.25, 42} {
		got, err := Identity().Apply(x)
		require.NoError(t, err)
		assert.Equal(t, x, got)
	}
}

func TestNTCOverLinear(t *testing.T) {
	lin, err := NewLinear(0, 2000)
	require.NoError(t, err)
	ntc, err := NewNTC(10000, 4300, 25)
	require.NoError(t, err)

	chain := NewStacked(lin, ntc)
	got, err := chain.Apply(5)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, got, 1e-9)
}

func TestStackedFoldsLeftToRight(t *testing.T) {
	a := Linear{Offset: 1, Gain: 2}
	b := Linear{Offset: -3, Gain: 10}
	c := PTx{R0: 100, Alpha: DefaultPTxAlpha}

	chain := NewStacked(a, b, c)
	x := 7.0

	want := x
	for _, m := range []Model{a, b, c} {
		var err error
		want, err = m.Apply(want)
		require.NoError(t, err)
	}
	got, err := chain.Apply(x)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestEmptyStackedIsIdentity(t *testing.T) {
	m := NewStacked()
	assert.Equal(t, Identity(), m)

	single := NewStacked(Linear{Offset: 2, Gain: 3})
	assert.Equal(t, Linear{Offset: 2, Gain: 3}, single)
}

func TestDomainErrors(t *testing.T) {
	ntc, _ := NewNTC(10000, 4300, 25)
	ptx, _ := NewPTx(100, DefaultPTxAlpha)
	kty, _ := NewKTYx(1000, DefaultKTYxAlpha, DefaultKTYxBeta, DefaultKTYxT0)

	cases := []struct {
		name string
		m    Model
		x    float64
	}{
		{"ntc zero", ntc, 0},
		{"ntc negative", ntc, -5},
		{"ptx zero", ptx, 0},
		{"kty negative", kty, -1},
		{"linear nan", Identity(), math.NaN()},
		{"linear inf", Identity(), math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.m.Apply(tc.x)
			var de *DomainError
			require.True(t, errors.As(err, &de), "expected DomainError, got %v", err)
			assert.Equal(t, tc.m.Class(), de.Model)
		})
	}
}

func TestStackedPropagatesDomainError(t *testing.T) {
	ntc, _ := NewNTC(10000, 4300, 25)
	chain := NewStacked(Linear{Offset: -100, Gain: 1}, ntc)
	_, err := chain.Apply(50)
	var de *DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ClassNTC, de.Model)
}

func TestPTxAndKTYxAtReference(t *testing.T) {
	ptx, err := NewPTx(100, DefaultPTxAlpha)
	require.NoError(t, err)
	got, err := ptx.Apply(100)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-12)

	got, err = ptx.Apply(138.5)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got, 1e-9)

	kty, err := NewKTYx(2000, DefaultKTYxAlpha, DefaultKTYxBeta, DefaultKTYxT0)
	require.NoError(t, err)
	got, err = kty.Apply(2000)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, got, 1e-9)
}

func TestConstructorsRejectInvalidParameters(t *testing.T) {
	_, err := NewNTC(0, 4300, 25)
	assert.Error(t, err)
	_, err = NewNTC(10000, 0, 25)
	assert.Error(t, err)
	_, err = NewPTx(-1, DefaultPTxAlpha)
	assert.Error(t, err)
	_, err = NewKTYx(1000, 0, 0, 25)
	assert.Error(t, err)
	_, err = NewLinear(math.NaN(), 1)
	assert.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	inputs := []string{
		"LinearModel(offset=0, gain=1)",
		"LinearModel(offset=-1.5, gain=2000)",
		"NTCModel(r0=10000, beta=4300, t0=25)",
		"PTxModel(r0=100)",
		"PTxModel(r0=1000, alpha=0.00392)",
		"KTYxModel(r0=2000, alpha=0.00788, beta=1.937e-05, t0=25)",
		"StackedModel([LinearModel(offset=0, gain=2000), NTCModel(r0=10000, beta=4300, t0=25)])",
	}
	for _, in := range inputs {
		m, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, m.String())

		again, err := Parse(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, again)
	}
}

func TestParseDefaultsAndPositional(t *testing.T) {
	m, err := Parse("NTCModel(10000, 3950)")
	require.NoError(t, err)
	assert.Equal(t, NTC{R0: 10000, Beta: 3950, T0: 25}, m)

	m, err = Parse("  KTYxModel( r0 = 1000 ) ")
	require.NoError(t, err)
	assert.Equal(t, KTYx{R0: 1000, Alpha: DefaultKTYxAlpha, Beta: DefaultKTYxBeta, T0: DefaultKTYxT0}, m)

	m, err = Parse("StackedModel([])")
	require.NoError(t, err)
	assert.Equal(t, Identity(), m)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"",
		"__import__('os')",
		"LinearModel(offset=0)",
		"LinearModel(offset=0, gain=1, bias=2)",
		"LinearModel(offset=0, offset=1)",
		"FooModel(a=1)",
		"LinearModel(offset=0, gain=1) trailing",
		"StackedModel(LinearModel(offset=0, gain=1))",
		"NTCModel(r0=0, beta=1)",
	} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func nestedStack(levels int) string {
	return strings.Repeat("StackedModel([", levels) + "LinearModel(offset=0, gain=2)" + strings.Repeat("])", levels)
}

func TestParseBoundsNesting(t *testing.T) {
	m, err := Parse(nestedStack(maxDepth - 1))
	require.NoError(t, err)
	v, err := m.Apply(3)
	require.NoError(t, err)
	assert.Equal(t, 6.0, v)

	_, err = Parse(nestedStack(maxDepth))
	assert.ErrorContains(t, err, "nested deeper")

	_, err = Parse(nestedStack(1 << 20))
	assert.ErrorContains(t, err, "nested deeper")
}

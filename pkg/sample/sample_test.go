package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdjust(t *testing.T) {
	tests := []struct {
		name     string
		raw      float64
		baseline float64
		want     float64
	}{
		{name: "at baseline", raw: 99.5, baseline: 99.5, want: 0},
		{name: "below baseline", raw: 98.0, baseline: 99.5, want: 1.5},
		{name: "above baseline", raw: 101.0, baseline: 99.5, want: 1.5},
		{name: "negative readings", raw: -3.0, baseline: -1.0, want: 2.0},
		{name: "zero baseline", raw: -2.5, baseline: 0, want: 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Adjust(tt.raw, tt.baseline)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.GreaterOrEqual(t, got, 0.0)
		})
	}
}

func TestVelocity(t *testing.T) {
	tests := []struct {
		name     string
		currDisp float64
		currT    float64
		prevDisp float64
		prevT    float64
		want     float64
	}{
		{name: "no previous sample", currDisp: 1.5, currT: 0.2, prevDisp: 0, prevT: 0, want: 0},
		{name: "negative previous time", currDisp: 1.5, currT: 0.2, prevDisp: 0, prevT: -1, want: 0},
		{name: "zero elapsed", currDisp: 2.0, currT: 0.4, prevDisp: 1.0, prevT: 0.4, want: 0},
		{name: "advancing", currDisp: 2.0, currT: 0.4, prevDisp: 1.0, prevT: 0.2, want: 5.0},
		{name: "retreating", currDisp: 1.0, currT: 0.6, prevDisp: 2.0, prevT: 0.4, want: -5.0},
		{name: "stationary", currDisp: 1.0, currT: 0.6, prevDisp: 1.0, prevT: 0.4, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Velocity(tt.currDisp, tt.currT, tt.prevDisp, tt.prevT)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestVelocity_EqualTimestampsNeverDivide(t *testing.T) {
	for _, ts := range []float64{0, 1e-9, 0.2, 1, 1e6} {
		for _, d := range []float64{-100, 0, 0.5, 1e9} {
			v := Velocity(d, ts, 0, ts)
			assert.Equal(t, 0.0, v)
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}

func TestDifferentiator(t *testing.T) {
	var d Differentiator

	// First sample at t=0 has velocity 0
	assert.Equal(t, 0.0, d.Next(0, 0))

	// Second sample differentiates against the t=0 sample
	assert.InDelta(t, 1.5/0.25, d.Next(1.5, 0.25), 1e-12)

	// Equal timestamps
	assert.Equal(t, 0.0, d.Next(3.0, 0.25))

	d.Reset()
	assert.Equal(t, 0.0, d.Next(10, 5))
	assert.InDelta(t, -2.0, d.Next(8, 6), 1e-12)
}

func TestRows(t *testing.T) {
	samples := []Sample{
		{TForce: 0, TDisp: 0, Force: 11, DisplacementRaw: 99.5, Displacement: 0, Velocity: 0, Skew: 0},
		{TForce: 0.2, TDisp: 0.25, Force: 15, DisplacementRaw: 98, Displacement: 1.5, Velocity: 6, Skew: -0.05},
	}

	rows := Rows(samples)
	assert.Equal(t, []Row{
		{TForce: 0, TDisp: 0, Force: 11, Displacement: 0, Velocity: 0, Skew: 0},
		{TForce: 0.2, TDisp: 0.25, Force: 15, Displacement: 1.5, Velocity: 6, Skew: -0.05},
	}, rows)
	assert.Empty(t, Rows(nil))
}

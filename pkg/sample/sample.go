package sample

import "math"

// Sample represents one aligned observation of both instruments.
// Times are seconds since the trigger, each on its own channel clock.
type Sample struct {
	TForce          float64 // Force query timestamp (s)
	TDisp           float64 // Displacement query timestamp (s)
	Force           float64 // Force (N)
	DisplacementRaw float64 // Indicator reading (mm)
	Displacement    float64 // |DisplacementRaw - baseline| (mm)
	Velocity        float64 // Displacement rate (mm/s)
	Skew            float64 // TForce - TDisp (s), recorded, never corrected
}

// Row is the exported snapshot shape consumed by exporters and live streams.
type Row struct {
	TForce       float64 `json:"t_force"`
	TDisp        float64 `json:"t_disp"`
	Force        float64 `json:"force"`
	Displacement float64 `json:"displacement"`
	Velocity     float64 `json:"velocity"`
	Skew         float64 `json:"skew"`
}

// Row converts the sample to its exported shape.
func (s Sample) Row() Row {
	return Row{
		TForce:       s.TForce,
		TDisp:        s.TDisp,
		Force:        s.Force,
		Displacement: s.Displacement,
		Velocity:     s.Velocity,
		Skew:         s.Skew,
	}
}

// Rows converts a snapshot to exported rows, preserving order.
func Rows(samples []Sample) []Row {
	rows := make([]Row, len(samples))
	for i, s := range samples {
		rows[i] = s.Row()
	}
	return rows
}

// Adjust returns the displacement relative to baseline. Never negative.
func Adjust(raw, baseline float64) float64 {
	return math.Abs(raw - baseline)
}

// Velocity returns (currDisp - prevDisp) / (currT - prevT). It returns 0 when
// there is no previous sample (prevT <= 0) or no elapsed time.
func Velocity(currDisp, currT, prevDisp, prevT float64) float64 {
	if prevT <= 0 {
		return 0
	}
	return rate(currDisp-prevDisp, currT-prevT)
}

func rate(delta, dt float64) float64 {
	if dt == 0 {
		return 0
	}
	return delta / dt
}

// Differentiator tracks the previous displacement sample of a recording and
// derives velocity from consecutive samples. The first sample has velocity 0.
//
// Unlike Velocity it does not treat a previous timestamp of 0 as missing: the
// trigger sample is recorded at t=0 and the next sample differentiates
// against it.
type Differentiator struct {
	prevDisp float64
	prevT    float64
	primed   bool
}

// Next returns the velocity of (disp, t) relative to the previous call and
// remembers it.
func (d *Differentiator) Next(disp, t float64) float64 {
	var v float64
	if d.primed {
		v = rate(disp-d.prevDisp, t-d.prevT)
	}
	d.prevDisp = disp
	d.prevT = t
	d.primed = true
	return v
}

// Reset forgets the previous sample.
func (d *Differentiator) Reset() {
	*d = Differentiator{}
}

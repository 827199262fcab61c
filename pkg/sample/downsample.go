package sample

// Downsample reduces a slice of samples to at most maxPoints for display.
// Uses simple decimation; the last sample is always kept so the display ends
// at the latest reading.
// Destination-based: reuses dst if it has sufficient capacity, otherwise allocates new.
func Downsample(dst []Sample, samples []Sample, maxPoints int) []Sample {
	if maxPoints <= 0 || len(samples) <= maxPoints {
		if cap(dst) >= len(samples) {
			dst = dst[:len(samples)]
			copy(dst, samples)
			return dst
		}
		result := make([]Sample, len(samples))
		copy(result, samples)
		return result
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]Sample, 0, maxPoints)
	}

	if maxPoints == 1 {
		return append(dst, samples[len(samples)-1])
	}

	// Spread maxPoints over [0, len-1] inclusive
	step := float64(len(samples)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints; i++ {
		idx := int(float64(i)*step + 0.5)
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		dst = append(dst, samples[idx])
	}

	return dst
}

// Window returns the most recent n samples (all if n <= 0), sharing storage
// with samples.
func Window(samples []Sample, n int) []Sample {
	if n <= 0 || len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}

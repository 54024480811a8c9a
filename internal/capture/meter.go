package capture

import "math"

// RMS returns the root-mean-square amplitude of a block of float32 samples.
// Non-finite samples count as zero so a corrupt block cannot poison the
// noise-floor tracker.
func RMS(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(block)))
}

// Peak returns the largest absolute sample value in the block.
func Peak(block []float32) float64 {
	var peak float64
	for _, s := range block {
		f := math.Abs(float64(s))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if f > peak {
			peak = f
		}
	}
	return peak
}

// DBFS converts a linear amplitude to decibels relative to full scale.
// Zero or negative input maps to the -96 dB floor.
func DBFS(level float64) float64 {
	const floor = -96.0
	if level <= 0 {
		return floor
	}
	db := 20 * math.Log10(level)
	if db < floor {
		return floor
	}
	return db
}

package capture

// Profile holds the tunable parameters of the sensitivity controller for one
// detection mode. All threshold maths are linear amplitude (not dB). The
// defaults are tuned for 512-sample blocks at 16 kHz (32 ms per block);
// retune HoldBlocks/HistoryBlocks proportionally for other block durations.
type Profile struct {
	// StartMultiplier and StartOffset derive the speech entry threshold from
	// the tracked noise floor: enter = floor×StartMultiplier + StartOffset.
	StartMultiplier float64
	StartOffset     float64

	// StopMultiplier and StopOffset derive the exit threshold. It must sit
	// below the entry threshold (hysteresis) so the detector cannot chatter
	// around a single boundary.
	StopMultiplier float64
	StopOffset     float64

	// OnsetBlocks is the number of consecutive above-entry blocks required to
	// enter Speaking. Rejects single-block transients regardless of amplitude.
	OnsetBlocks int

	// HoldBlocks is the hangover: blocks to remain Speaking after the level
	// drops below the exit threshold, so trailing consonants are not clipped.
	HoldBlocks int

	// HistoryBlocks is the rolling RMS window used for the AGC level estimate.
	HistoryBlocks int

	// TargetLevel is the RMS the AGC normalizes speech toward (~-14 dBFS).
	TargetLevel float64

	// MinGain and MaxGain clamp the normalizing gain while speaking.
	MinGain float64
	MaxGain float64

	// AttackAlpha and ReleaseAlpha smooth the block-rate gain toward its
	// target: fast attack catches speech onsets, slow release bridges
	// micro-pauses without pumping.
	AttackAlpha  float64
	ReleaseAlpha float64

	// FloorInitial is the noise floor after a reset; FloorDecay and FloorRise
	// are the downward/upward adaptation coefficients, and FloorMin keeps the
	// floor from collapsing to zero.
	FloorInitial float64
	FloorDecay   float64
	FloorRise    float64
	FloorMin     float64

	// DuckAlpha smooths the ducking multiplier toward its external target.
	DuckAlpha float64
}

// DefaultProfile returns the standard detection profile.
func DefaultProfile() Profile {
	return Profile{
		StartMultiplier: 2.5,
		StartOffset:     0.010,
		StopMultiplier:  1.5,
		StopOffset:      0.005,
		OnsetBlocks:     2,
		HoldBlocks:      15, // ~480 ms
		HistoryBlocks:   6,
		TargetLevel:     0.20,
		MinGain:         0.1,
		MaxGain:         8.0,
		AttackAlpha:     0.5,
		ReleaseAlpha:    0.08,
		FloorInitial:    0.010,
		FloorDecay:      0.30,
		FloorRise:       0.02,
		FloorMin:        0.0005,
		DuckAlpha:       0.15,
	}
}

// VoiceFocusProfile returns the stricter profile used when voice focus is
// enabled: higher entry/exit thresholds and a longer onset requirement make
// the detector favour a dominant foreground speaker and dismiss background
// talkers.
func VoiceFocusProfile() Profile {
	p := DefaultProfile()
	p.StartMultiplier = 4.0
	p.StartOffset = 0.020
	p.StopMultiplier = 2.0
	p.StopOffset = 0.010
	p.OnsetBlocks = 3
	return p
}

// withDefaults fills zero-valued fields from [DefaultProfile], so partially
// specified config profiles behave sensibly.
func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.StartMultiplier == 0 {
		p.StartMultiplier = d.StartMultiplier
	}
	if p.StartOffset == 0 {
		p.StartOffset = d.StartOffset
	}
	if p.StopMultiplier == 0 {
		p.StopMultiplier = d.StopMultiplier
	}
	if p.StopOffset == 0 {
		p.StopOffset = d.StopOffset
	}
	if p.OnsetBlocks == 0 {
		p.OnsetBlocks = d.OnsetBlocks
	}
	if p.HoldBlocks == 0 {
		p.HoldBlocks = d.HoldBlocks
	}
	if p.HistoryBlocks == 0 {
		p.HistoryBlocks = d.HistoryBlocks
	}
	if p.TargetLevel == 0 {
		p.TargetLevel = d.TargetLevel
	}
	if p.MinGain == 0 {
		p.MinGain = d.MinGain
	}
	if p.MaxGain == 0 {
		p.MaxGain = d.MaxGain
	}
	if p.AttackAlpha == 0 {
		p.AttackAlpha = d.AttackAlpha
	}
	if p.ReleaseAlpha == 0 {
		p.ReleaseAlpha = d.ReleaseAlpha
	}
	if p.FloorInitial == 0 {
		p.FloorInitial = d.FloorInitial
	}
	if p.FloorDecay == 0 {
		p.FloorDecay = d.FloorDecay
	}
	if p.FloorRise == 0 {
		p.FloorRise = d.FloorRise
	}
	if p.FloorMin == 0 {
		p.FloorMin = d.FloorMin
	}
	if p.DuckAlpha == 0 {
		p.DuckAlpha = d.DuckAlpha
	}
	return p
}

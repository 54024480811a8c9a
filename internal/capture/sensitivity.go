package capture

import "math"

// State is the voice activity decision for the current block.
type State int

const (
	StateSilence State = iota
	StateSpeaking
)

func (s State) String() string {
	if s == StateSpeaking {
		return "speaking"
	}
	return "silence"
}

// SegmentStats summarizes one completed speech segment, emitted when the
// detector returns to silence.
type SegmentStats struct {
	Blocks  int
	PeakRMS float64
	MeanRMS float64
}

// Controller is the block-rate half of the pipeline: it tracks the ambient
// noise floor, runs the hysteresis voice activity detector and derives the
// normalizing gain the processor should converge to. It owns no goroutine
// and is not safe for concurrent use; the engine's control loop is its sole
// caller.
type Controller struct {
	base  Profile
	focus Profile

	voiceFocus bool

	noiseFloor float64
	gain       float64 // block-rate smoothed gain, before ducking

	speaking bool
	onset    int
	hold     int

	history []float64
	histIdx int
	histLen int

	volume       float64 // smoothed ducking multiplier
	volumeTarget float64

	segBlocks int
	segPeak   float64
	segSum    float64
}

// NewController builds a controller from the standard and voice-focus
// profiles. Zero-valued profile fields fall back to the built-in defaults.
func NewController(base, focus Profile) *Controller {
	base = base.withDefaults()
	focus = focus.withDefaults()
	hist := base.HistoryBlocks
	if focus.HistoryBlocks > hist {
		hist = focus.HistoryBlocks
	}
	c := &Controller{
		base:    base,
		focus:   focus,
		history: make([]float64, hist),
	}
	c.Reset()
	return c
}

func (c *Controller) profile() Profile {
	if c.voiceFocus {
		return c.focus
	}
	return c.base
}

// Observe consumes one block-level RMS measurement and returns the gain the
// processor should now target (normalizing gain times ducking multiplier).
// When a speech segment ends it also returns that segment's stats.
func (c *Controller) Observe(rms float64) (gain float64, seg *SegmentStats) {
	if math.IsNaN(rms) || math.IsInf(rms, 0) || rms < 0 {
		rms = 0
	}
	p := c.profile()

	c.history[c.histIdx] = rms
	c.histIdx = (c.histIdx + 1) % len(c.history)
	if c.histLen < len(c.history) {
		c.histLen++
	}
	var avg float64
	for i := 0; i < c.histLen; i++ {
		avg += c.history[i]
	}
	avg /= float64(c.histLen)

	// Noise floor chases the measured RMS: fast decay downward, slow rise
	// upward, and an order of magnitude slower in both directions while
	// speech is active so the talker's own energy cannot inflate it.
	coeff := p.FloorRise
	if rms < c.noiseFloor {
		coeff = p.FloorDecay
	}
	if c.speaking {
		coeff *= 0.1
	}
	c.noiseFloor += (rms - c.noiseFloor) * coeff
	if c.noiseFloor < p.FloorMin {
		c.noiseFloor = p.FloorMin
	}

	enter := c.noiseFloor*p.StartMultiplier + p.StartOffset
	exit := c.noiseFloor*p.StopMultiplier + p.StopOffset

	if !c.speaking {
		if rms > enter {
			c.onset++
			if c.onset >= p.OnsetBlocks {
				c.speaking = true
				c.hold = p.HoldBlocks
				c.segBlocks = 0
				c.segPeak = 0
				c.segSum = 0
			}
		} else {
			c.onset = 0
		}
	} else {
		if rms > exit || avg > exit {
			c.hold = p.HoldBlocks
		} else {
			c.hold--
			if c.hold <= 0 {
				c.speaking = false
				c.onset = 0
				if c.segBlocks > 0 {
					seg = &SegmentStats{
						Blocks:  c.segBlocks,
						PeakRMS: c.segPeak,
						MeanRMS: c.segSum / float64(c.segBlocks),
					}
				}
			}
		}
	}

	if c.speaking {
		c.segBlocks++
		c.segSum += rms
		if rms > c.segPeak {
			c.segPeak = rms
		}
	}

	var target float64
	if c.speaking {
		level := avg
		if level < 1e-6 {
			level = 1e-6
		}
		target = p.TargetLevel / level
		if target < p.MinGain {
			target = p.MinGain
		}
		if target > p.MaxGain {
			target = p.MaxGain
		}
	}

	alpha := p.ReleaseAlpha
	if target > c.gain {
		alpha = p.AttackAlpha
	}
	c.gain += (target - c.gain) * alpha
	if c.gain < 0 {
		c.gain = 0
	}
	if c.gain > p.MaxGain {
		c.gain = p.MaxGain
	}

	c.volume += (c.volumeTarget - c.volume) * p.DuckAlpha

	gain = c.gain * c.volume
	if gain < 0 {
		gain = 0
	}
	if gain > p.MaxGain {
		gain = p.MaxGain
	}
	return gain, seg
}

// SetVolumeTarget sets the external ducking multiplier target, clamped to
// [0, 1]. The applied multiplier converges smoothly rather than stepping.
func (c *Controller) SetVolumeTarget(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.volumeTarget = v
}

// SetVoiceFocus switches between the standard and voice-focus profiles.
// Floor, gain and history carry over so the switch is glitch-free.
func (c *Controller) SetVoiceFocus(on bool) { c.voiceFocus = on }

// Retune replaces both profiles, for hot configuration reloads.
func (c *Controller) Retune(base, focus Profile) {
	c.base = base.withDefaults()
	c.focus = focus.withDefaults()
}

// State reports the current voice activity decision.
func (c *Controller) State() State {
	if c.speaking {
		return StateSpeaking
	}
	return StateSilence
}

// NoiseFloor returns the tracked ambient floor.
func (c *Controller) NoiseFloor() float64 { return c.noiseFloor }

// Gain returns the block-rate smoothed gain before ducking.
func (c *Controller) Gain() float64 { return c.gain }

// VolumeMultiplier returns the smoothed ducking multiplier.
func (c *Controller) VolumeMultiplier() float64 { return c.volume }

// Reset restores every adaptive quantity to its initial value so a fresh
// capture session starts from a known state.
func (c *Controller) Reset() {
	c.noiseFloor = c.base.FloorInitial
	c.gain = 0
	c.speaking = false
	c.onset = 0
	c.hold = 0
	c.histIdx = 0
	c.histLen = 0
	for i := range c.history {
		c.history[i] = 0
	}
	c.volume = 1
	c.volumeTarget = 1
	c.segBlocks = 0
	c.segPeak = 0
	c.segSum = 0
}

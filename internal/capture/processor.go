package capture

import (
	"math"
	"sync/atomic"

	"github.com/murmurlink/murmurlink/pkg/audio"
)

const (
	// Per-sample smoothing toward the block-rate target gain. Attack is fast
	// enough to open within a few milliseconds, release slow enough that the
	// gain ramps rather than steps between blocks.
	sampleAttackAlpha  = 0.05
	sampleReleaseAlpha = 0.008

	// Chunks whose smoothed gain never rose above this are dropped when
	// silence suppression is on. The controller drives the gain to zero
	// during silence, so a fully released chunk carries no speech.
	silenceGateGain = 1e-3
)

// Processor applies the smoothed gain to raw float32 samples, quantizes them
// to PCM16 and groups the result into fixed-size chunks. It runs on the
// render path and must never block: all state is plain fields touched only by
// the goroutine that calls Process.
type Processor struct {
	target  float64
	applied float64
	maxGain float64

	chunk     []int16
	fill      int
	chunkPeak float64 // highest smoothed gain seen in the current chunk

	suppressSilence bool
	emit            func(pcm []byte)

	// suppressed is atomic because stats snapshots read it from outside the
	// render goroutine.
	suppressed atomic.Uint64
}

// NewProcessor returns a processor emitting chunks of chunkSize samples
// through emit. The gain starts neutral at 1.0 so audio flows untouched
// until the controller publishes its first target.
func NewProcessor(chunkSize int, maxGain float64, suppressSilence bool, emit func(pcm []byte)) *Processor {
	if chunkSize <= 0 {
		chunkSize = audio.DefaultBlockSize
	}
	if maxGain <= 0 {
		maxGain = DefaultProfile().MaxGain
	}
	return &Processor{
		target:          1.0,
		applied:         1.0,
		maxGain:         maxGain,
		chunk:           make([]int16, chunkSize),
		suppressSilence: suppressSilence,
		emit:            emit,
	}
}

// SetTargetGain publishes a new target for the per-sample smoother.
// Non-finite or out-of-range values are clamped so a misbehaving controller
// can never drive the output to garbage.
func (p *Processor) SetTargetGain(g float64) {
	if math.IsNaN(g) || g < 0 {
		g = 0
	}
	if g > p.maxGain {
		g = p.maxGain
	}
	p.target = g
}

// Process amplifies, clips and quantizes one block, appending the samples to
// the pending chunk and emitting it when full.
func (p *Processor) Process(block []float32) {
	for _, s := range block {
		alpha := sampleReleaseAlpha
		if p.target > p.applied {
			alpha = sampleAttackAlpha
		}
		p.applied += (p.target - p.applied) * alpha
		if p.applied > p.chunkPeak {
			p.chunkPeak = p.applied
		}

		v := float64(s) * p.applied
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		p.chunk[p.fill] = audio.QuantizeSample(float32(v))
		p.fill++
		if p.fill == len(p.chunk) {
			p.flush()
		}
	}
}

func (p *Processor) flush() {
	if p.suppressSilence && p.chunkPeak < silenceGateGain {
		p.suppressed.Add(1)
	} else if p.emit != nil {
		p.emit(audio.Int16ToBytes(p.chunk[:p.fill]))
	}
	p.fill = 0
	p.chunkPeak = 0
}

// AppliedGain returns the current smoothed gain.
func (p *Processor) AppliedGain() float64 { return p.applied }

// Suppressed returns the number of chunks dropped by the silence gate.
func (p *Processor) Suppressed() uint64 { return p.suppressed.Load() }

// Reset restores the processor to its initial state, discarding any
// partially filled chunk.
func (p *Processor) Reset() {
	p.target = 1.0
	p.applied = 1.0
	p.fill = 0
	p.chunkPeak = 0
	p.suppressed.Store(0)
}

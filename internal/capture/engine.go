// Package capture implements the microphone processing pipeline: a render
// half that applies gain and quantizes samples at audio rate, and a control
// half that runs voice activity detection and adaptive gain control at block
// rate.
//
// The two halves run on separate goroutines joined only by channels. The
// render loop is the hot path: it publishes one RMS measurement per block and
// picks up the latest gain target, and it never blocks waiting on the control
// loop. The control loop owns the [Controller] and all adaptive state.
//
// An [Engine] is single-use: [Engine.Start] spawns both loops for one capture
// session and [Engine.Stop] tears them down and resets all adaptive state.
// The lifecycle manager creates a fresh engine per session.
package capture

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/murmurlink/murmurlink/pkg/audio"
)

const (
	// rmsBuf is the depth of the render-to-control RMS channel. When the
	// control loop falls behind, new measurements are dropped rather than
	// stalling the render path; the controller tolerates gaps.
	rmsBuf = 32

	// commandBuf is the depth of the external command channel. Commands are
	// rare (ducking, voice focus, retunes) so a small buffer suffices.
	commandBuf = 8
)

// Events carries the engine's output callbacks. All of them are invoked from
// engine goroutines and must return quickly; slow consumers should hand off
// to their own buffering.
type Events struct {
	// OnChunk receives each emitted PCM16 little-endian chunk.
	OnChunk func(pcm []byte)

	// OnVolume receives the raw RMS of every block, before gain.
	OnVolume func(rms float64)

	// OnSegment receives stats for each completed speech segment.
	OnSegment func(seg SegmentStats)

	// OnState receives voice activity transitions.
	OnState func(s State)
}

// Config tunes an [Engine].
type Config struct {
	// ChunkSize is the number of samples per emitted chunk. Defaults to
	// [audio.DefaultBlockSize].
	ChunkSize int

	// Base and Focus are the detection profiles; zero fields fall back to
	// the built-in defaults.
	Base  Profile
	Focus Profile

	// VoiceFocus selects the Focus profile from the start.
	VoiceFocus bool

	// SuppressSilence drops chunks whose gain never left the silence gate.
	SuppressSilence bool
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	BlocksProcessed  uint64
	ChunksSuppressed uint64
	RMSDropped       uint64
}

type commandKind int

const (
	cmdVolume commandKind = iota
	cmdVoiceFocus
	cmdRetune
)

type command struct {
	kind   commandKind
	volume float64
	on     bool
	base   Profile
	focus  Profile
}

// Engine wires a [Processor] and a [Controller] across the render/control
// goroutine boundary for one capture session.
type Engine struct {
	cfg    Config
	events Events

	proc *Processor
	ctrl *Controller

	rmsCh  chan float64
	gainCh chan float64
	cmdCh  chan command
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	blocks     atomic.Uint64
	rmsDropped atomic.Uint64

	// Mirrors of control-loop state for lock-free status reads.
	speaking   atomic.Bool
	gainBits   atomic.Uint64
	floorBits  atomic.Uint64
	volumeBits atomic.Uint64
}

// New builds an engine. It does not start any goroutines.
func New(cfg Config, events Events) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = audio.DefaultBlockSize
	}
	e := &Engine{
		cfg:    cfg,
		events: events,
		ctrl:   NewController(cfg.Base, cfg.Focus),
		rmsCh:  make(chan float64, rmsBuf),
		gainCh: make(chan float64, 1),
		cmdCh:  make(chan command, commandBuf),
		done:   make(chan struct{}),
	}
	e.ctrl.SetVoiceFocus(cfg.VoiceFocus)
	e.proc = NewProcessor(cfg.ChunkSize, e.ctrl.profile().MaxGain, cfg.SuppressSilence, func(pcm []byte) {
		if e.events.OnChunk != nil {
			e.events.OnChunk(pcm)
		}
	})
	e.volumeBits.Store(math.Float64bits(1))
	return e
}

// Start spawns the render and control loops over the given stream. The
// render loop exits when the stream's block channel closes or Stop is
// called. Start returns an error if the engine was already started.
func (e *Engine) Start(stream audio.CaptureStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("capture: engine already started")
	}
	e.started = true

	e.wg.Add(2)
	go e.renderLoop(stream.Blocks())
	go e.controlLoop()
	return nil
}

// renderLoop is the hot path: per block it drains the latest gain target,
// processes samples and publishes the RMS measurement without blocking.
func (e *Engine) renderLoop(blocks <-chan []float32) {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}

			// Latest-wins: consume at most the single buffered gain target.
			select {
			case g := <-e.gainCh:
				e.proc.SetTargetGain(g)
			default:
			}

			e.proc.Process(block)
			e.blocks.Add(1)

			rms := RMS(block)
			if e.events.OnVolume != nil {
				e.events.OnVolume(rms)
			}
			select {
			case e.rmsCh <- rms:
			default:
				e.rmsDropped.Add(1)
			}
		}
	}
}

// controlLoop consumes RMS measurements and commands, runs the controller
// and publishes gain targets back to the render loop.
func (e *Engine) controlLoop() {
	defer e.wg.Done()

	wasSpeaking := false
	for {
		select {
		case <-e.done:
			return

		case cmd := <-e.cmdCh:
			switch cmd.kind {
			case cmdVolume:
				e.ctrl.SetVolumeTarget(cmd.volume)
			case cmdVoiceFocus:
				e.ctrl.SetVoiceFocus(cmd.on)
			case cmdRetune:
				e.ctrl.Retune(cmd.base, cmd.focus)
			}

		case rms := <-e.rmsCh:
			gain, seg := e.ctrl.Observe(rms)
			e.publishGain(gain)

			e.gainBits.Store(math.Float64bits(e.ctrl.Gain()))
			e.floorBits.Store(math.Float64bits(e.ctrl.NoiseFloor()))
			e.volumeBits.Store(math.Float64bits(e.ctrl.VolumeMultiplier()))

			speaking := e.ctrl.State() == StateSpeaking
			if speaking != wasSpeaking {
				wasSpeaking = speaking
				e.speaking.Store(speaking)
				if e.events.OnState != nil {
					e.events.OnState(e.ctrl.State())
				}
			}
			if seg != nil && e.events.OnSegment != nil {
				e.events.OnSegment(*seg)
			}
		}
	}
}

// publishGain replaces any unconsumed gain target so the render loop always
// sees the most recent value.
func (e *Engine) publishGain(g float64) {
	for {
		select {
		case e.gainCh <- g:
			return
		default:
			select {
			case <-e.gainCh:
			default:
			}
		}
	}
}

func (e *Engine) send(cmd command) {
	select {
	case e.cmdCh <- cmd:
	case <-e.done:
	}
}

// SetVolumeMultiplier sets the ducking target in [0, 1]. Zero mutes the
// pipeline while an agent is speaking; one restores it.
func (e *Engine) SetVolumeMultiplier(v float64) {
	e.send(command{kind: cmdVolume, volume: v})
}

// SetVoiceFocus toggles the stricter voice-focus detection profile.
func (e *Engine) SetVoiceFocus(on bool) {
	e.send(command{kind: cmdVoiceFocus, on: on})
}

// Retune swaps both detection profiles at runtime.
func (e *Engine) Retune(base, focus Profile) {
	e.send(command{kind: cmdRetune, base: base, focus: focus})
}

// Speaking reports the latest voice activity decision.
func (e *Engine) Speaking() bool { return e.speaking.Load() }

// Gain returns the latest block-rate gain before ducking.
func (e *Engine) Gain() float64 { return math.Float64frombits(e.gainBits.Load()) }

// NoiseFloor returns the latest tracked noise floor.
func (e *Engine) NoiseFloor() float64 { return math.Float64frombits(e.floorBits.Load()) }

// VolumeMultiplier returns the latest smoothed ducking multiplier.
func (e *Engine) VolumeMultiplier() float64 { return math.Float64frombits(e.volumeBits.Load()) }

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BlocksProcessed:  e.blocks.Load(),
		ChunksSuppressed: e.proc.Suppressed(),
		RMSDropped:       e.rmsDropped.Load(),
	}
}

// Stop signals both loops, waits for them to exit and resets all adaptive
// state. Subsequent calls are no-ops.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	e.proc.Reset()
	e.ctrl.Reset()
	e.speaking.Store(false)
	e.gainBits.Store(0)
	e.floorBits.Store(math.Float64bits(e.ctrl.NoiseFloor()))
	e.volumeBits.Store(math.Float64bits(1))
}

// Package malgo implements [audio.Platform] on top of the miniaudio library
// (via the malgo bindings), giving murmurlink access to local microphone
// hardware on Linux, macOS, and Windows.
//
// The adapter opens the device in float32 mono at the requested sample rate
// (miniaudio resamples internally when the hardware cannot provide it) and
// re-blocks the device callback's variable-sized buffers into fixed
// BlockSize blocks. miniaudio performs no automatic gain control, so the
// capture engine's AGC is authoritative by construction. Acoustic echo
// cancellation and noise suppression are not available in this backend; when
// requested they are logged as unavailable rather than silently ignored.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	mal "github.com/gen2brain/malgo"

	"github.com/murmurlink/murmurlink/pkg/audio"
)

// Compile-time assertions that the adapter satisfies the audio interfaces.
var (
	_ audio.Platform      = (*Platform)(nil)
	_ audio.CaptureStream = (*stream)(nil)
)

// blockChannelDepth is the buffer depth of the Blocks channel. At 32 ms per
// block this absorbs roughly half a second of consumer stall before blocks
// are dropped.
const blockChannelDepth = 16

// Platform opens microphone capture streams using miniaudio. The zero value
// is ready to use; the miniaudio context is initialised lazily on the first
// Open and shared by all streams.
type Platform struct {
	mu  sync.Mutex
	ctx *mal.AllocatedContext
}

// New returns a Platform. The miniaudio context is not touched until the
// first call to [Platform.Open].
func New() *Platform {
	return &Platform{}
}

// Open implements [audio.Platform].
func (p *Platform) Open(_ context.Context, opts audio.CaptureOptions) (audio.CaptureStream, error) {
	if opts.SampleRate <= 0 || opts.BlockSize <= 0 {
		return nil, fmt.Errorf("malgo: invalid capture options: rate=%d block=%d", opts.SampleRate, opts.BlockSize)
	}
	if opts.EchoCancellation || opts.NoiseSuppression {
		slog.Warn("malgo: echo cancellation / noise suppression not available in the miniaudio backend",
			"echo_cancellation", opts.EchoCancellation,
			"noise_suppression", opts.NoiseSuppression,
		)
	}

	malCtx, err := p.context()
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", audio.ErrDeviceUnavailable)
	}

	cfg := mal.DefaultDeviceConfig(mal.Capture)
	cfg.Capture.Format = mal.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(opts.SampleRate)
	cfg.PeriodSizeInFrames = uint32(opts.BlockSize)
	cfg.Alsa.NoMMap = 1

	s := &stream{
		blockSize: opts.BlockSize,
		blocks:    make(chan []float32, blockChannelDepth),
		pending:   make([]float32, 0, opts.BlockSize),
	}

	if opts.Device != "" {
		id, err := lookupDevice(malCtx, opts.Device)
		if err != nil {
			return nil, err
		}
		// The config only records a pointer into the ID bytes, so the
		// stream holds the ID itself to keep it alive while the device is.
		s.deviceID = &id
		cfg.Capture.DeviceID = s.deviceID.Pointer()
	}

	dev, err := mal.InitDevice(malCtx.Context, cfg, mal.DeviceCallbacks{
		Data: s.onFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: open device %q: %w: %v", opts.Device, audio.ErrDeviceUnavailable, err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start device: %w", err)
	}

	slog.Info("malgo: capture stream started",
		"device", opts.Device,
		"sample_rate", opts.SampleRate,
		"block_size", opts.BlockSize,
	)
	return s, nil
}

// context returns the shared miniaudio context, creating it on first use.
func (p *Platform) context() (*mal.AllocatedContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return p.ctx, nil
	}
	ctx, err := mal.InitContext(nil, mal.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, err
	}
	p.ctx = ctx
	return ctx, nil
}

// Close releases the shared miniaudio context. Streams must be closed first.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	err := p.ctx.Uninit()
	p.ctx.Free()
	p.ctx = nil
	return err
}

// lookupDevice resolves a device name to its miniaudio device ID.
func lookupDevice(ctx *mal.AllocatedContext, name string) (mal.DeviceID, error) {
	var zero mal.DeviceID
	infos, err := ctx.Devices(mal.Capture)
	if err != nil {
		return zero, fmt.Errorf("malgo: enumerate devices: %w", audio.ErrDeviceUnavailable)
	}
	for _, info := range infos {
		if info.Name() == name {
			return info.ID, nil
		}
	}
	return zero, fmt.Errorf("malgo: device %q not found: %w", name, audio.ErrDeviceUnavailable)
}

// stream is a live miniaudio capture stream.
type stream struct {
	dev       *mal.Device
	blockSize int

	// deviceID pins the resolved device ID for as long as the device holds
	// a pointer into it. Nil when capturing from the system default.
	deviceID *mal.DeviceID

	// pending accumulates callback samples until a full block is ready.
	// Only touched from the miniaudio callback thread.
	pending []float32

	blocks chan []float32

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// onFrames is the miniaudio data callback. It must never block: full blocks
// are posted with a drop-oldest policy so a stalled consumer costs audio, not
// device-thread stalls.
func (s *stream) onFrames(_, input []byte, frameCount uint32) {
	_ = frameCount
	for i := 0; i+4 <= len(input); i += 4 {
		bits := binary.LittleEndian.Uint32(input[i:])
		s.pending = append(s.pending, math.Float32frombits(bits))
		if len(s.pending) < s.blockSize {
			continue
		}
		block := make([]float32, s.blockSize)
		copy(block, s.pending)
		s.pending = s.pending[:0]
		s.post(block)
	}
}

// post delivers a block without blocking, evicting the oldest queued block
// when the channel is full.
func (s *stream) post(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.blocks <- block:
	default:
		select {
		case <-s.blocks:
			s.dropped++
		default:
		}
		select {
		case s.blocks <- block:
		default:
		}
	}
}

// Blocks implements [audio.CaptureStream].
func (s *stream) Blocks() <-chan []float32 {
	return s.blocks
}

// Close implements [audio.CaptureStream]. It stops and releases the device
// and closes the Blocks channel. Safe to call more than once.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.dropped
	s.mu.Unlock()

	// Uninit stops the device and joins the callback thread, so no onFrames
	// call can race the channel close below.
	if s.dev != nil {
		s.dev.Uninit()
	}

	s.mu.Lock()
	close(s.blocks)
	s.mu.Unlock()

	if dropped > 0 {
		slog.Warn("malgo: capture stream dropped blocks on slow consumer", "dropped", dropped)
	}
	slog.Info("malgo: capture stream closed")
	return nil
}

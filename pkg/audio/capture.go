// Package audio defines the interfaces and types for microphone capture and
// PCM handling within murmurlink.
//
// The two primary abstractions are:
//
//   - [Platform] — opens a capture device and returns a [CaptureStream].
//   - [CaptureStream] — an active microphone stream delivering fixed-size
//     blocks of mono float32 samples until closed.
//
// Implementations of these interfaces are provided by device-specific adapter
// packages (e.g., audio/malgo for local hardware and audio/mock for tests).
// The interfaces are intentionally narrow so the capture engine stays
// decoupled from device details.
//
// This package lives under pkg/ because external code (third-party device
// adapters) is expected to implement [Platform] and [CaptureStream].
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned by [Platform.Open] when no capture device
// exists, the named device cannot be found, or the operating system denies
// access to it. Callers must not retry automatically; the condition requires
// user intervention (plugging in a device, granting permission).
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// CaptureOptions describes the stream a caller wants from a [Platform].
type CaptureOptions struct {
	// Device is the platform-specific device identifier. Empty selects the
	// system default input device.
	Device string

	// SampleRate is the desired sample rate in Hz (e.g., 16000). Adapters must
	// deliver blocks at exactly this rate, resampling internally if the
	// hardware cannot provide it natively.
	SampleRate int

	// BlockSize is the number of samples per delivered block (e.g., 512).
	// Every block sent on [CaptureStream.Blocks] has exactly this length.
	BlockSize int

	// EchoCancellation requests platform acoustic echo cancellation where the
	// backend supports it. Best effort; adapters log when unavailable.
	EchoCancellation bool

	// NoiseSuppression requests platform noise suppression where the backend
	// supports it. Best effort; adapters log when unavailable.
	NoiseSuppression bool
}

// CaptureStream is an active microphone stream.
//
// A CaptureStream is obtained from [Platform.Open] and remains valid until
// [CaptureStream.Close] is called. Implementations must be safe for
// concurrent use.
type CaptureStream interface {
	// Blocks returns the channel of captured audio. Each value is a mono
	// float32 block of exactly BlockSize samples in nominal [-1, 1] range.
	// The channel is closed when the stream is closed or the device is lost.
	// Block slices are owned by the receiver; the stream never reuses them.
	//
	// The channel is buffered. If the consumer falls behind, adapters drop
	// the oldest pending blocks rather than stall the device callback.
	Blocks() <-chan []float32

	// Close stops the device and closes the Blocks channel. Safe to call more
	// than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Platform is the entry point for a capture device backend.
//
// Implementations wrap a device API (miniaudio, a test script, …) and expose
// the uniform [CaptureStream] abstraction. Hardware automatic gain control
// must never be enabled by an adapter — gain is owned by the capture engine.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Open acquires the capture device described by opts and starts the
	// stream. The supplied ctx governs the lifetime of the open attempt only;
	// once the stream is running it remains alive until Close is called.
	//
	// Returns [ErrDeviceUnavailable] (possibly wrapped) when the device cannot
	// be acquired, or another error when stream setup fails after acquisition.
	Open(ctx context.Context, opts CaptureOptions) (CaptureStream, error)
}

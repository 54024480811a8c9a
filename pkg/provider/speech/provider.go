// Package speech defines the Provider interface for real-time speech
// backends.
//
// A speech provider wraps a streaming voice service that accepts raw PCM16
// audio and returns synthesised audio plus transcripts over a single,
// stateful session. The client performs its own voice activity detection, so
// sessions are opened with server-side turn detection disabled and the
// caller marks turn boundaries explicitly with [Session.Commit].
//
// All implementations must be safe for concurrent use.
package speech

import (
	"context"
	"time"
)

// Transcript is one recognised or generated utterance surfaced by a session.
type Transcript struct {
	// Role is "user" for recognised input speech and "agent" for generated
	// responses.
	Role string

	// Text is the utterance text.
	Text string

	// At is the local time the transcript was received.
	At time.Time
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice selects the provider-specific output voice. Empty uses the
	// provider default.
	Voice string

	// Instructions is an optional system-level prompt for the model.
	Instructions string

	// SampleRate is the PCM16 sample rate of audio sent with SendAudio.
	SampleRate int
}

// Capabilities describes static properties of a provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// SampleRate is the native PCM sample rate of the service.
	SampleRate int

	// MaxSessionDuration is the provider's hard session lifetime limit.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsInterrupt indicates whether Interrupt can cancel an in-flight
	// response (needed for barge-in).
	SupportsInterrupt bool
}

// Session represents an open streaming connection. It sits on the capture
// hot path, so every method must return quickly; audio output is
// channel-based to avoid blocking the sender. Callers must call Close when
// the session is no longer needed.
type Session interface {
	// SendAudio delivers one raw PCM16 little-endian chunk. Returns an error
	// if the session is closed or the transport rejects the write.
	SendAudio(chunk []byte) error

	// Commit marks the end of the current speech segment and asks the model
	// to respond. Call it when the local detector returns to silence.
	Commit() error

	// Interrupt cancels the in-flight model response and discards buffered
	// output audio. Used on barge-in.
	Interrupt() error

	// Audio returns a read-only channel of synthesised PCM16 chunks. The
	// channel is closed when the session ends; check Err afterwards to see
	// whether it ended cleanly.
	Audio() <-chan []byte

	// Transcripts returns a read-only channel of transcript entries for both
	// recognised input and generated responses. Closed when the session ends.
	Transcripts() <-chan Transcript

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly. Valid after the Audio channel closes.
	Err() error

	// Close terminates the session and closes the Audio and Transcripts
	// channels. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any real-time speech backend.
type Provider interface {
	// Connect establishes a new session. The returned Session is ready to
	// accept audio immediately. The caller owns it and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about the backing service.
	Capabilities() Capabilities
}

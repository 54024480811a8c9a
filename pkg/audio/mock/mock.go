// Package mock provides in-memory mock implementations of the
// [audio.Platform] and [audio.CaptureStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	platform := &mock.Platform{OpenResult: stream}
//	got, err := platform.Open(ctx, audio.CaptureOptions{SampleRate: 16000, BlockSize: 512})
//	stream.Push(block)   // feed scripted audio
//	stream.Finish()      // closes the Blocks channel
package mock

import (
	"context"
	"sync"

	"github.com/murmurlink/murmurlink/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Tests feed it
// blocks via [Stream.Push] and end the stream with [Stream.Finish] or
// [Stream.Close].
type Stream struct {
	mu sync.Mutex

	blocks  chan []float32
	done    chan struct{}
	closed  bool
	pushers sync.WaitGroup

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a Stream whose Blocks channel has the given buffer depth.
func NewStream(buffer int) *Stream {
	return &Stream{
		blocks: make(chan []float32, buffer),
		done:   make(chan struct{}),
	}
}

// Blocks implements [audio.CaptureStream].
func (s *Stream) Blocks() <-chan []float32 {
	return s.blocks
}

// Push delivers one block to the consumer. It blocks when the channel buffer
// is full, so tests exercise backpressure deliberately. Pushing after Finish
// or Close is a silent no-op; a Push blocked on a full buffer returns when
// the stream closes.
func (s *Stream) Push(block []float32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pushers.Add(1)
	s.mu.Unlock()
	defer s.pushers.Done()

	select {
	case s.blocks <- block:
	case <-s.done:
	}
}

// Finish closes the Blocks channel without counting as a Close call,
// simulating device loss mid-stream.
func (s *Stream) Finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.shutdownLocked()
}

// Close implements [audio.CaptureStream]. Closes the Blocks channel on first
// call and returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseError
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.shutdownLocked()
	return err
}

// shutdownLocked unblocks in-flight pushes, waits them out, then closes the
// Blocks channel so no Push can ever race the close. Releases s.mu.
func (s *Stream) shutdownLocked() {
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.pushers.Wait()
	close(s.blocks)
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Platform.Open] invocation.
type OpenCall struct {
	// Options is the CaptureOptions passed to Open.
	Options audio.CaptureOptions
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// OpenResult is the [audio.CaptureStream] returned by Open.
	OpenResult audio.CaptureStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Platform]. Records the call and returns
// OpenResult / OpenError.
func (p *Platform) Open(_ context.Context, opts audio.CaptureOptions) (audio.CaptureStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Options: opts})
	if p.OpenError != nil {
		return nil, p.OpenError
	}
	return p.OpenResult, nil
}

// Opens returns the number of Open invocations so far.
func (p *Platform) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

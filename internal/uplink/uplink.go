// Package uplink pumps conditioned microphone audio into a realtime speech
// session and routes the returned agent audio and transcripts back out.
//
// An [Uplink] owns exactly one [speech.Session] at a time. When the session
// dies (its audio channel closes, or a send fails) the pump reconnects with
// exponential backoff. While agent audio is flowing the uplink drives the
// capture engine's ducking target to zero so the microphone does not feed the
// agent's own voice back upstream; a silence timer on the returned audio
// stream restores the target once the agent stops speaking.
//
// All methods are safe for concurrent use. The chunk and segment entry points
// never block: if the pump cannot keep up, chunks are dropped and counted.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

// Default session pump parameters.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second

	// defaultAgentSilence is the gap after the last returned audio chunk that
	// marks the end of agent speech and releases the ducking target.
	defaultAgentSilence = 500 * time.Millisecond

	// inBuf is the depth of the inbound chunk queue. The capture engine's
	// chunk callback must never block, so sends into this queue drop when
	// the pump falls behind.
	inBuf = 64

	// audioBuf and transcriptBuf size the outward fan-out channels consumed
	// by the relay and archive.
	audioBuf      = 64
	transcriptBuf = 64
)

// Ducker receives the uplink's ducking target. The capture engine implements
// it; a nil Ducker disables ducking.
type Ducker interface {
	SetVolumeMultiplier(v float64)
}

// Config configures an [Uplink].
type Config struct {
	// Provider establishes speech sessions.
	Provider speech.Provider

	// Session is passed to every Connect call, including reconnects.
	Session speech.SessionConfig

	// MaxAttempts is the number of reconnection attempts per outage before
	// the uplink gives up and records a fatal error. Zero means retry
	// indefinitely.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// AgentSilence overrides the silence timeout that ends an agent speech
	// burst. Defaults to 500ms if zero.
	AgentSilence time.Duration

	// Ducker is driven to 0 while the agent is speaking and back to 1 when
	// it stops. May be nil.
	Ducker Ducker
}

// Uplink bridges the capture engine and a realtime speech session.
type Uplink struct {
	provider     speech.Provider
	sessionCfg   speech.SessionConfig
	maxAttempts  int
	backoff      time.Duration
	maxBackoff   time.Duration
	agentSilence time.Duration
	ducker       Ducker

	inCh        chan []byte
	commitCh    chan struct{}
	interruptCh chan struct{}

	audioCh      chan []byte
	transcriptCh chan speech.Transcript

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	session speech.Session
	started bool
	closed  bool
	errVal  error

	agentSpeaking atomic.Bool
	reconnects    atomic.Uint64
	dropped       atomic.Uint64
}

// New creates an Uplink from cfg. It does not connect; call [Uplink.Start].
func New(cfg Config) *Uplink {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	agentSilence := cfg.AgentSilence
	if agentSilence <= 0 {
		agentSilence = defaultAgentSilence
	}
	return &Uplink{
		provider:     cfg.Provider,
		sessionCfg:   cfg.Session,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		agentSilence: agentSilence,
		ducker:       cfg.Ducker,
		inCh:         make(chan []byte, inBuf),
		commitCh:     make(chan struct{}, 1),
		interruptCh:  make(chan struct{}, 1),
		audioCh:      make(chan []byte, audioBuf),
		transcriptCh: make(chan speech.Transcript, transcriptBuf),
		done:         make(chan struct{}),
	}
}

// Start performs the initial connection and spawns the session pump. The
// initial connect failing is returned as an error; failures after Start
// trigger the backoff reconnect loop instead. Start may be called once.
func (u *Uplink) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return fmt.Errorf("uplink: already started")
	}
	u.started = true
	u.mu.Unlock()

	sess, err := u.provider.Connect(ctx, u.sessionCfg)
	if err != nil {
		return fmt.Errorf("uplink: initial connect: %w", err)
	}

	u.mu.Lock()
	u.session = sess
	u.mu.Unlock()

	u.wg.Add(1)
	go u.pump(ctx, sess)
	return nil
}

// SendChunk enqueues a conditioned audio chunk for the upstream session.
// It never blocks; chunks are dropped and counted when the pump is behind.
func (u *Uplink) SendChunk(chunk []byte) {
	select {
	case u.inCh <- chunk:
	default:
		u.dropped.Add(1)
	}
}

// EndSegment signals that a speech segment finished and the buffered audio
// should be committed upstream for a response. Coalesces if one is pending.
func (u *Uplink) EndSegment() {
	select {
	case u.commitCh <- struct{}{}:
	default:
	}
}

// SetUserSpeaking notifies the uplink of the capture engine's speech state.
// If the user starts speaking while agent audio is flowing, the in-flight
// response is cancelled so the agent yields the floor.
func (u *Uplink) SetUserSpeaking(speaking bool) {
	if speaking && u.agentSpeaking.Load() {
		select {
		case u.interruptCh <- struct{}{}:
		default:
		}
	}
}

// Audio returns the stream of agent audio chunks for downstream consumers.
// The channel is closed by [Uplink.Close].
func (u *Uplink) Audio() <-chan []byte {
	return u.audioCh
}

// Transcripts returns the transcript stream from all sessions, including
// reconnected ones. The channel is closed by [Uplink.Close].
func (u *Uplink) Transcripts() <-chan speech.Transcript {
	return u.transcriptCh
}

// AgentSpeaking reports whether agent audio is currently flowing.
func (u *Uplink) AgentSpeaking() bool {
	return u.agentSpeaking.Load()
}

// Reconnects returns the number of successful reconnections.
func (u *Uplink) Reconnects() uint64 {
	return u.reconnects.Load()
}

// Dropped returns the number of inbound chunks dropped because the pump
// could not keep up.
func (u *Uplink) Dropped() uint64 {
	return u.dropped.Load()
}

// Err returns the fatal error that stopped the pump, if any. A non-nil value
// means reconnection was exhausted and the uplink is no longer forwarding.
func (u *Uplink) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.errVal
}

// Close stops the pump, closes the active session, and closes the outward
// audio and transcript channels. Safe to call multiple times.
func (u *Uplink) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	sess := u.session
	u.session = nil
	u.mu.Unlock()

	close(u.done)
	if sess != nil {
		_ = sess.Close()
	}

	u.wg.Wait()
	close(u.audioCh)
	close(u.transcriptCh)
	return nil
}

// pump owns the active session. It forwards inbound chunks and segment
// commits, triggers interrupts, and replaces the session on failure.
func (u *Uplink) pump(ctx context.Context, sess speech.Session) {
	defer u.wg.Done()
	defer func() {
		// Covers a session established mid-reconnect that a concurrent Close
		// did not see. Session Close is idempotent.
		if sess != nil {
			_ = sess.Close()
		}
	}()

	dead := u.watchSession(sess)

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.done:
			return

		case chunk := <-u.inCh:
			if err := sess.SendAudio(chunk); err != nil {
				slog.Warn("uplink send failed", "error", err)
				var ok bool
				if sess, dead, ok = u.reconnect(ctx, sess); !ok {
					return
				}
			}

		case <-u.commitCh:
			if err := sess.Commit(); err != nil {
				slog.Warn("uplink commit failed", "error", err)
				var ok bool
				if sess, dead, ok = u.reconnect(ctx, sess); !ok {
					return
				}
			}

		case <-u.interruptCh:
			// Best effort; a failed cancel just lets the response finish.
			_ = sess.Interrupt()

		case <-dead:
			slog.Warn("uplink session closed upstream", "error", sess.Err())
			var ok bool
			if sess, dead, ok = u.reconnect(ctx, sess); !ok {
				return
			}
		}
	}
}

// watchSession spawns the per-session forwarding goroutines and returns a
// channel that is closed when the session's audio stream ends.
func (u *Uplink) watchSession(sess speech.Session) <-chan struct{} {
	dead := make(chan struct{})
	u.wg.Add(2)
	go u.forwardAudio(sess.Audio(), dead)
	go u.forwardTranscripts(sess.Transcripts())
	return dead
}

// reconnect closes the dead session and re-establishes one with exponential
// backoff. It returns ok=false when the uplink should stop, either because
// it was closed or because all attempts failed. A zero maxAttempts retries
// until the uplink is closed.
func (u *Uplink) reconnect(ctx context.Context, old speech.Session) (speech.Session, <-chan struct{}, bool) {
	_ = old.Close()
	u.setAgentSpeaking(false)

	currentBackoff := u.backoff

	for attempt := 1; u.maxAttempts == 0 || attempt <= u.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-u.done:
			return nil, nil, false
		default:
		}

		slog.Info("uplink reconnecting",
			"attempt", attempt,
			"max_attempts", u.maxAttempts,
			"backoff", currentBackoff,
		)

		sess, err := u.provider.Connect(ctx, u.sessionCfg)
		if err == nil {
			u.mu.Lock()
			u.session = sess
			u.mu.Unlock()
			u.reconnects.Add(1)

			slog.Info("uplink reconnected", "attempt", attempt)
			return sess, u.watchSession(sess), true
		}

		slog.Warn("uplink reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-u.done:
			return nil, nil, false
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > u.maxBackoff {
			currentBackoff = u.maxBackoff
		}
	}

	err := fmt.Errorf("uplink: reconnection failed after %d attempts", u.maxAttempts)
	slog.Error("uplink giving up", "max_attempts", u.maxAttempts)

	u.mu.Lock()
	u.errVal = err
	u.session = nil
	u.mu.Unlock()
	return nil, nil, false
}

// forwardAudio relays agent audio chunks outward and tracks agent speech
// activity. A chunk marks the agent as speaking; the silence timer expiring
// marks it as stopped. When src closes, dead is closed so the pump knows the
// session ended.
func (u *Uplink) forwardAudio(src <-chan []byte, dead chan struct{}) {
	defer u.wg.Done()

	timer := time.NewTimer(u.agentSilence)
	defer timer.Stop()

	for {
		select {
		case <-u.done:
			return

		case chunk, ok := <-src:
			if !ok {
				u.setAgentSpeaking(false)
				close(dead)
				return
			}
			u.setAgentSpeaking(true)
			// Drain before Reset to avoid a spurious immediate expiry
			// (per the time.Timer documentation).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(u.agentSilence)

			select {
			case u.audioCh <- chunk:
			default:
				// Slow consumer; drop rather than stall the session reader.
			}

		case <-timer.C:
			u.setAgentSpeaking(false)
		}
	}
}

// forwardTranscripts relays transcript entries outward until src closes or
// the uplink is closed.
func (u *Uplink) forwardTranscripts(src <-chan speech.Transcript) {
	defer u.wg.Done()

	for {
		select {
		case <-u.done:
			return
		case entry, ok := <-src:
			if !ok {
				return
			}
			select {
			case u.transcriptCh <- entry:
			case <-u.done:
				return
			}
		}
	}
}

// setAgentSpeaking updates the agent activity flag and drives the ducking
// target on transitions.
func (u *Uplink) setAgentSpeaking(speaking bool) {
	if u.agentSpeaking.Swap(speaking) == speaking {
		return
	}
	if u.ducker == nil {
		return
	}
	if speaking {
		u.ducker.SetVolumeMultiplier(0)
	} else {
		u.ducker.SetVolumeMultiplier(1)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/murmurlink/murmurlink/internal/archive"
	"github.com/murmurlink/murmurlink/internal/capture"
	"github.com/murmurlink/murmurlink/internal/config"
	"github.com/murmurlink/murmurlink/internal/observe"
	"github.com/murmurlink/murmurlink/internal/relay"
	"github.com/murmurlink/murmurlink/internal/resilience"
	"github.com/murmurlink/murmurlink/internal/uplink"
	"github.com/murmurlink/murmurlink/pkg/audio"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

var (
	// ErrAlreadyRunning is returned by Start when capture is active.
	ErrAlreadyRunning = errors.New("capture already running")

	// ErrNotRunning is returned by control operations that need an active
	// capture session.
	ErrNotRunning = errors.New("capture not running")
)

// statsInterval is how often the running session's pipeline counters are
// flushed to metrics.
const statsInterval = 5 * time.Second

// archiveTimeout bounds each background archive write.
const archiveTimeout = 5 * time.Second

// ManagerDeps carries the collaborators a CaptureManager wires together.
// Speech, Relay, Archive and Metrics are all optional; a nil value disables
// the corresponding output.
type ManagerDeps struct {
	Platform audio.Platform
	Speech   speech.Provider
	Relay    *relay.Hub
	Archive  *archive.Store
	Metrics  *observe.Metrics
}

// CaptureManager owns the capture session lifecycle: it acquires the device,
// assembles the processing graph and the upstream pump, and tears everything
// down in reverse order on stop. All methods are safe for concurrent use.
type CaptureManager struct {
	platform audio.Platform
	speech   speech.Provider
	relay    *relay.Hub
	store    *archive.Store
	metrics  *observe.Metrics
	cfg      *config.Config

	// breaker guards archive writes so a down database is not retried on
	// every segment and transcript.
	breaker *resilience.CircuitBreaker

	// voiceFocus holds the current focus toggle. It survives across
	// sessions so a toggle while idle takes effect on the next start.
	voiceFocus atomic.Bool

	group singleflight.Group

	mu        sync.Mutex
	volumeMul float64
	active    bool
	engine    *capture.Engine
	up        *uplink.Uplink
	closers   []func() error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sessionID int64
	startedAt time.Time
}

// NewCaptureManager creates a manager. The config is read at every Start, so
// hot-reloaded sensitivity settings apply to the next session automatically.
func NewCaptureManager(cfg *config.Config, deps ManagerDeps) *CaptureManager {
	m := &CaptureManager{
		platform:  deps.Platform,
		speech:    deps.Speech,
		relay:     deps.Relay,
		store:     deps.Archive,
		metrics:   deps.Metrics,
		cfg:       cfg,
		volumeMul: 1,
	}
	if m.store != nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "archive"})
	}
	m.voiceFocus.Store(cfg.Sensitivity.VoiceFocus)
	return m
}

// Start acquires the capture device and brings up the full pipeline.
// Concurrent calls share a single attempt; a call racing an active session
// returns ErrAlreadyRunning. A failure at any stage unwinds the parts built
// so far and leaves the manager idle.
func (m *CaptureManager) Start(ctx context.Context) error {
	_, err, _ := m.group.Do("start", func() (any, error) {
		return nil, m.start(ctx)
	})
	return err
}

func (m *CaptureManager) start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return ErrAlreadyRunning
	}

	cfg := m.cfg
	stream, err := m.platform.Open(ctx, audio.CaptureOptions{
		Device:           cfg.Capture.Device,
		SampleRate:       cfg.Capture.SampleRate,
		BlockSize:        cfg.Capture.BlockSize,
		EchoCancellation: cfg.Capture.EchoCancellation,
		NoiseSuppression: cfg.Capture.NoiseSuppression,
	})
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}

	var closers []func() error
	closers = append(closers, stream.Close)

	unwind := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				slog.Warn("cleanup after failed start", "error", cerr)
			}
		}
	}

	var sessionID int64
	if m.store != nil {
		sessionID, err = m.store.BeginSession(ctx, m.profileName(), cfg.Capture.SampleRate, cfg.Capture.BlockSize)
		if err != nil {
			unwind()
			return fmt.Errorf("begin archive session: %w", err)
		}
	}

	// sessionCtx outlives the Start call; it scopes the background
	// goroutines of this capture session.
	sessionCtx, cancel := context.WithCancel(context.Background())

	base, focus := cfg.Sensitivity.Profiles()
	var (
		eng *capture.Engine
		up  *uplink.Uplink
	)
	eng = capture.New(capture.Config{
		ChunkSize:       cfg.Capture.BlockSize,
		Base:            base,
		Focus:           focus,
		VoiceFocus:      m.voiceFocus.Load(),
		SuppressSilence: cfg.Sensitivity.SuppressSilence,
	}, capture.Events{
		OnChunk: func(pcm []byte) {
			if up != nil {
				up.SendChunk(pcm)
			}
			if m.relay != nil {
				m.relay.PublishAudio(pcm)
			}
			if m.metrics != nil {
				m.metrics.ChunksEmitted.Add(sessionCtx, 1)
			}
		},
		OnVolume: func(rms float64) {
			if m.relay != nil {
				m.relay.PublishVolume(rms, eng.Speaking())
			}
		},
		OnSegment: func(stats capture.SegmentStats) {
			if up != nil {
				up.EndSegment()
			}
			if m.relay != nil {
				m.relay.PublishSegment(stats)
			}
			dur := blockDuration(cfg.Capture) * time.Duration(stats.Blocks)
			if m.metrics != nil {
				m.metrics.RecordSegment(sessionCtx, dur.Seconds())
			}
			if m.store != nil {
				m.archiveSegment(sessionID, stats, dur)
			}
		},
		OnState: func(s capture.State) {
			speaking := s == capture.StateSpeaking
			if up != nil {
				up.SetUserSpeaking(speaking)
			}
			if m.relay != nil {
				m.relay.PublishStatus(relay.Status{
					Capturing:  true,
					Speaking:   speaking,
					VoiceFocus: m.voiceFocus.Load(),
					Gain:       eng.Gain(),
					NoiseFloor: eng.NoiseFloor(),
				})
			}
		},
	})

	if m.speech != nil {
		up = uplink.New(uplink.Config{
			Provider: m.speech,
			Session: speech.SessionConfig{
				Voice:        cfg.Upstream.Voice,
				Instructions: cfg.Upstream.Instructions,
				SampleRate:   cfg.Capture.SampleRate,
			},
			MaxAttempts:    cfg.Upstream.Reconnect.MaxAttempts,
			InitialBackoff: cfg.Upstream.Reconnect.InitialBackoff,
			MaxBackoff:     cfg.Upstream.Reconnect.MaxBackoff,
			Ducker:         eng,
		})
		if err := up.Start(ctx); err != nil {
			cancel()
			unwind()
			m.endArchiveSession(sessionID)
			return fmt.Errorf("start uplink: %w", err)
		}
		closers = append(closers, up.Close)

		m.wg.Add(2)
		go m.forwardAgentAudio(up)
		go m.forwardTranscripts(up, sessionID)
	}

	if err := eng.Start(stream); err != nil {
		cancel()
		unwind()
		m.endArchiveSession(sessionID)
		return fmt.Errorf("start engine: %w", err)
	}
	closers = append(closers, func() error {
		eng.Stop()
		return nil
	})

	if m.volumeMul != 1 {
		eng.SetVolumeMultiplier(m.volumeMul)
	}

	if m.metrics != nil {
		m.wg.Add(1)
		go m.pumpStats(sessionCtx, eng, up)
	}

	m.active = true
	m.engine = eng
	m.up = up
	m.closers = closers
	m.cancel = cancel
	m.sessionID = sessionID
	m.startedAt = time.Now().UTC()

	slog.Info("capture started",
		"device", orDefault(cfg.Capture.Device),
		"sample_rate", cfg.Capture.SampleRate,
		"block_size", cfg.Capture.BlockSize,
		"voice_focus", m.voiceFocus.Load(),
		"upstream", m.speech != nil)
	return nil
}

// Stop tears the session down in reverse build order: the engine stops
// producing chunks, the uplink closes the upstream session, and the device
// stream is released last. Returns ErrNotRunning when capture is idle.
func (m *CaptureManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return ErrNotRunning
	}

	var firstErr error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.cancel()
	m.wg.Wait()

	if m.store != nil {
		if err := m.store.EndSession(ctx, m.sessionID); err != nil {
			slog.Warn("end archive session", "session_id", m.sessionID, "error", err)
		}
	}
	if m.relay != nil {
		m.relay.PublishStatus(relay.Status{VoiceFocus: m.voiceFocus.Load()})
	}

	m.active = false
	m.engine = nil
	m.up = nil
	m.closers = nil
	m.cancel = nil
	m.sessionID = 0

	slog.Info("capture stopped")
	return firstErr
}

// SetVolumeMultiplier scales the engine's output gain. Accepted while idle;
// the value then seeds the next session.
func (m *CaptureManager) SetVolumeMultiplier(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumeMul = v
	if m.active {
		m.engine.SetVolumeMultiplier(v)
	}
}

// SetVoiceFocus toggles the stricter detection profile. Allowed while idle;
// the value then seeds the next session.
func (m *CaptureManager) SetVoiceFocus(enabled bool) {
	m.voiceFocus.Store(enabled)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.engine.SetVoiceFocus(enabled)
		if m.relay != nil {
			m.relay.PublishStatus(m.statusLocked())
		}
	}
}

// ApplySensitivity retunes a running engine with hot-reloaded detection
// settings and records the new voice-focus default.
func (m *CaptureManager) ApplySensitivity(sc config.SensitivityConfig) {
	m.voiceFocus.Store(sc.VoiceFocus)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	base, focus := sc.Profiles()
	m.engine.Retune(base, focus)
	m.engine.SetVoiceFocus(sc.VoiceFocus)
	slog.Info("sensitivity retuned", "voice_focus", sc.VoiceFocus)
}

// CaptureStatus is a point-in-time snapshot of the manager.
type CaptureStatus struct {
	Running          bool       `json:"running"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	Speaking         bool       `json:"speaking"`
	VoiceFocus       bool       `json:"voice_focus"`
	Gain             float64    `json:"gain"`
	NoiseFloor       float64    `json:"noise_floor"`
	VolumeMultiplier float64    `json:"volume_multiplier"`
	BlocksProcessed  uint64     `json:"blocks_processed"`
	ChunksSuppressed uint64     `json:"chunks_suppressed"`
	UplinkReconnects uint64     `json:"uplink_reconnects"`
	UplinkDropped    uint64     `json:"uplink_dropped"`
	AgentSpeaking    bool       `json:"agent_speaking"`
}

// Status reports the current capture state.
func (m *CaptureManager) Status() CaptureStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := CaptureStatus{
		Running:          m.active,
		VoiceFocus:       m.voiceFocus.Load(),
		VolumeMultiplier: m.volumeMul,
	}
	if !m.active {
		return st
	}
	started := m.startedAt
	st.StartedAt = &started
	st.Speaking = m.engine.Speaking()
	st.Gain = m.engine.Gain()
	st.NoiseFloor = m.engine.NoiseFloor()
	stats := m.engine.Stats()
	st.BlocksProcessed = stats.BlocksProcessed
	st.ChunksSuppressed = stats.ChunksSuppressed
	if m.up != nil {
		st.UplinkReconnects = m.up.Reconnects()
		st.UplinkDropped = m.up.Dropped()
		st.AgentSpeaking = m.up.AgentSpeaking()
	}
	return st
}

// UplinkErr reports the running uplink's terminal error, if any. Used by the
// readiness check.
func (m *CaptureManager) UplinkErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.up == nil {
		return nil
	}
	return m.up.Err()
}

func (m *CaptureManager) statusLocked() relay.Status {
	s := relay.Status{
		Capturing:  m.active,
		VoiceFocus: m.voiceFocus.Load(),
	}
	if m.active {
		s.Speaking = m.engine.Speaking()
		s.Gain = m.engine.Gain()
		s.NoiseFloor = m.engine.NoiseFloor()
	}
	return s
}

func (m *CaptureManager) profileName() string {
	if m.voiceFocus.Load() {
		return "voice-focus"
	}
	return "default"
}

func (m *CaptureManager) forwardAgentAudio(up *uplink.Uplink) {
	defer m.wg.Done()
	for chunk := range up.Audio() {
		if m.relay != nil {
			m.relay.PublishAgentAudio(chunk)
		}
	}
}

func (m *CaptureManager) forwardTranscripts(up *uplink.Uplink, sessionID int64) {
	defer m.wg.Done()
	for t := range up.Transcripts() {
		if m.relay != nil {
			m.relay.PublishTranscript(t)
		}
		if m.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			err := m.breaker.Execute(func() error {
				return m.store.WriteTranscript(ctx, sessionID, t)
			})
			if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
				slog.Warn("archive transcript", "session_id", sessionID, "error", err)
			}
			cancel()
		}
	}
}

// archiveSegment writes the segment row off the control loop so a slow
// database never stalls the pipeline.
func (m *CaptureManager) archiveSegment(sessionID int64, stats capture.SegmentStats, dur time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		seg := archive.Segment{
			SessionID: sessionID,
			At:        time.Now().UTC(),
			Blocks:    stats.Blocks,
			Duration:  dur,
			PeakRMS:   stats.PeakRMS,
			MeanRMS:   stats.MeanRMS,
		}
		err := m.breaker.Execute(func() error {
			return m.store.WriteSegment(ctx, seg)
		})
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Warn("archive segment", "session_id", sessionID, "error", err)
		}
	}()
}

// pumpStats flushes pipeline counter deltas and gauges to metrics until the
// session context is cancelled.
func (m *CaptureManager) pumpStats(ctx context.Context, eng *capture.Engine, up *uplink.Uplink) {
	defer m.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var prev capture.Stats
	var prevReconnects, prevDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := eng.Stats()
			m.metrics.RecordPipelineStats(ctx,
				int64(stats.BlocksProcessed-prev.BlocksProcessed),
				int64(stats.ChunksSuppressed-prev.ChunksSuppressed),
				int64(stats.RMSDropped-prev.RMSDropped))
			prev = stats

			m.metrics.AppliedGain.Record(ctx, eng.Gain())
			m.metrics.NoiseFloor.Record(ctx, eng.NoiseFloor())

			if up != nil {
				reconnects, dropped := up.Reconnects(), up.Dropped()
				if d := reconnects - prevReconnects; d > 0 {
					m.metrics.UplinkReconnects.Add(ctx, int64(d))
				}
				if d := dropped - prevDropped; d > 0 {
					m.metrics.UplinkDropped.Add(ctx, int64(d))
				}
				prevReconnects, prevDropped = reconnects, dropped
			}
		}
	}
}

func (m *CaptureManager) endArchiveSession(sessionID int64) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := m.store.EndSession(ctx, sessionID); err != nil {
		slog.Warn("end archive session", "session_id", sessionID, "error", err)
	}
}

func blockDuration(c config.CaptureConfig) time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.BlockSize) * time.Second / time.Duration(c.SampleRate)
}

func orDefault(device string) string {
	if device == "" {
		return "(system default)"
	}
	return device
}

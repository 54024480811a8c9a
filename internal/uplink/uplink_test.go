package uplink_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/murmurlink/murmurlink/internal/uplink"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
	"github.com/murmurlink/murmurlink/pkg/provider/speech/mock"
)

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newSession() *mock.Session {
	return &mock.Session{
		AudioCh:       make(chan []byte, 8),
		TranscriptsCh: make(chan speech.Transcript, 8),
	}
}

// duckRecorder captures volume multiplier updates for assertions.
type duckRecorder struct {
	mu   sync.Mutex
	vals []float64
}

func (d *duckRecorder) SetVolumeMultiplier(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vals = append(d.vals, v)
}

func (d *duckRecorder) last() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.vals) == 0 {
		return 0, false
	}
	return d.vals[len(d.vals)-1], true
}

func TestUplinkForwardsChunks(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	u.SendChunk([]byte{0x01, 0x02, 0x03})
	waitFor(t, time.Second, func() bool { return sess.Sends() == 1 }, "chunk never forwarded")

	if err := u.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sess.SendAudioCalls[0].Chunk; !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("forwarded chunk = %v, want [1 2 3]", got)
	}
}

func TestUplinkCommitOnSegmentEnd(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	u.EndSegment()
	waitFor(t, time.Second, func() bool { return sess.Commits() == 1 }, "segment end never committed")
}

func TestUplinkInitialConnectError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{ConnectErr: errors.New("endpoint down")}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err == nil {
		t.Fatal("expected initial connect error")
	}
}

func TestUplinkStartTwice(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Session: newSession()}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer u.Close()

	if err := u.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestUplinkReconnectsOnSessionClose(t *testing.T) {
	t.Parallel()

	s1 := newSession()
	s2 := newSession()
	p := &mock.Provider{Sessions: []speech.Session{s1, s2}}
	u := uplink.New(uplink.Config{
		Provider:       p,
		InitialBackoff: time.Millisecond,
	})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	close(s1.AudioCh)
	waitFor(t, time.Second, func() bool { return p.Connects() == 2 }, "no reconnect after session close")
	waitFor(t, time.Second, func() bool { return u.Reconnects() == 1 }, "reconnect counter not incremented")

	u.SendChunk([]byte{0x0a})
	waitFor(t, time.Second, func() bool { return s2.Sends() == 1 }, "chunk not forwarded to new session")
}

func TestUplinkReconnectsOnSendError(t *testing.T) {
	t.Parallel()

	s1 := newSession()
	s1.SendAudioErr = errors.New("write: broken pipe")
	s2 := newSession()
	p := &mock.Provider{Sessions: []speech.Session{s1, s2}}
	u := uplink.New(uplink.Config{
		Provider:       p,
		InitialBackoff: time.Millisecond,
	})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	u.SendChunk([]byte{0x01})
	waitFor(t, time.Second, func() bool { return p.Connects() == 2 }, "no reconnect after send error")

	u.SendChunk([]byte{0x02})
	waitFor(t, time.Second, func() bool { return s2.Sends() == 1 }, "chunk not forwarded after reconnect")
}

func TestUplinkGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	s1 := newSession()
	down := errors.New("endpoint down")
	p := &mock.Provider{
		Sessions:    []speech.Session{s1},
		ConnectErrs: []error{nil, down, down},
	}
	u := uplink.New(uplink.Config{
		Provider:       p,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	close(s1.AudioCh)
	waitFor(t, time.Second, func() bool { return u.Err() != nil }, "fatal error never recorded")
	if got := p.Connects(); got != 3 {
		t.Errorf("Connects() = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestUplinkRetriesIndefinitelyWithZeroMaxAttempts(t *testing.T) {
	t.Parallel()

	s1 := newSession()
	p := &mock.Provider{
		Sessions:    []speech.Session{s1},
		ConnectErrs: []error{nil},
		ConnectErr:  errors.New("endpoint down"),
	}
	u := uplink.New(uplink.Config{
		Provider:       p,
		MaxAttempts:    0,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	close(s1.AudioCh)

	// Well past any bounded attempt budget, still retrying and not fatal.
	waitFor(t, 2*time.Second, func() bool { return p.Connects() > 20 }, "retries stopped early")
	if err := u.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil while retrying", err)
	}
}

func TestUplinkDucksWhileAgentSpeaks(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	rec := &duckRecorder{}
	u := uplink.New(uplink.Config{
		Provider:     p,
		AgentSilence: 30 * time.Millisecond,
		Ducker:       rec,
	})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	sess.AudioCh <- []byte{0x01, 0x02}
	waitFor(t, time.Second, func() bool { return u.AgentSpeaking() }, "agent speech never detected")
	if v, ok := rec.last(); !ok || v != 0 {
		t.Errorf("ducking target = %v, want 0", v)
	}

	if got := <-u.Audio(); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Errorf("agent audio = %v, want [1 2]", got)
	}

	// No further chunks: the silence timer must release the duck.
	waitFor(t, time.Second, func() bool { return !u.AgentSpeaking() }, "agent speech never released")
	waitFor(t, time.Second, func() bool {
		v, ok := rec.last()
		return ok && v == 1
	}, "ducking target never restored")
}

func TestUplinkInterruptsOnBargeIn(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	u := uplink.New(uplink.Config{
		Provider:     p,
		AgentSilence: 500 * time.Millisecond,
	})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	sess.AudioCh <- []byte{0x01}
	waitFor(t, time.Second, func() bool { return u.AgentSpeaking() }, "agent speech never detected")

	u.SetUserSpeaking(true)
	waitFor(t, time.Second, func() bool { return sess.Interrupts() == 1 }, "barge-in never cancelled the response")
}

func TestUplinkNoInterruptWhenAgentIdle(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	u.SetUserSpeaking(true)
	time.Sleep(20 * time.Millisecond)
	if got := sess.Interrupts(); got != 0 {
		t.Errorf("Interrupts() = %d, want 0", got)
	}
}

func TestUplinkForwardsTranscripts(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	want := speech.Transcript{Role: "agent", Text: "hello there", At: time.Now()}
	sess.TranscriptsCh <- want

	select {
	case got := <-u.Transcripts():
		if got.Role != want.Role || got.Text != want.Text {
			t.Errorf("transcript = %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript never forwarded")
	}
}

func TestUplinkDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	// Never started: nothing drains the queue, so sends past the buffer
	// depth must drop rather than block.
	u := uplink.New(uplink.Config{Provider: &mock.Provider{}})

	for range 100 {
		u.SendChunk([]byte{0x00})
	}
	if got := u.Dropped(); got == 0 {
		t.Error("expected dropped chunks once the queue filled")
	}
}

func TestUplinkCloseIdempotent(t *testing.T) {
	t.Parallel()

	sess := newSession()
	p := &mock.Provider{Session: sess}
	u := uplink.New(uplink.Config{Provider: p})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.CloseCallCount == 0 {
		t.Error("session was never closed")
	}
}

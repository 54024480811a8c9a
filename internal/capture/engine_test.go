package capture

import (
	"testing"
	"time"

	"github.com/murmurlink/murmurlink/pkg/audio/mock"
)

func loudBlock(n int) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = 0.5
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineEmitsChunks(t *testing.T) {
	chunks := make(chan []byte, 64)
	volumes := make(chan float64, 64)
	e := New(Config{ChunkSize: 64}, Events{
		OnChunk:  func(pcm []byte) { chunks <- pcm },
		OnVolume: func(rms float64) { volumes <- rms },
	})
	stream := mock.NewStream(4)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	stream.Push(loudBlock(64))

	select {
	case pcm := <-chunks:
		if len(pcm) != 128 {
			t.Errorf("chunk length = %d bytes, want 128", len(pcm))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk emitted")
	}
	select {
	case rms := <-volumes:
		if rms < 0.49 || rms > 0.51 {
			t.Errorf("reported rms = %v, want ~0.5", rms)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no volume report")
	}
}

func TestEngineDetectsSpeech(t *testing.T) {
	states := make(chan State, 16)
	e := New(Config{ChunkSize: 64}, Events{
		OnState: func(s State) { states <- s },
	})
	stream := mock.NewStream(16)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	quiet := make([]float32, 64)
	for i := 0; i < 4; i++ {
		stream.Push(quiet)
	}
	for i := 0; i < 8; i++ {
		stream.Push(loudBlock(64))
	}

	select {
	case s := <-states:
		if s != StateSpeaking {
			t.Errorf("first transition = %v, want speaking", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no speaking transition")
	}
	waitFor(t, "Speaking() mirror", e.Speaking)
}

func TestEngineSegmentAfterSpeech(t *testing.T) {
	segs := make(chan SegmentStats, 4)
	p := DefaultProfile()
	p.OnsetBlocks = 1
	p.HistoryBlocks = 1
	p.HoldBlocks = 3
	e := New(Config{ChunkSize: 64, Base: p, Focus: p}, Events{
		OnSegment: func(seg SegmentStats) { segs <- seg },
	})
	stream := mock.NewStream(16)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	quiet := make([]float32, 64)
	for i := 0; i < 4; i++ {
		stream.Push(loudBlock(64))
	}
	for i := 0; i < 12; i++ {
		stream.Push(quiet)
	}

	select {
	case seg := <-segs:
		if seg.Blocks == 0 {
			t.Error("segment with zero blocks")
		}
		if seg.PeakRMS < 0.4 {
			t.Errorf("segment peak = %v, want ~0.5", seg.PeakRMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no segment emitted after speech ended")
	}
}

func TestEngineDucking(t *testing.T) {
	e := New(Config{ChunkSize: 64}, Events{})
	stream := mock.NewStream(16)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.SetVolumeMultiplier(0)
	block := make([]float32, 64)
	go func() {
		for i := 0; i < 200; i++ {
			stream.Push(block)
		}
	}()

	waitFor(t, "ducking to take effect", func() bool {
		return e.VolumeMultiplier() < 0.1
	})
}

func TestEngineGainTargetLatestWins(t *testing.T) {
	e := New(Config{ChunkSize: 64}, Events{})

	// Nothing consumes gainCh here, like a render loop between blocks.
	// Repeated publishes must replace the buffered target, never block.
	e.publishGain(0.5)
	e.publishGain(1.5)
	e.publishGain(4.0)

	select {
	case g := <-e.gainCh:
		if g != 4.0 {
			t.Fatalf("buffered gain target = %v, want 4.0 (most recent)", g)
		}
	default:
		t.Fatal("no gain target buffered")
	}
	select {
	case g := <-e.gainCh:
		t.Fatalf("stale gain target %v left behind", g)
	default:
	}
}

func TestEngineRenderLoopOutrunsStalledControlLoop(t *testing.T) {
	stalled := make(chan struct{}, 1)
	release := make(chan struct{})
	e := New(Config{ChunkSize: 64}, Events{
		// Wedge the control loop on its first state transition.
		OnState: func(State) {
			select {
			case stalled <- struct{}{}:
			default:
			}
			<-release
		},
	})
	stream := mock.NewStream(64)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	defer close(release)

	for i := 0; i < 8; i++ {
		stream.Push(loudBlock(64))
	}
	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop never reached the speaking transition")
	}

	// With the control loop wedged the RMS channel fills up; the render
	// loop must keep consuming blocks and shed measurements instead.
	before := e.Stats().BlocksProcessed
	for i := 0; i < 2*rmsBuf; i++ {
		stream.Push(loudBlock(64))
	}
	waitFor(t, "render loop to keep flowing", func() bool {
		return e.Stats().BlocksProcessed >= before+uint64(2*rmsBuf)
	})
	if dropped := e.Stats().RMSDropped; dropped == 0 {
		t.Error("RMSDropped = 0, want measurements shed while control loop stalled")
	}
}

func TestEngineStartTwice(t *testing.T) {
	e := New(Config{}, Events{})
	stream := mock.NewStream(1)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(stream); err == nil {
		t.Error("second Start returned nil error")
	}
	e.Stop()
}

func TestEngineStopResets(t *testing.T) {
	e := New(Config{ChunkSize: 64}, Events{})
	stream := mock.NewStream(16)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 8; i++ {
		stream.Push(loudBlock(64))
	}
	waitFor(t, "blocks to be processed", func() bool {
		return e.Stats().BlocksProcessed >= 8
	})

	e.Stop()
	e.Stop() // idempotent

	if e.Speaking() {
		t.Error("still speaking after stop")
	}
	if g := e.Gain(); g != 0 {
		t.Errorf("gain = %v after stop, want 0", g)
	}
	if v := e.VolumeMultiplier(); v != 1 {
		t.Errorf("volume multiplier = %v after stop, want 1", v)
	}
}

func TestEngineSurvivesStreamClose(t *testing.T) {
	e := New(Config{ChunkSize: 64}, Events{})
	stream := mock.NewStream(4)
	if err := e.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.Push(loudBlock(64))
	stream.Finish() // device vanished

	// Stop must still return promptly with the render loop already gone.
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after stream closed")
	}
}

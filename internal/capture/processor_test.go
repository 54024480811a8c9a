package capture

import (
	"testing"

	"github.com/murmurlink/murmurlink/pkg/audio"
)

func TestProcessorNeutralPassthrough(t *testing.T) {
	var chunks [][]byte
	p := NewProcessor(4, 8.0, false, func(pcm []byte) {
		chunks = append(chunks, pcm)
	})

	p.Process([]float32{0.5, -0.5, 0.25, 0})

	if len(chunks) != 1 {
		t.Fatalf("emitted %d chunks, want 1", len(chunks))
	}
	got := audio.BytesToInt16(chunks[0])
	want := []int16{16384, -16384, 8192, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestProcessorChunkRegrouping(t *testing.T) {
	var emitted int
	p := NewProcessor(100, 8.0, false, func(pcm []byte) {
		if len(pcm) != 200 {
			t.Errorf("chunk size = %d bytes, want 200", len(pcm))
		}
		emitted++
	})

	block := make([]float32, 64)
	for i := 0; i < 5; i++ {
		p.Process(block)
	}

	// 320 samples in: three full 100-sample chunks out, 20 pending.
	if emitted != 3 {
		t.Errorf("emitted %d chunks, want 3", emitted)
	}
}

func TestProcessorClipsBeforeQuantizing(t *testing.T) {
	var got []int16
	p := NewProcessor(2, 8.0, false, func(pcm []byte) {
		got = audio.BytesToInt16(pcm)
	})
	p.SetTargetGain(8.0)

	// Push the smoothed gain all the way up first.
	loud := make([]float32, 4096)
	for i := range loud {
		loud[i] = 0.9
	}
	for i := 0; i+2 <= len(loud); i += 2 {
		p.Process(loud[i : i+2])
	}

	if got == nil {
		t.Fatal("no chunk emitted")
	}
	for i, s := range got {
		if s != 32767 {
			t.Fatalf("sample %d = %d, want clipped 32767", i, s)
		}
	}
}

func TestProcessorTargetGainClamped(t *testing.T) {
	p := NewProcessor(8, 4.0, false, nil)
	p.SetTargetGain(1000)

	block := make([]float32, 8)
	for i := 0; i < 10000; i++ {
		p.Process(block)
	}
	if g := p.AppliedGain(); g > 4.0 {
		t.Errorf("applied gain = %v, exceeds max 4.0", g)
	}

	p.SetTargetGain(-3)
	for i := 0; i < 10000; i++ {
		p.Process(block)
	}
	if g := p.AppliedGain(); g < 0 || g > 1e-6 {
		t.Errorf("applied gain = %v, want ~0 after negative target clamp", g)
	}
}

func TestProcessorSilenceSuppression(t *testing.T) {
	var emitted int
	p := NewProcessor(64, 8.0, true, func(pcm []byte) { emitted++ })
	p.SetTargetGain(0)

	block := make([]float32, 64)
	const blocks = 30
	for i := 0; i < blocks; i++ {
		p.Process(block)
	}

	suppressed := int(p.Suppressed())
	if suppressed == 0 {
		t.Error("no chunks suppressed despite zero gain target")
	}
	if emitted+suppressed != blocks {
		t.Errorf("emitted %d + suppressed %d != %d blocks", emitted, suppressed, blocks)
	}
}

func TestProcessorReset(t *testing.T) {
	var emitted int
	p := NewProcessor(100, 8.0, false, func(pcm []byte) { emitted++ })
	p.SetTargetGain(5)
	p.Process(make([]float32, 50)) // half a chunk pending

	p.Reset()

	if g := p.AppliedGain(); g != 1.0 {
		t.Errorf("applied gain after reset = %v, want 1.0", g)
	}
	// The pending half chunk must be gone: a fresh full chunk emits exactly once.
	p.Process(make([]float32, 100))
	if emitted != 1 {
		t.Errorf("emitted %d chunks after reset, want 1", emitted)
	}
}

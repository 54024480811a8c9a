package capture

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	tests := []struct {
		name  string
		block []float32
		want  float64
	}{
		{name: "empty", block: nil, want: 0},
		{name: "silence", block: make([]float32, 64), want: 0},
		{name: "constant half", block: []float32{0.5, 0.5, 0.5, 0.5}, want: 0.5},
		{name: "alternating sign", block: []float32{0.5, -0.5, 0.5, -0.5}, want: 0.5},
		{name: "nan treated as zero", block: []float32{float32(math.NaN()), 0, 0, 0}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.block)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeak(t *testing.T) {
	block := []float32{0.1, -0.7, 0.3}
	// 0.7 is not exactly representable in float32; compare against the
	// value the block actually carries.
	want := float64(float32(0.7))
	if got := Peak(block); math.Abs(got-want) > 1e-9 {
		t.Errorf("Peak() = %v, want %v", got, want)
	}
	if got := Peak(nil); got != 0 {
		t.Errorf("Peak(nil) = %v, want 0", got)
	}
}

func TestDBFS(t *testing.T) {
	if got := DBFS(1.0); math.Abs(got) > 1e-9 {
		t.Errorf("DBFS(1.0) = %v, want 0", got)
	}
	if got := DBFS(0.5); math.Abs(got-(-6.0206)) > 0.001 {
		t.Errorf("DBFS(0.5) = %v, want ~-6.02", got)
	}
	if got := DBFS(0); got != -96 {
		t.Errorf("DBFS(0) = %v, want -96", got)
	}
	if got := DBFS(1e-10); got != -96 {
		t.Errorf("DBFS(1e-10) = %v, want -96 floor", got)
	}
}

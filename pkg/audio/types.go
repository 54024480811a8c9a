package audio

// Standard capture format for the murmurlink pipeline. The speech endpoints
// we target consume 16 kHz mono PCM16; 512-sample blocks give a 32 ms
// control-loop period.
const (
	// DefaultSampleRate is the pipeline sample rate in Hz.
	DefaultSampleRate = 16000

	// DefaultBlockSize is the number of samples per capture block.
	DefaultBlockSize = 512
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BlockDurationMs returns the duration of one block of n samples at rate Hz,
// in milliseconds.
func BlockDurationMs(n, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(n) * 1000 / float64(rate)
}

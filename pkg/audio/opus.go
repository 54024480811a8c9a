package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the Opus packet duration used for the relay's compressed
// broadcast mode. 20 ms is the codec's sweet spot for speech.
const opusFrameMs = 20

// OpusEncoder encodes mono PCM16 audio into Opus packets.
//
// Opus only accepts fixed frame durations (2.5–60 ms), which rarely line up
// with the capture pipeline's block size, so the encoder repacketizes: input
// chunks of any length are buffered internally and complete 20 ms frames are
// emitted as they fill. Not safe for concurrent use; create one per stream.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int // samples per 20 ms frame
	pending   []int16
}

// NewOpusEncoder creates a mono Opus encoder for the given sample rate.
// sampleRate must be one of the rates Opus supports (8, 12, 16, 24, 48 kHz).
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		frameSize: sampleRate * opusFrameMs / 1000,
	}, nil
}

// Encode appends pcm (little-endian PCM16 bytes) to the internal buffer and
// returns zero or more complete Opus packets. Samples that do not yet fill a
// frame are retained for the next call.
func (e *OpusEncoder) Encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, BytesToInt16(pcm)...)

	var packets [][]byte
	for len(e.pending) >= e.frameSize {
		frame := e.pending[:e.frameSize]
		pkt, err := e.enc.Encode(frame, e.frameSize, e.frameSize*2)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[e.frameSize:]
	}

	// Reclaim the backing array once everything buffered has been consumed.
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return packets, nil
}

// FrameSize returns the number of samples per encoded Opus frame.
func (e *OpusEncoder) FrameSize() int { return e.frameSize }

// Reset discards any buffered samples without touching encoder state. Use it
// on stream restart so a stale partial frame is not glued onto new audio.
func (e *OpusEncoder) Reset() {
	e.pending = nil
}

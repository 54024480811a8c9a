package audio

import "math"

// Float32ToPCM16 quantizes mono float32 samples in [-1, 1] to little-endian
// 16-bit signed PCM. Each sample is rounded (`round(s × 32767)`) and clamped
// to the int16 range, so out-of-range input cannot wrap.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := QuantizeSample(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian 16-bit signed PCM back to float32
// samples. The scale matches [Float32ToPCM16]: a round trip reconstructs the
// original sample to within one quantization step (1/32768).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32767
	}
	return out
}

// QuantizeSample converts one float32 sample to int16 with rounding and
// clamping. NaN quantizes to 0.
func QuantizeSample(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * 32767)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// StereoToMonoF32 averages interleaved L/R float32 samples into mono.
func StereoToMonoF32(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// ResampleF32 resamples mono float32 PCM from srcRate to dstRate using linear
// interpolation. If the rates match (or are invalid) the input is returned
// unchanged. Linear interpolation is adequate here: the capture path always
// downsamples speech toward 16 kHz, where the added distortion sits well
// under the quantization floor.
func ResampleF32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// BytesToInt16 converts little-endian PCM16 bytes to int16 samples.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16ToBytes converts int16 samples to little-endian PCM16 bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

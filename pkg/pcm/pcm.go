// Package pcm converts inbound peer audio to the pipeline's native format:
// 48kHz mono PCM16 little-endian.
package pcm

// FromBytes converts raw PCM16 little-endian bytes to int16 samples.
func FromBytes(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// ToBytes converts int16 samples to raw PCM16 little-endian bytes.
func ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Resample converts samples between rates using linear interpolation,
// which is adequate for speech.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		s1 := float64(samples[idx])
		s2 := float64(samples[idx+1])
		out[i] = int16(s1 + frac*(s2-s1))
	}
	return out
}

// DownmixStereo averages interleaved stereo samples to mono.
func DownmixStereo(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		left := int32(samples[i*2])
		right := int32(samples[i*2+1])
		mono[i] = int16((left + right) / 2)
	}
	return mono
}

// Normalize converts a raw PCM16 buffer at the given rate and channel count
// to 48kHz mono. The input bytes are returned untouched when already native.
func Normalize(data []byte, rate, channels int) []byte {
	if rate == 48000 && channels == 1 {
		return data
	}
	samples := FromBytes(data)
	if channels == 2 {
		samples = DownmixStereo(samples)
	}
	samples = Resample(samples, rate, 48000)
	return ToBytes(samples)
}

// Package audio holds the PCM helpers shared by the transport, VAD and
// provider packages. All PCM is signed 16-bit little-endian mono.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// InputSampleRate is the rate of decoded participant audio fed to VAD and STT.
	InputSampleRate = 16000
	// OutputSampleRate is the rate TTS providers deliver and the Opus encoder consumes.
	OutputSampleRate = 48000
)

// BytesToSamples converts PCM16LE bytes to samples. A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// SamplesToBytes converts samples to PCM16LE bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// RMS returns the root mean square energy of the frame.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Resample converts samples between rates with linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}

// ResampleBytes is Resample over PCM16LE bytes.
func ResampleBytes(pcm []byte, from, to int) []byte {
	return SamplesToBytes(Resample(BytesToSamples(pcm), from, to))
}

// DurationMs returns the playback length in milliseconds of pcm at rate.
func DurationMs(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return len(pcm) / 2 * 1000 / rate
}

// Package audio holds sample conversions, WAV framing and the spectrum
// analyser that feeds voice activity detection.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is used when a caller does not know the capture rate.
	DefaultSampleRate = 48000
	// RealtimeSampleRate is the PCM16 rate the speech-to-speech service expects.
	RealtimeSampleRate = 24000
)

// Float32ToPCM16 converts [-1,1] float samples to little-endian PCM16 bytes,
// clamping out-of-range values. NaN becomes silence.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var n int16
		if v < 0 {
			n = int16(v * 0x8000)
		} else {
			n = int16(v * 0x7fff)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(n))
	}
	return out
}

// PCM16ToFloat32 is the inverse of Float32ToPCM16. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		n := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if n < 0 {
			out[i] = float32(n) / 0x8000
		} else {
			out[i] = float32(n) / 0x7fff
		}
	}
	return out
}

// EncodePCM16Base64 converts float samples to base64 PCM16 in one step.
func EncodePCM16Base64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Float32ToPCM16(samples))
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples, the layout
// the host UI uses for raw microphone frames. NaN and infinite samples are
// replaced with silence; bad is how many were.
func DecodeFloat32LE(raw []byte) (samples []float32, bad int) {
	samples = make([]float32, len(raw)/4)
	for i := range samples {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if !finite(v) {
			v = 0
			bad++
		}
		samples[i] = v
	}
	return samples, bad
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	ratio := float64(from) / float64(to)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// Duration returns how long n mono samples last at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

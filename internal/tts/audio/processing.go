// Package audio provides waveform normalization and container encoding for the TTS
// service. All model-facing audio is mono float32 in [-1, 1] at the model's
// canonical sample rate.
package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/book-expert/voice-tts-service/internal/core"
)

// Format is an audio container name as used in requests.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
)

// Common errors for the audio package.
var (
	ErrInvalidSampleRate = errors.New("invalid sample rate")
	ErrNoChannels        = errors.New("waveform has no channels")
)

// Normalize converts a decoded waveform to mono at targetRate.
func Normalize(waveform core.Waveform, targetRate int) ([]float32, error) {
	if waveform.SampleRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz -> %d Hz", ErrInvalidSampleRate, waveform.SampleRate, targetRate)
	}

	mono, err := ToMono(waveform.Channels)
	if err != nil {
		return nil, err
	}

	return ResampleMono(mono, waveform.SampleRate, targetRate), nil
}

// ToMono averages all channels sample by sample. A single channel is returned as is.
// Channels of unequal length are truncated to the shortest one.
func ToMono(channels [][]float32) ([]float32, error) {
	switch len(channels) {
	case 0:
		return nil, ErrNoChannels
	case 1:
		return channels[0], nil
	}

	frames := len(channels[0])
	for _, channel := range channels[1:] {
		frames = min(frames, len(channel))
	}

	mono := make([]float32, frames)
	scale := 1 / float64(len(channels))

	for i := range frames {
		var sum float64
		for _, channel := range channels {
			sum += float64(channel[i])
		}

		mono[i] = float32(sum * scale)
	}

	return mono, nil
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return []float32{}
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[min(srcIdx, last)]
		s1 := samples[min(srcIdx+1, last)]

		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}

	return out
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float64 {
	var peak float64

	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}

	return peak
}

package audio

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/book-expert/voice-tts-service/internal/core"
)

const (
	wavBitDepth     = 16
	wavPCMFormat    = 1
	wavMonoChannels = 1
	pcm8Offset      = 128
)

// WAV decoding errors.
var (
	ErrInvalidWAV         = errors.New("not a valid WAV file")
	ErrUnsupportedEncoder = errors.New("unsupported WAV encoding")
)

// decodeWAV reads an integer PCM WAV container into float channels.
func decodeWAV(data []byte) (core.Waveform, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return core.Waveform{}, ErrInvalidWAV
	}

	if decoder.WavAudioFormat != wavPCMFormat {
		return core.Waveform{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedEncoder, decoder.WavAudioFormat)
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return core.Waveform{}, fmt.Errorf("failed to read PCM data: %w", err)
	}

	numChannels := int(decoder.NumChans)
	if numChannels <= 0 {
		return core.Waveform{}, ErrNoChannels
	}

	bitDepth := int(decoder.BitDepth)
	frames := len(buffer.Data) / numChannels
	channels := make([][]float32, numChannels)

	for ch := range channels {
		channels[ch] = make([]float32, frames)
	}

	for frame := range frames {
		for ch := range numChannels {
			channels[ch][frame] = pcmToFloat(buffer.Data[frame*numChannels+ch], bitDepth)
		}
	}

	return core.Waveform{Channels: channels, SampleRate: int(decoder.SampleRate)}, nil
}

func pcmToFloat(sample, bitDepth int) float32 {
	if bitDepth == 8 {
		return float32(sample-pcm8Offset) / pcm8Offset
	}

	return float32(float64(sample) / float64(int64(1)<<(bitDepth-1)))
}

// encodeWAV writes mono samples as 16-bit PCM. The encoder needs a seekable
// writer, so the container is assembled in a temp file.
func encodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz", ErrInvalidSampleRate, sampleRate)
	}

	tempFile, err := os.CreateTemp("", "tts-output-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for wav output: %w", err)
	}

	defer func() {
		_ = tempFile.Close()
		_ = os.Remove(tempFile.Name())
	}()

	encoder := wav.NewEncoder(tempFile, sampleRate, wavBitDepth, wavMonoChannels, wavPCMFormat)

	buffer := &goaudio.IntBuffer{
		Data:           floatsToPCM16(samples),
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: wavMonoChannels},
		SourceBitDepth: wavBitDepth,
	}

	err = encoder.Write(buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to write wav samples: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to finalize wav container: %w", err)
	}

	data, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read wav output: %w", err)
	}

	return data, nil
}

func floatsToPCM16(samples []float32) []int {
	out := make([]int, len(samples))

	for i, sample := range samples {
		clamped := math.Max(-1.0, math.Min(1.0, float64(sample)))
		out[i] = int(clamped * math.MaxInt16)
	}

	return out
}

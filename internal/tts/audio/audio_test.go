package audio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/audio"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "audio_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// writeStereoWAV builds a 16-bit stereo WAV from interleaved PCM values.
func writeStereoWAV(t *testing.T, sampleRate int, interleaved []int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stereo.wav")

	file, err := os.Create(path)
	require.NoError(t, err)

	encoder := wav.NewEncoder(file, sampleRate, 16, 2, 1)
	require.NoError(t, encoder.Write(&goaudio.IntBuffer{
		Data:           interleaved,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 2},
		SourceBitDepth: 16,
	}))
	require.NoError(t, encoder.Close())
	require.NoError(t, file.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

func TestToMono_AveragesChannels(t *testing.T) {
	t.Parallel()

	mono, err := audio.ToMono([][]float32{{1, 0.5, -1}, {0, 0.5, 1}})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0}, mono, 1e-6)
}

func TestToMono_NoChannels(t *testing.T) {
	t.Parallel()

	_, err := audio.ToMono(nil)
	require.ErrorIs(t, err, audio.ErrNoChannels)
}

func TestResampleMono(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 48000)
	for i := range samples {
		samples[i] = 0.25
	}

	down := audio.ResampleMono(samples, 48000, 44100)
	assert.Len(t, down, 44100)
	assert.InDelta(t, 0.25, down[len(down)/2], 1e-6)

	same := audio.ResampleMono(samples, 44100, 44100)
	assert.Len(t, same, len(samples))

	up := audio.ResampleMono([]float32{0, 1}, 2, 4)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1, 1}, up, 1e-6)
}

func TestNormalize_InvalidRate(t *testing.T) {
	t.Parallel()

	_, err := audio.Normalize(core.Waveform{Channels: [][]float32{{0.1}}, SampleRate: 0}, 44100)
	require.ErrorIs(t, err, audio.ErrInvalidSampleRate)
}

func TestPeak(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.75, audio.Peak([]float32{0.1, -0.75, 0.5}), 1e-6)
	assert.Zero(t, audio.Peak(nil))
}

func TestCodec_WAVRoundTrip(t *testing.T) {
	t.Parallel()

	codec := audio.NewCodec("", newTestLogger(t))
	samples := []float32{0, 0.5, -0.5, 0.25}

	data, err := codec.Encode(context.Background(), samples, 44100, "wav")
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))

	waveform, err := codec.Decode(context.Background(), data)
	require.NoError(t, err)

	require.Len(t, waveform.Channels, 1)
	assert.Equal(t, 44100, waveform.SampleRate)
	assert.InDeltaSlice(t, samples, waveform.Channels[0], 1e-3)
}

func TestCodec_DecodeStereoThenNormalize(t *testing.T) {
	t.Parallel()

	codec := audio.NewCodec("", newTestLogger(t))
	data := writeStereoWAV(t, 22050, []int{16384, 0, 16384, 0, -16384, -16384})

	waveform, err := codec.Decode(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, waveform.Channels, 2)
	assert.Equal(t, 22050, waveform.SampleRate)

	mono, err := audio.Normalize(waveform, 44100)
	require.NoError(t, err)
	assert.Len(t, mono, 6)
	assert.InDelta(t, 0.25, mono[0], 1e-3)
}

func TestCodec_DecodeRejectsGarbageWithoutFFmpeg(t *testing.T) {
	t.Parallel()

	codec := audio.NewCodec("", newTestLogger(t))

	_, err := codec.Decode(context.Background(), []byte("definitely not audio"))
	require.ErrorIs(t, err, audio.ErrInvalidWAV)

	_, err = codec.Decode(context.Background(), nil)
	require.ErrorIs(t, err, audio.ErrEmptyAudio)
}

func TestCodec_EncodeFormatWithoutFFmpeg(t *testing.T) {
	t.Parallel()

	codec := audio.NewCodec("", newTestLogger(t))

	_, err := codec.Encode(context.Background(), []float32{0}, 44100, "mp3")
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	_, err = codec.Encode(context.Background(), []float32{0}, 44100, "wav -f null")
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-tts-service/internal/core"
)

const transcodeFilePermissions = 0o600

// Codec errors.
var (
	ErrEmptyAudio        = errors.New("audio data is empty")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

var formatPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// ffmpeg muxer names for container formats whose name differs from the muxer.
var ffmpegMuxers = map[Format]string{
	"m4a": "ipod",
	"aac": "adts",
}

// Codec implements core.AudioDecoder and core.AudioEncoder. WAV is handled natively;
// every other container is transcoded through the ffmpeg binary when configured.
type Codec struct {
	ffmpegPath string
	log        *logger.Logger
}

// NewCodec creates a Codec. An empty ffmpegPath limits the codec to WAV.
func NewCodec(ffmpegPath string, log *logger.Logger) *Codec {
	return &Codec{ffmpegPath: ffmpegPath, log: log}
}

// Decode decodes an audio container into channels at the native sample rate.
func (c *Codec) Decode(ctx context.Context, data []byte) (core.Waveform, error) {
	if len(data) == 0 {
		return core.Waveform{}, ErrEmptyAudio
	}

	waveform, err := decodeWAV(data)
	if err == nil {
		return waveform, nil
	}

	if c.ffmpegPath == "" {
		return core.Waveform{}, err
	}

	wavData, transcodeErr := c.transcode(ctx, data, "input.audio", FormatWAV)
	if transcodeErr != nil {
		return core.Waveform{}, transcodeErr
	}

	return decodeWAV(wavData)
}

// Encode writes mono samples into the requested container format.
func (c *Codec) Encode(ctx context.Context, samples []float32, sampleRate int, format string) ([]byte, error) {
	target := Format(format)
	if !formatPattern.MatchString(format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	wavData, err := encodeWAV(samples, sampleRate)
	if err != nil {
		return nil, err
	}

	if target == FormatWAV {
		return wavData, nil
	}

	if c.ffmpegPath == "" {
		return nil, fmt.Errorf("%w: %q (ffmpeg not configured)", ErrUnsupportedFormat, format)
	}

	return c.transcode(ctx, wavData, "input.wav", target)
}

// transcode converts data into the target container with ffmpeg, using files in a
// private temp directory.
func (c *Codec) transcode(ctx context.Context, data []byte, inputName string, target Format) ([]byte, error) {
	dir, err := os.MkdirTemp("", "tts-transcode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create transcode dir: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(dir)
		if removeErr != nil {
			c.log.Warn("Failed to remove transcode dir '%s': %v", dir, removeErr)
		}
	}()

	inputPath := filepath.Join(dir, inputName)
	outputPath := filepath.Join(dir, "output."+string(target))

	err = os.WriteFile(inputPath, data, transcodeFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to write transcode input: %w", err)
	}

	muxer, ok := ffmpegMuxers[target]
	if !ok {
		muxer = string(target)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", inputPath}
	if target == FormatWAV {
		args = append(args, "-acodec", "pcm_s16le")
	}

	args = append(args, "-f", muxer, outputPath)

	// #nosec G204 -- binary path comes from configuration, target is validated against formatPattern
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg transcode to %s failed: %w - output: %s", target, err, string(output))
	}

	result, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcode output: %w", err)
	}

	return result, nil
}

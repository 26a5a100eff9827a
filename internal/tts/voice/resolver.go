package voice

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/audio"
	"github.com/book-expert/voice-tts-service/internal/tts/text"
)

// Prompt quality thresholds.
const (
	SilenceThreshold  = 1e-6
	MinPromptDuration = 3 * time.Second
	MaxPromptDuration = 15 * time.Second
)

const (
	errFmtVoiceNotFound  = "Unknown voice '%s'. Available: [%s]"
	errFmtInvalidBase64  = "Invalid base64 string: %v"
	errFmtDecodeFailed   = "Failed to decode audio file: %v"
	errFmtFetchFailed    = "Failed to fetch audio prompt '%s': %v"
	errNoObjectStore     = "Field 'audio_prompt_key' requires an object store, none is configured."
	errZeroSamples       = "Audio prompt decoded to zero samples. Check the audio file."
	errSilentPrompt      = "Audio prompt appears to be silent (all zeros). Check the audio file."
	warnFmtShortPrompt   = "Audio prompt is very short (%.2fs). Voice cloning may not work well with prompts under 3 seconds."
	warnFmtLongPrompt    = "Audio prompt is very long (%.2fs). This may cause memory issues. Consider using a 5-15 second clip."
	warnNoTranscript     = "No transcript provided. Voice cloning works best when the transcript matches the audio prompt."
	noPresetsPlaceholder = "none loaded"
)

// Resolver turns the voice fields of a request into a resolved reference clip.
type Resolver struct {
	presets    *PresetLibrary
	decoder    core.AudioDecoder
	store      core.ObjectStore
	log        *logger.Logger
	sampleRate int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObjectStore enables the audio_prompt_key source.
func WithObjectStore(store core.ObjectStore) Option {
	return func(r *Resolver) {
		r.store = store
	}
}

// NewResolver creates a Resolver producing mono clips at sampleRate.
func NewResolver(
	presets *PresetLibrary,
	decoder core.AudioDecoder,
	sampleRate int,
	log *logger.Logger,
	opts ...Option,
) *Resolver {
	resolver := &Resolver{
		presets:    presets,
		decoder:    decoder,
		sampleRate: sampleRate,
		log:        log,
	}

	for _, opt := range opts {
		opt(resolver)
	}

	return resolver
}

// Resolve selects the cloning reference with priority preset voice, then base64
// audio_prompt, then audio_prompt_key. It validates the clip and prepends the
// transcript to every text. params is only modified when resolution succeeds;
// without any voice field it is left untouched.
func (r *Resolver) Resolve(ctx context.Context, params *core.RequestParameters) error {
	clip, transcript, err := r.selectClip(ctx, params)
	if err != nil || clip == nil {
		return err
	}

	duration := core.SamplesDuration(len(clip), r.sampleRate)
	r.log.Info("Voice cloning mode: %d samples, %.2fs @ %d Hz", len(clip), duration.Seconds(), r.sampleRate)

	if len(clip) == 0 {
		return apperror.New(apperror.CodeAudioQualityIssue, errZeroSamples)
	}

	if audio.Peak(clip) < SilenceThreshold {
		return apperror.New(apperror.CodeAudioQualityIssue, errSilentPrompt)
	}

	if duration < MinPromptDuration {
		r.log.Warn(warnFmtShortPrompt, duration.Seconds())
	}

	if duration > MaxPromptDuration {
		r.log.Warn(warnFmtLongPrompt, duration.Seconds())
	}

	texts := params.InputTexts

	if transcript == "" {
		r.log.Warn(warnNoTranscript)
	} else {
		texts = make([]string, len(params.InputTexts))
		for i, input := range params.InputTexts {
			texts[i] = text.StripConsecutiveSpeakerTags(transcript + " " + input)
		}
	}

	params.ResolvedAudio = clip
	params.AudioPromptTranscript = transcript
	params.InputTexts = texts

	return nil
}

// selectClip returns the reference clip and effective transcript. A nil clip with a
// nil error means no cloning was requested.
func (r *Resolver) selectClip(ctx context.Context, params *core.RequestParameters) ([]float32, string, error) {
	transcript := params.AudioPromptTranscript

	switch {
	case params.Voice != "":
		preset, ok := r.presets.Lookup(params.Voice)
		if !ok {
			return nil, "", apperror.New(apperror.CodeVoiceNotFound, errFmtVoiceNotFound, params.Voice, r.availableVoices())
		}

		r.log.Info("Using preset voice: %s (%s)", preset.ID, preset.DisplayName)

		if transcript == "" {
			transcript = preset.Transcript
		}

		return nonNil(preset.Audio), transcript, nil

	case params.AudioPrompt != "":
		data, err := decodeBase64(params.AudioPrompt)
		if err != nil {
			return nil, "", apperror.Wrap(apperror.CodeAudioDecodingFailed, err, errFmtInvalidBase64, err)
		}

		clip, err := r.decodeClip(ctx, data)

		return clip, transcript, err

	case params.AudioPromptKey != "":
		if r.store == nil {
			return nil, "", apperror.New(apperror.CodeInvalidInput, errNoObjectStore)
		}

		data, err := r.store.Download(ctx, params.AudioPromptKey)
		if err != nil {
			return nil, "", apperror.Wrap(apperror.CodeAudioDecodingFailed, err, errFmtFetchFailed, params.AudioPromptKey, err)
		}

		clip, err := r.decodeClip(ctx, data)

		return clip, transcript, err

	default:
		return nil, "", nil
	}
}

func (r *Resolver) decodeClip(ctx context.Context, data []byte) ([]float32, error) {
	waveform, err := r.decoder.Decode(ctx, data)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeAudioDecodingFailed, err, errFmtDecodeFailed, err)
	}

	samples, err := audio.Normalize(waveform, r.sampleRate)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeAudioDecodingFailed, err, errFmtDecodeFailed, err)
	}

	return nonNil(samples), nil
}

func (r *Resolver) availableVoices() string {
	ids := r.presets.IDs()
	if len(ids) == 0 {
		return noPresetsPlaceholder
	}

	return strings.Join(ids, ", ")
}

// decodeBase64 accepts padded or unpadded standard base64. Embedded whitespace,
// such as line wrapping, is ignored.
func decodeBase64(encoded string) ([]byte, error) {
	compact := strings.Join(strings.Fields(encoded), "")

	data, err := base64.StdEncoding.DecodeString(compact)
	if err == nil {
		return data, nil
	}

	data, rawErr := base64.RawStdEncoding.DecodeString(compact)
	if rawErr == nil {
		return data, nil
	}

	return nil, err
}

// nonNil keeps an empty clip distinguishable from "no cloning".
func nonNil(samples []float32) []float32 {
	if samples == nil {
		return []float32{}
	}

	return samples
}

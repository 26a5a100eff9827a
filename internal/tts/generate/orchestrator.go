// Package generate drives the inference model for one validated request: input
// preparation, seeded generation, decoding and per-clip encoding.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/observe"
	"github.com/book-expert/voice-tts-service/internal/tts/seed"
)

// Generation modes.
const (
	ModeTTS        = "tts"
	ModeVoiceClone = "voice_clone"
)

const (
	errOutOfMemory     = "GPU out of memory. Try reducing batch size or text length."
	errFmtGeneration   = "Generation failed: %v"
	errFmtClipCount    = "model returned %d clips for %d texts"
	base64BytesPerChar = 3.0 / 4.0
	bytesPerKB         = 1024
)

// ErrClipCountMismatch is returned when decoding yields a different number of clips than texts.
var ErrClipCountMismatch = errors.New("clip count mismatch")

// Orchestrator turns validated request parameters into encoded audio clips.
type Orchestrator struct {
	model   core.Model
	encoder core.AudioEncoder
	scope   *seed.Scope
	metrics *observe.Metrics
	log     *logger.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records generation latency and clip counts.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// New creates an Orchestrator.
func New(model core.Model, encoder core.AudioEncoder, scope *seed.Scope, log *logger.Logger, opts ...Option) *Orchestrator {
	orchestrator := &Orchestrator{
		model:   model,
		encoder: encoder,
		scope:   scope,
		log:     log,
	}

	for _, opt := range opts {
		opt(orchestrator)
	}

	return orchestrator
}

// SampleRate is the rate of every clip the orchestrator produces.
func (o *Orchestrator) SampleRate() int {
	return o.model.SampleRate()
}

// Generate synthesizes one clip per input text, in input order. Model failures map to
// GPU_OOM or GENERATION_FAILED; encoding failures are returned unclassified.
func (o *Orchestrator) Generate(ctx context.Context, params *core.RequestParameters) ([][]byte, error) {
	texts := params.InputTexts
	prompt := buildPrompt(params)

	inputs, err := o.model.Prepare(ctx, texts, prompt)
	if err != nil {
		return nil, o.classify(err)
	}

	var promptLens []int
	if prompt != nil {
		promptLens = PromptLengths(inputs.DecoderAttentionMask)
	}

	o.logSettings(params, promptLens)

	start := time.Now()

	var tokens *core.Tokens

	err = o.scope.Run(params.Seed, func() error {
		var generateErr error

		tokens, generateErr = o.model.Generate(ctx, inputs, params.Sampling())

		return generateErr
	})
	if err != nil {
		return nil, o.classify(err)
	}

	waveforms, err := o.model.Decode(ctx, tokens, promptLens)
	if err != nil {
		return nil, o.classify(err)
	}

	if len(waveforms) != len(texts) {
		return nil, o.classify(fmt.Errorf("%w: "+errFmtClipCount, ErrClipCountMismatch, len(waveforms), len(texts)))
	}

	sampleRate := o.model.SampleRate()
	clips := make([][]byte, len(waveforms))

	for i, waveform := range waveforms {
		clips[i], err = o.encoder.Encode(ctx, waveform, sampleRate, params.OutputFormat)
		if err != nil {
			return nil, fmt.Errorf("failed to encode clip %d as %s: %w", i, params.OutputFormat, err)
		}
	}

	o.metrics.RecordGeneration(ctx, mode(params), params.OutputFormat, len(clips), time.Since(start))

	return clips, nil
}

// buildPrompt returns the cloning reference shaped for the batch: the clip itself for
// a single text, the same clip once per text otherwise.
func buildPrompt(params *core.RequestParameters) *core.AudioPrompt {
	if !params.IsVoiceCloning() {
		return nil
	}

	if len(params.InputTexts) == 1 {
		return &core.AudioPrompt{Single: params.ResolvedAudio}
	}

	batch := make([][]float32, len(params.InputTexts))
	for i := range batch {
		batch[i] = params.ResolvedAudio
	}

	return &core.AudioPrompt{Batch: batch}
}

// PromptLengths returns, per batch row, the number of decoder positions taken by the
// audio prompt.
func PromptLengths(decoderMask [][]int) []int {
	lengths := make([]int, len(decoderMask))

	for i, row := range decoderMask {
		for _, v := range row {
			lengths[i] += v
		}
	}

	return lengths
}

func (o *Orchestrator) classify(err error) error {
	if errors.Is(err, core.ErrDeviceOutOfMemory) {
		o.log.Error("GPU out of memory: %v", err)

		return apperror.Wrap(apperror.CodeGPUOutOfMemory, err, errOutOfMemory)
	}

	o.log.Error("Generation failed: %v", err)

	return apperror.Wrap(apperror.CodeGenerationFailed, err, errFmtGeneration, err)
}

func mode(params *core.RequestParameters) string {
	if params.IsVoiceCloning() {
		return ModeVoiceClone
	}

	return ModeTTS
}

type settings struct {
	Seed           *int64  `json:"seed"`
	OutputFormat   string  `json:"output_format"`
	Voice          string  `json:"voice,omitempty"`
	AudioPrompt    string  `json:"audio_prompt,omitempty"`
	AudioPromptLen []int   `json:"audio_prompt_len,omitempty"`
	MaxNewTokens   int     `json:"max_new_tokens"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	TopK           int     `json:"top_k"`
}

func (o *Orchestrator) logSettings(params *core.RequestParameters, promptLens []int) {
	o.log.Info("Generation (%s) started", mode(params))

	for i, input := range params.InputTexts {
		o.log.Info("text[%d]: %q", i, input)
	}

	current := settings{
		MaxNewTokens:   params.MaxNewTokens,
		GuidanceScale:  params.GuidanceScale,
		Temperature:    params.Temperature,
		TopP:           params.TopP,
		TopK:           params.TopK,
		Seed:           params.Seed,
		OutputFormat:   params.OutputFormat,
		Voice:          params.Voice,
		AudioPromptLen: promptLens,
	}

	if params.AudioPrompt != "" && params.Voice == "" {
		sizeKB := int(float64(len(params.AudioPrompt))*base64BytesPerChar) / bytesPerKB
		current.AudioPrompt = fmt.Sprintf("<%d KB>", sizeKB)
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		o.log.Warn("Failed to encode generation settings: %v", err)

		return
	}

	o.log.Info("Settings: %s", encoded)
}

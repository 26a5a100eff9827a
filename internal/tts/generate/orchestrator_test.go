package generate_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/generate"
	"github.com/book-expert/voice-tts-service/internal/tts/seed"
)

var (
	errModelCrashed = errors.New("model crashed")
	errEncoder      = errors.New("encoder exploded")
)

const framesPerClip = 8

// stubModel is a deterministic stand-in for the inference server. It doubles as
// the device whose RNG and flags the seed scope controls.
type stubModel struct {
	mu          sync.Mutex
	rng         *rand.Rand
	flags       seed.Flags
	seenFlags   []seed.Flags
	prompts     []*core.AudioPrompt
	promptLens  [][]int
	generateErr error
	dropClip    bool
}

func newStubModel() *stubModel {
	return &stubModel{
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		flags: seed.Flags{Benchmark: true},
	}
}

func (m *stubModel) SampleRate() int { return 44100 }

func (m *stubModel) Seed(value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rng = rand.New(rand.NewPCG(uint64(value), 0))
}

func (m *stubModel) Flags() seed.Flags {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flags
}

func (m *stubModel) SetFlags(flags seed.Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags = flags
}

func (m *stubModel) Prepare(_ context.Context, texts []string, prompt *core.AudioPrompt) (*core.ModelInputs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, prompt)

	inputs := &core.ModelInputs{}

	for i := range texts {
		inputs.InputIDs = append(inputs.InputIDs, []int{i})
		inputs.AttentionMask = append(inputs.AttentionMask, []int{1})

		if prompt != nil {
			inputs.DecoderAttentionMask = append(inputs.DecoderAttentionMask, []int{1, 1, 1, 0})
		}
	}

	return inputs, nil
}

func (m *stubModel) Generate(_ context.Context, inputs *core.ModelInputs, _ core.SamplingParams) (*core.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seenFlags = append(m.seenFlags, m.flags)

	if m.generateErr != nil {
		return nil, m.generateErr
	}

	tokens := &core.Tokens{}

	for range inputs.InputIDs {
		frames := make([][]int, framesPerClip)
		for f := range frames {
			frames[f] = []int{m.rng.IntN(1024)}
		}

		tokens.Codes = append(tokens.Codes, frames)
	}

	return tokens, nil
}

func (m *stubModel) Decode(_ context.Context, tokens *core.Tokens, promptLens []int) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.promptLens = append(m.promptLens, promptLens)

	clips := make([][]float32, 0, len(tokens.Codes))

	for row, frames := range tokens.Codes {
		samples := []float32{float32(row)}
		for _, frame := range frames {
			samples = append(samples, float32(frame[0])/1024)
		}

		clips = append(clips, samples)
	}

	if m.dropClip {
		clips = clips[1:]
	}

	return clips, nil
}

// textEncoder renders samples as text so outputs can be compared directly.
type textEncoder struct {
	err error
}

func (e *textEncoder) Encode(_ context.Context, samples []float32, sampleRate int, format string) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}

	return fmt.Appendf(nil, "%s@%d:%v", format, sampleRate, samples), nil
}

func newOrchestrator(t *testing.T, model *stubModel, encoder core.AudioEncoder) *generate.Orchestrator {
	t.Helper()

	log, err := logger.New(t.TempDir(), "generate_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	if encoder == nil {
		encoder = &textEncoder{}
	}

	return generate.New(model, encoder, seed.NewScope(model, model), log)
}

func request(texts ...string) *core.RequestParameters {
	return &core.RequestParameters{
		InputTexts:    texts,
		MaxNewTokens:  core.DefaultMaxNewTokens,
		GuidanceScale: core.DefaultGuidanceScale,
		Temperature:   core.DefaultTemperature,
		TopP:          core.DefaultTopP,
		TopK:          core.DefaultTopK,
		OutputFormat:  core.DefaultOutputFormat,
	}
}

func seeded(params *core.RequestParameters, value int64) *core.RequestParameters {
	params.Seed = &value

	return params
}

func TestGenerate_OneClipPerTextInOrder(t *testing.T) {
	t.Parallel()

	model := newStubModel()

	clips, err := newOrchestrator(t, model, nil).Generate(context.Background(), request("[S1] a", "[S1] b", "[S1] c"))
	require.NoError(t, err)
	require.Len(t, clips, 3)

	for i, clip := range clips {
		assert.True(t, strings.HasPrefix(string(clip), fmt.Sprintf("wav@44100:[%d ", i)), string(clip))
	}

	require.Len(t, model.prompts, 1)
	assert.Nil(t, model.prompts[0])
	assert.Nil(t, model.promptLens[0])
	assert.Equal(t, []seed.Flags{{Benchmark: true}}, model.seenFlags)
}

func TestGenerate_SameSeedSameBytes(t *testing.T) {
	t.Parallel()

	model := newStubModel()
	orchestrator := newOrchestrator(t, model, nil)

	first, err := orchestrator.Generate(context.Background(), seeded(request("[S1] a", "[S1] b"), 42))
	require.NoError(t, err)

	second, err := orchestrator.Generate(context.Background(), seeded(request("[S1] a", "[S1] b"), 42))
	require.NoError(t, err)

	other, err := orchestrator.Generate(context.Background(), seeded(request("[S1] a", "[S1] b"), 43))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)

	for _, flags := range model.seenFlags {
		assert.Equal(t, seed.Flags{Deterministic: true, Benchmark: false}, flags)
	}

	assert.Equal(t, seed.Flags{Benchmark: true}, model.Flags())
}

func TestGenerate_VoicePromptBroadcast(t *testing.T) {
	t.Parallel()

	model := newStubModel()
	orchestrator := newOrchestrator(t, model, nil)
	clip := []float32{0.1, 0.2, 0.3}

	single := request("[S1] a")
	single.ResolvedAudio = clip

	_, err := orchestrator.Generate(context.Background(), single)
	require.NoError(t, err)

	batch := request("[S1] a", "[S1] b", "[S1] c")
	batch.ResolvedAudio = clip

	_, err = orchestrator.Generate(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, model.prompts, 2)
	assert.Equal(t, clip, model.prompts[0].Single)
	assert.Nil(t, model.prompts[0].Batch)

	require.Len(t, model.prompts[1].Batch, 3)
	assert.Nil(t, model.prompts[1].Single)

	for _, row := range model.prompts[1].Batch {
		assert.Same(t, &clip[0], &row[0])
	}

	assert.Equal(t, []int{3}, model.promptLens[0])
	assert.Equal(t, []int{3, 3, 3}, model.promptLens[1])
}

func TestGenerate_OutOfMemory(t *testing.T) {
	t.Parallel()

	model := newStubModel()
	model.generateErr = fmt.Errorf("model server: %w", core.ErrDeviceOutOfMemory)

	_, err := newOrchestrator(t, model, nil).Generate(context.Background(), seeded(request("[S1] a"), 1))

	var appErr *apperror.Error

	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeGPUOutOfMemory, appErr.Code)
	assert.Equal(t, "GPU out of memory. Try reducing batch size or text length.", appErr.Message)
	assert.Equal(t, seed.Flags{Benchmark: true}, model.Flags())
}

func TestGenerate_ModelFailure(t *testing.T) {
	t.Parallel()

	model := newStubModel()
	model.generateErr = errModelCrashed

	_, err := newOrchestrator(t, model, nil).Generate(context.Background(), request("[S1] a"))

	var appErr *apperror.Error

	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeGenerationFailed, appErr.Code)
	assert.Equal(t, "Generation failed: model crashed", appErr.Message)
	require.ErrorIs(t, err, errModelCrashed)
}

func TestGenerate_ClipCountMismatch(t *testing.T) {
	t.Parallel()

	model := newStubModel()
	model.dropClip = true

	_, err := newOrchestrator(t, model, nil).Generate(context.Background(), request("[S1] a", "[S1] b"))

	require.ErrorIs(t, err, generate.ErrClipCountMismatch)
	assert.Equal(t, apperror.CodeGenerationFailed, apperror.CodeOf(err))
}

func TestGenerate_EncodingFailureIsUnclassified(t *testing.T) {
	t.Parallel()

	_, err := newOrchestrator(t, newStubModel(), &textEncoder{err: errEncoder}).
		Generate(context.Background(), request("[S1] a"))

	require.ErrorIs(t, err, errEncoder)

	var appErr *apperror.Error

	assert.False(t, errors.As(err, &appErr))
}

func TestPromptLengths(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{2, 0, 4}, generate.PromptLengths([][]int{{1, 1, 0}, {0, 0}, {1, 1, 1, 1}}))
	assert.Empty(t, generate.PromptLengths(nil))
}

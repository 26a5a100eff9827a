package core

import "time"

// Default sampling parameters applied when a request omits them.
const (
	DefaultMaxNewTokens  = 3072
	DefaultGuidanceScale = 3.0
	DefaultTemperature   = 1.8
	DefaultTopP          = 0.90
	DefaultTopK          = 50
	DefaultOutputFormat  = "wav"
)

// SamplingParams are passed through to the model's generation routine unmodified.
type SamplingParams struct {
	MaxNewTokens  int     `json:"max_new_tokens"`
	GuidanceScale float64 `json:"guidance_scale"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
}

// RequestParameters is the canonical, validated form of one synthesis request.
// ResolvedAudio is populated only by the voice resolver; nil means plain TTS mode.
type RequestParameters struct {
	InputTexts []string

	MaxNewTokens  int
	GuidanceScale float64
	Temperature   float64
	TopP          float64
	TopK          int
	Seed          *int64

	OutputFormat string

	Voice                 string
	AudioPrompt           string
	AudioPromptKey        string
	AudioPromptTranscript string

	ResolvedAudio []float32

	// SingleText is set when the request used the single "text" field.
	SingleText bool
}

// Sampling returns the five sampling parameters of the request.
func (p *RequestParameters) Sampling() SamplingParams {
	return SamplingParams{
		MaxNewTokens:  p.MaxNewTokens,
		GuidanceScale: p.GuidanceScale,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
	}
}

// IsVoiceCloning reports whether voice resolution produced a reference clip.
func (p *RequestParameters) IsVoiceCloning() bool {
	return p.ResolvedAudio != nil
}

// PresetVoice is a voice-cloning reference bundled with the service.
type PresetVoice struct {
	ID          string
	DisplayName string
	Transcript  string
	Audio       []float32
	SampleRate  int
}

// Duration returns the length of the preset's reference clip.
func (v PresetVoice) Duration() time.Duration {
	return SamplesDuration(len(v.Audio), v.SampleRate)
}

// Waveform is decoded audio at its native sample rate, one slice per channel.
type Waveform struct {
	Channels   [][]float32
	SampleRate int
}

// AudioPrompt is the voice-cloning reference handed to the model. Single is used for
// a one-text batch; Batch holds one reference per text otherwise.
type AudioPrompt struct {
	Single []float32   `json:"single,omitempty"`
	Batch  [][]float32 `json:"batch,omitempty"`
}

// ModelInputs is the tokenized, batched model input.
type ModelInputs struct {
	InputIDs             [][]int   `json:"input_ids"`
	AttentionMask        [][]int   `json:"attention_mask"`
	DecoderInputIDs      [][][]int `json:"decoder_input_ids,omitempty"`
	DecoderAttentionMask [][]int   `json:"decoder_attention_mask,omitempty"`
}

// Tokens holds generated audio codes, indexed batch, frame, codebook.
type Tokens struct {
	Codes [][][]int `json:"codes"`
}

// SamplesDuration converts a sample count at the given rate into a duration.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// Package request parses raw synthesis input into validated request parameters.
package request

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/text"
)

// Input field names.
const (
	fieldTexts                 = "texts"
	fieldText                  = "text"
	fieldMaxNewTokens          = "max_new_tokens"
	fieldGuidanceScale         = "guidance_scale"
	fieldTemperature           = "temperature"
	fieldTopP                  = "top_p"
	fieldTopK                  = "top_k"
	fieldSeed                  = "seed"
	fieldOutputFormat          = "output_format"
	fieldVoice                 = "voice"
	fieldAudioPrompt           = "audio_prompt"
	fieldAudioPromptKey        = "audio_prompt_key"
	fieldAudioPromptTranscript = "audio_prompt_transcript"
)

// Error messages.
const (
	errMissingTexts    = "Missing required field 'texts' (list of strings)."
	errTextsNotStrings = "All items in 'texts' must be strings."
	errFmtNumeric      = "Invalid numeric parameter %s: %v. Check max_new_tokens, guidance_scale, temperature, top_p, top_k."
	errFmtSeed         = "Invalid seed value '%v': must be an integer."
	errFmtNotString    = "Field '%s' must be a string."
)

// Defaults are the sampling values used when the request omits a field.
type Defaults struct {
	MaxNewTokens  int
	GuidanceScale float64
	Temperature   float64
	TopP          float64
	TopK          int
	OutputFormat  string
}

// StandardDefaults returns the model's reference sampling settings.
func StandardDefaults() Defaults {
	return Defaults{
		MaxNewTokens:  core.DefaultMaxNewTokens,
		GuidanceScale: core.DefaultGuidanceScale,
		Temperature:   core.DefaultTemperature,
		TopP:          core.DefaultTopP,
		TopK:          core.DefaultTopK,
		OutputFormat:  core.DefaultOutputFormat,
	}
}

// Parser validates raw input maps.
type Parser struct {
	defaults Defaults
}

// NewParser creates a Parser with the given defaults.
func NewParser(defaults Defaults) *Parser {
	return &Parser{defaults: defaults}
}

// Parse converts an untyped input map into RequestParameters. Every failure is an
// INVALID_INPUT apperror; unknown fields are ignored.
func (p *Parser) Parse(input map[string]any) (*core.RequestParameters, error) {
	texts, single, err := parseTexts(input)
	if err != nil {
		return nil, err
	}

	params := &core.RequestParameters{
		InputTexts: texts,
		SingleText: single,
	}

	err = p.parseSampling(input, params)
	if err != nil {
		return nil, err
	}

	params.Seed, err = parseSeed(input)
	if err != nil {
		return nil, err
	}

	err = p.parseVoiceFields(input, params)
	if err != nil {
		return nil, err
	}

	return params, nil
}

// parseTexts accepts the batch "texts" list or, for single-text clients, a "text"
// string. A batch must be non-empty and contain only strings.
func parseTexts(input map[string]any) ([]string, bool, error) {
	raw, ok := input[fieldTexts]
	if !ok || raw == nil {
		single, isString := input[fieldText].(string)
		if !isString {
			return nil, false, apperror.New(apperror.CodeInvalidInput, errMissingTexts)
		}

		return []string{text.EnsureSpeakerTag(single)}, true, nil
	}

	items, isList := raw.([]any)
	if !isList {
		stringItems, isStringList := raw.([]string)
		if !isStringList {
			return nil, false, apperror.New(apperror.CodeInvalidInput, errMissingTexts)
		}

		items = make([]any, len(stringItems))
		for i, s := range stringItems {
			items[i] = s
		}
	}

	if len(items) == 0 {
		return nil, false, apperror.New(apperror.CodeInvalidInput, errMissingTexts)
	}

	texts := make([]string, len(items))

	for i, item := range items {
		s, isString := item.(string)
		if !isString {
			return nil, false, apperror.New(apperror.CodeInvalidInput, errTextsNotStrings)
		}

		texts[i] = text.EnsureSpeakerTag(s)
	}

	return texts, false, nil
}

func (p *Parser) parseSampling(input map[string]any, params *core.RequestParameters) error {
	maxNewTokens, err := intField(input, fieldMaxNewTokens, int64(p.defaults.MaxNewTokens))
	if err != nil {
		return numericError(fieldMaxNewTokens, err)
	}

	params.GuidanceScale, err = floatField(input, fieldGuidanceScale, p.defaults.GuidanceScale)
	if err != nil {
		return numericError(fieldGuidanceScale, err)
	}

	params.Temperature, err = floatField(input, fieldTemperature, p.defaults.Temperature)
	if err != nil {
		return numericError(fieldTemperature, err)
	}

	params.TopP, err = floatField(input, fieldTopP, p.defaults.TopP)
	if err != nil {
		return numericError(fieldTopP, err)
	}

	topK, err := intField(input, fieldTopK, int64(p.defaults.TopK))
	if err != nil {
		return numericError(fieldTopK, err)
	}

	params.MaxNewTokens = int(maxNewTokens)
	params.TopK = int(topK)

	return nil
}

func numericError(field string, err error) error {
	return apperror.Wrap(apperror.CodeInvalidInput, err, errFmtNumeric, field, err)
}

func parseSeed(input map[string]any) (*int64, error) {
	raw, ok := input[fieldSeed]
	if !ok || raw == nil {
		return nil, nil
	}

	seed, err := toInt(raw)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInvalidInput, err, errFmtSeed, raw)
	}

	return &seed, nil
}

func (p *Parser) parseVoiceFields(input map[string]any, params *core.RequestParameters) error {
	format, err := stringField(input, fieldOutputFormat, p.defaults.OutputFormat)
	if err != nil {
		return err
	}

	params.OutputFormat = strings.ToLower(format)

	params.Voice, err = stringField(input, fieldVoice, "")
	if err != nil {
		return err
	}

	params.AudioPrompt, err = stringField(input, fieldAudioPrompt, "")
	if err != nil {
		return err
	}

	params.AudioPromptKey, err = stringField(input, fieldAudioPromptKey, "")
	if err != nil {
		return err
	}

	params.AudioPromptTranscript, err = stringField(input, fieldAudioPromptTranscript, "")

	return err
}

// stringField returns the string under key; absent and null both yield fallback.
func stringField(input map[string]any, key, fallback string) (string, error) {
	raw, ok := input[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	s, isString := raw.(string)
	if !isString {
		return "", apperror.New(apperror.CodeInvalidInput, errFmtNotString, key)
	}

	return s, nil
}

// intField returns the integer under key. A present null value is an error, matching
// how an explicit null fails numeric conversion.
func intField(input map[string]any, key string, fallback int64) (int64, error) {
	raw, ok := input[key]
	if !ok {
		return fallback, nil
	}

	return toInt(raw)
}

func floatField(input map[string]any, key string, fallback float64) (float64, error) {
	raw, ok := input[key]
	if !ok {
		return fallback, nil
	}

	return toFloat(raw)
}

// toInt converts JSON-ish values to an integer. Floats are truncated toward zero;
// strings must hold an integer literal.
func toInt(raw any) (int64, error) {
	switch value := raw.(type) {
	case int:
		return int64(value), nil
	case int32:
		return int64(value), nil
	case int64:
		return value, nil
	case float64:
		return truncate(value)
	case json.Number:
		i, err := value.Int64()
		if err == nil {
			return i, nil
		}

		f, err := value.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotANumber, value.String())
		}

		return truncate(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotAnInteger, value)
		}

		return i, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, raw)
	}
}

func toFloat(raw any) (float64, error) {
	switch value := raw.(type) {
	case int:
		return float64(value), nil
	case int32:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case float64:
		return value, nil
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotANumber, value.String())
		}

		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotANumber, value)
		}

		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, raw)
	}
}

func truncate(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v", ErrNotAnInteger, f)
	}

	return int64(f), nil
}

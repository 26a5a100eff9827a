// Package core defines the core business types and collaborator interfaces for the TTS service.
package core

import (
	"context"
	"errors"
)

// ErrDeviceOutOfMemory is wrapped by Model implementations when the compute device runs out of memory.
var ErrDeviceOutOfMemory = errors.New("device out of memory")

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// AudioDecoder turns an encoded audio container into raw samples at its native rate.
type AudioDecoder interface {
	Decode(ctx context.Context, data []byte) (Waveform, error)
}

// AudioEncoder turns a mono waveform into the requested container format.
type AudioEncoder interface {
	Encode(ctx context.Context, samples []float32, sampleRate int, format string) ([]byte, error)
}

// Model is the external inference collaborator. Prepare tokenizes texts (and the
// optional voice prompt), Generate produces audio codes and Decode turns them into
// one waveform per input text with the voice-prompt prefix removed.
type Model interface {
	SampleRate() int
	Prepare(ctx context.Context, texts []string, prompt *AudioPrompt) (*ModelInputs, error)
	Generate(ctx context.Context, inputs *ModelInputs, params SamplingParams) (*Tokens, error)
	Decode(ctx context.Context, tokens *Tokens, promptLens []int) ([][]float32, error)
}

package tts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/events"
)

// ErrMalformedJob is returned when a job payload is not a JSON object.
var ErrMalformedJob = errors.New("malformed job payload")

// Job is a synthesis request as carried over the message bus.
type Job struct {
	Input  map[string]any     `json:"input"`
	Header events.EventHeader `json:"header"`
}

type jobEnvelope struct {
	Header *events.EventHeader `json:"header"`
	Input  json.RawMessage     `json:"input"`
}

// DecodeJob parses a {"header": ..., "input": {...}} envelope. A bare JSON object
// without "input" is taken as the input itself. Numbers are kept as json.Number so
// large seeds survive intact.
func DecodeJob(data []byte) (Job, error) {
	var envelope jobEnvelope

	err := json.Unmarshal(data, &envelope)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrMalformedJob, err)
	}

	raw := []byte(envelope.Input)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = data
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var input map[string]any

	err = decoder.Decode(&input)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrMalformedJob, err)
	}

	if input == nil {
		return Job{}, fmt.Errorf("%w: input is null", ErrMalformedJob)
	}

	job := Job{Input: input}
	if envelope.Header != nil {
		job.Header = *envelope.Header
	}

	return job, nil
}

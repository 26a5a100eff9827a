package tts

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/observe"
)

// Response is the outcome of one synthesis request. Exactly one of Clips or Failure
// is meaningful.
type Response struct {
	Failure *apperror.Payload
	Format  string
	Clips   [][]byte
	// Single selects the {"audio": "<b64>"} shape for single-text requests.
	Single bool
}

type batchBody struct {
	Format string   `json:"format"`
	Audio  []string `json:"audio"`
	Count  int      `json:"count"`
}

type singleBody struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

type wireBody struct {
	Format string          `json:"format"`
	Error  string          `json:"error"`
	Code   apperror.Code   `json:"code"`
	Audio  json.RawMessage `json:"audio"`
	Count  int             `json:"count"`
}

// Failed reports whether the response carries an error payload.
func (r Response) Failed() bool {
	return r.Failure != nil
}

// Status is the error code, or observe.StatusOK on success.
func (r Response) Status() string {
	if r.Failure != nil {
		return string(r.Failure.Code)
	}

	return observe.StatusOK
}

// MarshalJSON writes the batch, single-text or failure shape.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(r.Failure)
	}

	encoded := make([]string, len(r.Clips))
	for i, clip := range r.Clips {
		encoded[i] = base64.StdEncoding.EncodeToString(clip)
	}

	if r.Single && len(encoded) == 1 {
		return json.Marshal(singleBody{Audio: encoded[0], Format: r.Format})
	}

	return json.Marshal(batchBody{Audio: encoded, Format: r.Format, Count: len(encoded)})
}

// UnmarshalJSON accepts any of the three response shapes.
func (r *Response) UnmarshalJSON(data []byte) error {
	var body wireBody

	err := json.Unmarshal(data, &body)
	if err != nil {
		return err
	}

	*r = Response{Format: body.Format}

	if body.Code != "" {
		r.Failure = &apperror.Payload{Message: body.Error, Code: body.Code}

		return nil
	}

	var encoded []string

	listErr := json.Unmarshal(body.Audio, &encoded)
	if listErr != nil {
		var single string

		singleErr := json.Unmarshal(body.Audio, &single)
		if singleErr != nil {
			return fmt.Errorf("failed to decode audio field: %w", listErr)
		}

		encoded = []string{single}
		r.Single = true
	}

	r.Clips = make([][]byte, len(encoded))

	for i, clip := range encoded {
		r.Clips[i], err = base64.StdEncoding.DecodeString(clip)
		if err != nil {
			return fmt.Errorf("failed to decode audio clip %d: %w", i, err)
		}
	}

	return nil
}

// Package apperror defines the stable error taxonomy returned at the response boundary.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-facing error classification.
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeVoiceNotFound       Code = "VOICE_NOT_FOUND"
	CodeAudioDecodingFailed Code = "AUDIO_DECODING_FAILED"
	CodeAudioQualityIssue   Code = "AUDIO_QUALITY_ISSUE"
	CodeGPUOutOfMemory      Code = "GPU_OOM"
	CodeGenerationFailed    Code = "GENERATION_FAILED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is a structured domain failure. Message is safe to return to clients.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a domain error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error that keeps the underlying cause for errors.Is/As.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload is the failure body written to clients.
type Payload struct {
	Message string `json:"error"`
	Code    Code   `json:"code"`
}

// Payload returns the client-facing form of the error.
func (e *Error) Payload() Payload {
	return Payload{Message: e.Message, Code: e.Code}
}

// CodeOf returns the domain code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}

	return CodeInternal
}

// HTTPStatus maps a code onto the status used by the HTTP transport.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeAudioDecodingFailed:
		return http.StatusBadRequest
	case CodeVoiceNotFound:
		return http.StatusNotFound
	case CodeAudioQualityIssue:
		return http.StatusUnprocessableEntity
	case CodeGPUOutOfMemory:
		return http.StatusServiceUnavailable
	case CodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

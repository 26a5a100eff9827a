package apperror

import (
	"errors"

	"github.com/book-expert/logger"
	"github.com/getsentry/sentry-go"
)

const internalMessagePrefix = "Internal handler error: "

// Reporter converts any pipeline failure into a Payload. Domain errors pass
// through unchanged; everything else becomes INTERNAL_ERROR and is sent to Sentry.
type Reporter struct {
	hub *sentry.Hub
	log *logger.Logger
}

// NewReporter creates a Reporter. A nil hub disables error capture.
func NewReporter(hub *sentry.Hub, log *logger.Logger) *Reporter {
	return &Reporter{hub: hub, log: log}
}

// Report classifies err and returns the payload for the response.
func (r *Reporter) Report(err error) Payload {
	var appErr *Error
	if errors.As(err, &appErr) {
		r.log.Error("AppError: [%s] %s", appErr.Code, appErr.Message)

		return appErr.Payload()
	}

	r.log.Error("Unhandled error in handler: %v", err)

	if r.hub != nil {
		r.hub.CaptureException(err)
	}

	return Payload{Message: internalMessagePrefix + err.Error(), Code: CodeInternal}
}

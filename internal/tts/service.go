// Package tts is the request-processing front end of the speech service. Service
// runs one request through validation, voice resolution and generation, and turns
// every failure into a structured error payload.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/observe"
	"github.com/book-expert/voice-tts-service/internal/tts/request"
)

// ErrPanic wraps a value recovered from a panicking request.
var ErrPanic = errors.New("panic during request handling")

// Generator produces one encoded clip per input text.
type Generator interface {
	Generate(ctx context.Context, params *core.RequestParameters) ([][]byte, error)
	SampleRate() int
}

// VoiceResolver attaches the voice-cloning reference to a request.
type VoiceResolver interface {
	Resolve(ctx context.Context, params *core.RequestParameters) error
}

type transportKey struct{}

// WithTransport labels ctx with the transport a request arrived on.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFrom(ctx context.Context) string {
	transport, ok := ctx.Value(transportKey{}).(string)
	if !ok {
		return "direct"
	}

	return transport
}

// Service handles synthesis requests.
type Service struct {
	parser    *request.Parser
	resolver  VoiceResolver
	generator Generator
	reporter  *apperror.Reporter
	metrics   *observe.Metrics
	log       *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records request outcomes and prompt lengths.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// NewService wires the request pipeline.
func NewService(
	parser *request.Parser,
	resolver VoiceResolver,
	generator Generator,
	reporter *apperror.Reporter,
	log *logger.Logger,
	opts ...Option,
) *Service {
	service := &Service{
		parser:    parser,
		resolver:  resolver,
		generator: generator,
		reporter:  reporter,
		log:       log,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Handle runs one request. It never returns an error and never panics: failures,
// including panics, come back as a Response with Failure set.
func (s *Service) Handle(ctx context.Context, input map[string]any) (response Response) {
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "tts.Handle")

	defer func() {
		if recovered := recover(); recovered != nil {
			response = s.fail(fmt.Errorf("%w: %v", ErrPanic, recovered))
		}

		if response.Failure != nil {
			span.SetStatus(codes.Error, response.Failure.Message)
		}

		span.SetAttributes(attribute.String("tts.status", response.Status()))
		span.End()

		s.metrics.RecordRequest(ctx, transportFrom(ctx), response.Status(), time.Since(start))
	}()

	params, err := s.parser.Parse(input)
	if err != nil {
		return s.fail(err)
	}

	span.SetAttributes(attribute.Int("tts.texts", len(params.InputTexts)))

	err = s.resolver.Resolve(ctx, params)
	if err != nil {
		return s.fail(err)
	}

	if params.IsVoiceCloning() {
		s.metrics.RecordPrompt(ctx, core.SamplesDuration(len(params.ResolvedAudio), s.generator.SampleRate()))
	}

	clips, err := s.generator.Generate(ctx, params)
	if err != nil {
		return s.fail(err)
	}

	s.log.Info("Generated %d audio clip(s)", len(clips))

	return Response{Clips: clips, Format: params.OutputFormat, Single: params.SingleText}
}

func (s *Service) fail(err error) Response {
	payload := s.reporter.Report(err)

	return Response{Failure: &payload}
}

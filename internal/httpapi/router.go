// Package httpapi serves synthesis requests over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/observe"
	"github.com/book-expert/voice-tts-service/internal/tts"
)

const (
	// MaxBodyBytes bounds a request body; base64 voice prompts dominate its size.
	MaxBodyBytes = 64 << 20

	transportName      = "http"
	readyCheckTimeout  = 5 * time.Second
	sentryFlushTimeout = 2 * time.Second
	errFmtBody         = "Malformed request body: %v"
)

// Handler runs one synthesis request.
type Handler interface {
	Handle(ctx context.Context, input map[string]any) tts.Response
}

// HealthChecker reports whether the inference backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PresetCounter reports how many preset voices are loaded.
type PresetCounter interface {
	Len() int
}

// Router wires the synthesis endpoints onto a chi mux.
type Router struct {
	mux      *chi.Mux
	handler  Handler
	health   HealthChecker
	presets  PresetCounter
	reporter *apperror.Reporter
	metrics  *observe.Metrics
	hub      *sentry.Hub
	log      *logger.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics records HTTP request durations.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithSentryHub sets the hub used to report recovered panics.
func WithSentryHub(hub *sentry.Hub) Option {
	return func(r *Router) {
		r.hub = hub
	}
}

// NewRouter creates a Router.
func NewRouter(
	handler Handler,
	health HealthChecker,
	presets PresetCounter,
	reporter *apperror.Reporter,
	log *logger.Logger,
	opts ...Option,
) *Router {
	router := &Router{
		mux:      chi.NewRouter(),
		handler:  handler,
		health:   health,
		presets:  presets,
		reporter: reporter,
		log:      log,
	}

	for _, opt := range opts {
		opt(router)
	}

	router.routes()

	return router
}

// Handler returns the root HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.withSentryRecovery(r.mux)
}

func (r *Router) routes() {
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.RealIP)
	r.mux.Use(observe.Middleware(r.metrics, r.log))

	r.mux.Get("/healthz", r.handleHealthz)
	r.mux.Get("/readyz", r.handleReadyz)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.Post("/v1/synthesize", r.handleSynthesize)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readyCheckTimeout)
	defer cancel()

	presets := 0
	if r.presets != nil {
		presets = r.presets.Len()
	}

	if r.health != nil {
		err := r.health.HealthCheck(ctx)
		if err != nil {
			r.log.Warn("Readiness check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "unavailable",
				"error":   err.Error(),
				"presets": presets,
			})

			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "presets": presets})
}

func (r *Router) handleSynthesize(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBodyBytes))
	if err != nil {
		r.writeFailure(w, apperror.Wrap(apperror.CodeInvalidInput, err, errFmtBody, err))

		return
	}

	job, err := tts.DecodeJob(body)
	if err != nil {
		r.writeFailure(w, apperror.Wrap(apperror.CodeInvalidInput, err, errFmtBody, err))

		return
	}

	response := r.handler.Handle(tts.WithTransport(req.Context(), transportName), job.Input)

	writeJSON(w, statusOf(response), response)
}

func (r *Router) writeFailure(w http.ResponseWriter, err error) {
	payload := r.reporter.Report(err)
	response := tts.Response{Failure: &payload}

	writeJSON(w, statusOf(response), response)
}

func statusOf(response tts.Response) int {
	if !response.Failed() {
		return http.StatusOK
	}

	return apperror.HTTPStatus(response.Failure.Code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (r *Router) withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			r.log.Error("Recovered panic serving %s %s: %v", req.Method, req.URL.Path, recovered)

			hub := r.hub
			if hub == nil {
				hub = sentry.CurrentHub()
			}

			hub = hub.Clone()
			hub.Scope().SetRequest(req)
			hub.RecoverWithContext(req.Context(), recovered)
			hub.Flush(sentryFlushTimeout)

			writeJSON(w, http.StatusInternalServerError, apperror.Payload{
				Message: fmt.Sprintf("Internal handler error: %v", recovered),
				Code:    apperror.CodeInternal,
			})
		}()

		next.ServeHTTP(w, req)
	})
}

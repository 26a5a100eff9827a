package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/httpapi"
	"github.com/book-expert/voice-tts-service/internal/tts"
)

var errModelDown = errors.New("model server unreachable")

type fakeHandler struct {
	mu       sync.Mutex
	response tts.Response
	input    map[string]any
	panicMsg string
}

func (f *fakeHandler) Handle(_ context.Context, input map[string]any) tts.Response {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.input = input

	return f.response
}

func (f *fakeHandler) seen() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.input
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type fakePresets int

func (f fakePresets) Len() int { return int(f) }

func newServer(t *testing.T, handler *fakeHandler, health httpapi.HealthChecker) *httptest.Server {
	t.Helper()

	log, err := logger.New(t.TempDir(), "httpapi_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	client, err := sentry.NewClient(sentry.ClientOptions{})
	require.NoError(t, err)

	router := httpapi.NewRouter(
		handler, health, fakePresets(2), apperror.NewReporter(nil, log), log,
		httpapi.WithSentryHub(sentry.NewHub(client, sentry.NewScope())),
	)

	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	return server
}

func post(t *testing.T, server *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		server.URL+"/v1/synthesize", strings.NewReader(body))
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp, decoded
}

func get(t *testing.T, server *httptest.Server, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+path, nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{response: tts.Response{Clips: [][]byte{[]byte("x")}, Format: "wav", Single: true}}
	server := newServer(t, handler, nil)

	resp, body := post(t, server, `{"text": "hallo", "seed": 7}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, map[string]any{"audio": "eA==", "format": "wav"}, body)
	input := handler.seen()
	assert.Equal(t, "hallo", input["text"])
	assert.Equal(t, json.Number("7"), input["seed"])
}

func TestSynthesize_FailureStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   apperror.Code
		status int
	}{
		{code: apperror.CodeInvalidInput, status: http.StatusBadRequest},
		{code: apperror.CodeVoiceNotFound, status: http.StatusNotFound},
		{code: apperror.CodeGPUOutOfMemory, status: http.StatusServiceUnavailable},
		{code: apperror.CodeInternal, status: http.StatusInternalServerError},
	}

	for _, testCase := range tests {
		t.Run(string(testCase.code), func(t *testing.T) {
			t.Parallel()

			handler := &fakeHandler{response: tts.Response{Failure: &apperror.Payload{Message: "nope", Code: testCase.code}}}
			resp, body := post(t, newServer(t, handler, nil), `{"texts": ["a"]}`)

			assert.Equal(t, testCase.status, resp.StatusCode)
			assert.Equal(t, map[string]any{"error": "nope", "code": string(testCase.code)}, body)
		})
	}
}

func TestSynthesize_MalformedBody(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	resp, body := post(t, newServer(t, handler, nil), `[1, 2]`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(apperror.CodeInvalidInput), body["code"])
	assert.Nil(t, handler.seen())
}

func TestSynthesize_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	resp, body := post(t, newServer(t, &fakeHandler{panicMsg: "kaboom"}, nil), `{"texts": ["a"]}`)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(apperror.CodeInternal), body["code"])
	assert.Contains(t, body["error"], "kaboom")
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	healthy := newServer(t, &fakeHandler{}, fakeHealth{})
	assert.Equal(t, http.StatusOK, get(t, healthy, "/healthz").StatusCode)

	ready := get(t, healthy, "/readyz")
	require.Equal(t, http.StatusOK, ready.StatusCode)

	var body map[string]any

	require.NoError(t, json.NewDecoder(ready.Body).Decode(&body))
	assert.Equal(t, map[string]any{"status": "ready", "presets": 2.0}, body)

	down := newServer(t, &fakeHandler{}, fakeHealth{err: errModelDown})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, down, "/readyz").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, down, "/healthz").StatusCode)
}

func TestMetricsEndpointAndMethodRouting(t *testing.T) {
	t.Parallel()

	server := newServer(t, &fakeHandler{}, nil)

	resp := get(t, server, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, server, "/v1/synthesize").StatusCode)
}

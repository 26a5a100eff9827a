// Package modelclient talks to the inference model server over HTTP. The client
// implements core.Model and carries the device RNG seed and determinism flags with
// each generate call.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/seed"
)

// API endpoints and paths.
const (
	apiPrepare  = "/v1/prepare"
	apiGenerate = "/v1/generate"
	apiDecode   = "/v1/decode"
	apiInfo     = "/v1/info"
	apiHealth   = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// DeviceAuto lets the server pick the device.
const DeviceAuto = "auto"

const errorCodeOutOfMemory = "OUT_OF_MEMORY"

// Error messages.
const (
	errFmtServiceErrorWithCode = "model server error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "model server returned non-OK status: %s, body: %s"
)

// Client errors.
var (
	ErrServiceError      = errors.New("model server error")
	ErrNotConnected      = errors.New("model client is not connected")
	ErrInvalidSampleRate = errors.New("model server reported an invalid sample rate")
)

// Info describes the model loaded by the server.
type Info struct {
	ModelID    string `json:"model_id"`
	Device     string `json:"device"`
	SampleRate int    `json:"sample_rate"`
}

// ErrorResponse is the structured error body of the model server.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

type prepareRequest struct {
	AudioPrompt *core.AudioPrompt `json:"audio_prompt,omitempty"`
	Model       string            `json:"model"`
	Device      string            `json:"device"`
	Texts       []string          `json:"texts"`
}

type generateRequest struct {
	Inputs        *core.ModelInputs   `json:"inputs"`
	Seed          *int64              `json:"seed"`
	Model         string              `json:"model"`
	Device        string              `json:"device"`
	Sampling      core.SamplingParams `json:"sampling"`
	Deterministic bool                `json:"deterministic"`
	Benchmark     bool                `json:"benchmark"`
}

type decodeRequest struct {
	Tokens         *core.Tokens `json:"tokens"`
	Model          string       `json:"model"`
	AudioPromptLen []int        `json:"audio_prompt_len,omitempty"`
}

type decodeResponse struct {
	Audio [][]float32 `json:"audio"`
}

// HTTPClient is a client for the model server.
type HTTPClient struct {
	httpClient  *http.Client
	pendingSeed *int64
	baseURL     string
	modelID     string
	device      string
	flags       seed.Flags
	sampleRate  int
	mu          sync.Mutex
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithModel selects the model id requested from the server.
func WithModel(modelID string) Option {
	return func(c *HTTPClient) {
		c.modelID = modelID
	}
}

// WithDevice selects the inference device; DeviceAuto defers to the server.
func WithDevice(device string) Option {
	return func(c *HTTPClient) {
		c.device = device
	}
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8000".
// The timeout applies to every request.
func New(baseURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	client := &HTTPClient{
		baseURL:    baseURL,
		device:     DeviceAuto,
		httpClient: &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Connect fetches the model info, resolving the sample rate and the "auto" device.
func (c *HTTPClient) Connect(ctx context.Context) (Info, error) {
	query := url.Values{}
	query.Set("model", c.modelID)
	query.Set("device", c.device)

	var info Info

	err := c.do(ctx, http.MethodGet, apiInfo+"?"+query.Encode(), nil, &info)
	if err != nil {
		return Info{}, err
	}

	if info.SampleRate <= 0 {
		return Info{}, fmt.Errorf("%w: %d", ErrInvalidSampleRate, info.SampleRate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sampleRate = info.SampleRate

	if info.Device != "" {
		c.device = info.Device
	}

	if info.ModelID != "" && c.modelID == "" {
		c.modelID = info.ModelID
	}

	return info, nil
}

// SampleRate returns the canonical rate reported by Connect, or 0 before connecting.
func (c *HTTPClient) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sampleRate
}

// Device returns the resolved inference device.
func (c *HTTPClient) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.device
}

// HealthCheck verifies that the model server is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, apiHealth, nil, nil)
}

// Seed reseeds the device RNG. The seed is sent with the next Generate call only.
func (c *HTTPClient) Seed(value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingSeed = &value
}

// Flags returns the determinism flags sent with generate calls.
func (c *HTTPClient) Flags() seed.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flags
}

// SetFlags replaces the determinism flags.
func (c *HTTPClient) SetFlags(flags seed.Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags = flags
}

// Prepare tokenizes texts, optionally with a voice-cloning prompt.
func (c *HTTPClient) Prepare(ctx context.Context, texts []string, prompt *core.AudioPrompt) (*core.ModelInputs, error) {
	c.mu.Lock()
	connected := c.sampleRate > 0
	request := prepareRequest{Model: c.modelID, Device: c.device, Texts: texts, AudioPrompt: prompt}
	c.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	var inputs core.ModelInputs

	err := c.do(ctx, http.MethodPost, apiPrepare, request, &inputs)
	if err != nil {
		return nil, err
	}

	return &inputs, nil
}

// Generate runs sampling on the server with the current seed and flags.
func (c *HTTPClient) Generate(ctx context.Context, inputs *core.ModelInputs, params core.SamplingParams) (*core.Tokens, error) {
	c.mu.Lock()
	request := generateRequest{
		Model:         c.modelID,
		Device:        c.device,
		Inputs:        inputs,
		Sampling:      params,
		Seed:          c.pendingSeed,
		Deterministic: c.flags.Deterministic,
		Benchmark:     c.flags.Benchmark,
	}
	c.pendingSeed = nil
	c.mu.Unlock()

	var tokens core.Tokens

	err := c.do(ctx, http.MethodPost, apiGenerate, request, &tokens)
	if err != nil {
		return nil, err
	}

	return &tokens, nil
}

// Decode turns generated tokens into one mono waveform per batch row, trimming the
// prompt positions given in promptLens.
func (c *HTTPClient) Decode(ctx context.Context, tokens *core.Tokens, promptLens []int) ([][]float32, error) {
	c.mu.Lock()
	request := decodeRequest{Model: c.modelID, Tokens: tokens, AudioPromptLen: promptLens}
	c.mu.Unlock()

	var response decodeResponse

	err := c.do(ctx, http.MethodPost, apiDecode, request, &response)
	if err != nil {
		return nil, err
	}

	return response.Audio, nil
}

// do sends a JSON request and decodes a JSON response. A nil body sends no payload; a
// nil out discards the response.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader = http.NoBody

	if body != nil {
		requestBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		payload = bytes.NewReader(requestBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to model server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	return nil
}

// parseErrorResponse decodes a structured error from the server, falling back to the
// raw body. Out-of-memory failures wrap core.ErrDeviceOutOfMemory.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	structured := err == nil && errorResp.Detail != ""

	if errorResp.ErrorCode == errorCodeOutOfMemory || resp.StatusCode == http.StatusInsufficientStorage {
		detail := errorResp.Detail
		if !structured {
			detail = string(body)
		}

		return fmt.Errorf("%w: %s", core.ErrDeviceOutOfMemory, detail)
	}

	if structured {
		return fmt.Errorf("%w: "+errFmtServiceErrorWithCode,
			ErrServiceError, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf("%w: "+errFmtServiceNonOKStatus, ErrServiceError, resp.Status, string(body))
}

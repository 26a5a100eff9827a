// Package worker_test tests the NATS worker for the TTS service.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/tts"
	"github.com/book-expert/voice-tts-service/internal/worker"
)

const (
	testSubject      = "tts.synthesize"
	testChunkSubject = "tts.audio.chunk"
)

var (
	errMockUpload = errors.New("mock upload error")
	errMockUnused = errors.New("download is not used by the worker")
)

// mockObjectStore is a mock implementation of the ObjectStore interface.
type mockObjectStore struct {
	mu      sync.Mutex
	uploads map[string][]byte
	deleted []string
	// failOnUpload makes the n-th upload (1-based) fail; zero never fails.
	failOnUpload int
	attempts     int
}

func (m *mockObjectStore) Download(context.Context, string) ([]byte, error) {
	return nil, errMockUnused
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.attempts == m.failOnUpload {
		return errMockUpload
	}

	if m.uploads == nil {
		m.uploads = map[string][]byte{}
	}

	m.uploads[key] = data

	return nil
}

func (m *mockObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleted = append(m.deleted, key)
	delete(m.uploads, key)

	return nil
}

func (m *mockObjectStore) deletedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.deleted...)
}

func (m *mockObjectStore) snapshot() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.uploads))
	for k, v := range m.uploads {
		out[k] = v
	}

	return out
}

// mockHandler returns a fixed response and remembers the input it saw.
type mockHandler struct {
	mu       sync.Mutex
	response tts.Response
	input    map[string]any
	calls    int
}

func (m *mockHandler) Handle(_ context.Context, input map[string]any) tts.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.input = input
	m.calls++

	return m.response
}

func (m *mockHandler) seen() (map[string]any, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.input, m.calls
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func startWorker(t *testing.T, cfg worker.Config, handler worker.Handler, opts ...worker.Option) *nats.Conn {
	t.Helper()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	workerInstance, err := worker.NewNatsWorker(
		natsConnection, cfg, handler, apperror.NewReporter(nil, testLogger), testLogger, opts...,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	return natsConnection
}

// request retries until the worker's subscription is live.
func request(t *testing.T, natsConnection *nats.Conn, data []byte) *nats.Msg {
	t.Helper()

	var reply *nats.Msg

	require.Eventually(t, func() bool {
		msg, err := natsConnection.Request(testSubject, data, 5*time.Second)
		if err != nil {
			return false
		}

		reply = msg

		return true
	}, 10*time.Second, 50*time.Millisecond)

	return reply
}

func decodeReply(t *testing.T, msg *nats.Msg) tts.Response {
	t.Helper()

	var response tts.Response

	require.NoError(t, json.Unmarshal(msg.Data, &response))

	return response
}

func TestNewNatsWorker_Validation(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "worker_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	reporter := apperror.NewReporter(nil, testLogger)

	_, err = worker.NewNatsWorker(nil, worker.Config{}, &mockHandler{}, reporter, testLogger)
	require.ErrorIs(t, err, worker.ErrSubjectEmpty)

	_, err = worker.NewNatsWorker(nil, worker.Config{Subject: testSubject, StoreOutputs: true}, &mockHandler{}, reporter, testLogger)
	require.ErrorIs(t, err, worker.ErrStoreRequired)
}

func TestMessageHandler_RepliesWithResponse(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{response: tts.Response{Clips: [][]byte{[]byte("clip-a"), []byte("clip-b")}, Format: "wav"}}
	natsConnection := startWorker(t, worker.Config{Subject: testSubject, QueueGroup: "tts"}, handler)

	header, err := json.Marshal(events.EventHeader{WorkflowID: "wf-42", EventID: "ev-1"})
	require.NoError(t, err)

	reply := request(t, natsConnection, []byte(`{"header": `+string(header)+`, "input": {"texts": ["een", "twee"]}}`))

	response := decodeReply(t, reply)
	assert.Equal(t, handler.response, response)
	assert.Equal(t, "wf-42", reply.Header.Get(worker.HeaderWorkflowID))
	assert.Empty(t, reply.Header.Get(worker.HeaderAudioKeys))

	input, calls := handler.seen()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []any{"een", "twee"}, input["texts"])
}

func TestMessageHandler_BareInputGetsWorkflowID(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{response: tts.Response{Clips: [][]byte{[]byte("x")}, Format: "wav", Single: true}}
	natsConnection := startWorker(t, worker.Config{Subject: testSubject}, handler)

	reply := request(t, natsConnection, []byte(`{"text": "een"}`))

	assert.NotEmpty(t, reply.Header.Get(worker.HeaderWorkflowID))
	assert.Equal(t, handler.response, decodeReply(t, reply))
}

func TestMessageHandler_MalformedPayload(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{}
	natsConnection := startWorker(t, worker.Config{Subject: testSubject}, handler)

	response := decodeReply(t, request(t, natsConnection, []byte(`not json`)))

	require.True(t, response.Failed())
	assert.Equal(t, apperror.CodeInvalidInput, response.Failure.Code)
	assert.True(t, strings.HasPrefix(response.Failure.Message, "Malformed job payload: "))

	_, calls := handler.seen()
	assert.Zero(t, calls)
}

func TestMessageHandler_StoresOutputsAndPublishesEvents(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{}
	handler := &mockHandler{response: tts.Response{Clips: [][]byte{[]byte("one"), []byte("two")}, Format: "mp3"}}
	natsConnection := startWorker(t, worker.Config{
		Subject:           testSubject,
		AudioChunkSubject: testChunkSubject,
		StoreOutputs:      true,
	}, handler, worker.WithObjectStore(store))

	chunks, err := natsConnection.SubscribeSync(testChunkSubject)
	require.NoError(t, err)
	require.NoError(t, natsConnection.Flush())

	header, err := json.Marshal(events.EventHeader{WorkflowID: "wf-7", TenantID: "tenant-1"})
	require.NoError(t, err)

	reply := request(t, natsConnection, []byte(`{"header": `+string(header)+`, "input": {"texts": ["a", "b"]}}`))
	assert.Equal(t, handler.response, decodeReply(t, reply))

	keys := strings.Split(reply.Header.Get(worker.HeaderAudioKeys), ",")
	require.Len(t, keys, 2)

	uploads := store.snapshot()
	assert.Equal(t, []byte("one"), uploads[keys[0]])
	assert.Equal(t, []byte("two"), uploads[keys[1]])

	for i, key := range keys {
		assert.True(t, strings.HasPrefix(key, "wf-7/"))
		assert.True(t, strings.HasSuffix(key, ".mp3"))

		msg, nextErr := chunks.NextMsg(5 * time.Second)
		require.NoError(t, nextErr)

		var event events.AudioChunkCreatedEvent

		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, key, event.AudioKey)
		assert.Equal(t, i+1, event.PageNumber)
		assert.Equal(t, 2, event.TotalPages)
		assert.Equal(t, "wf-7", event.Header.WorkflowID)
		assert.Equal(t, "tenant-1", event.Header.TenantID)
		assert.NotEmpty(t, event.Header.EventID)
	}
}

func TestMessageHandler_FailedResponseIsNotStored(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{}
	handler := &mockHandler{response: tts.Response{Failure: &apperror.Payload{
		Message: "Unknown voice 'Z9'. Available: [none loaded]",
		Code:    apperror.CodeVoiceNotFound,
	}}}
	natsConnection := startWorker(t, worker.Config{Subject: testSubject, StoreOutputs: true}, handler, worker.WithObjectStore(store))

	response := decodeReply(t, request(t, natsConnection, []byte(`{"texts": ["a"], "voice": "Z9"}`)))

	assert.Equal(t, handler.response, response)
	assert.Empty(t, store.snapshot())
}

func TestMessageHandler_UploadFailureBecomesInternal(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{failOnUpload: 1}
	handler := &mockHandler{response: tts.Response{Clips: [][]byte{[]byte("one")}, Format: "wav"}}
	natsConnection := startWorker(t, worker.Config{Subject: testSubject, StoreOutputs: true}, handler, worker.WithObjectStore(store))

	response := decodeReply(t, request(t, natsConnection, []byte(`{"texts": ["a"]}`)))

	require.True(t, response.Failed())
	assert.Equal(t, apperror.CodeInternal, response.Failure.Code)
	assert.Contains(t, response.Failure.Message, errMockUpload.Error())
}

func TestMessageHandler_PartialUploadPublishesNothing(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{failOnUpload: 2}
	handler := &mockHandler{response: tts.Response{Clips: [][]byte{[]byte("one"), []byte("two"), []byte("three")}, Format: "wav"}}
	natsConnection := startWorker(t, worker.Config{
		Subject:           testSubject,
		AudioChunkSubject: testChunkSubject,
		StoreOutputs:      true,
	}, handler, worker.WithObjectStore(store))

	chunks, err := natsConnection.SubscribeSync(testChunkSubject)
	require.NoError(t, err)
	require.NoError(t, natsConnection.Flush())

	reply := request(t, natsConnection, []byte(`{"texts": ["a", "b", "c"]}`))

	response := decodeReply(t, reply)
	require.True(t, response.Failed())
	assert.Equal(t, apperror.CodeInternal, response.Failure.Code)
	assert.Empty(t, reply.Header.Get(worker.HeaderAudioKeys))

	_, err = chunks.NextMsg(300 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout, "no audio chunk event may be published for a failed job")

	assert.Len(t, store.deletedKeys(), 1)
	assert.Empty(t, store.snapshot())
}

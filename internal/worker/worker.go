// Package worker provides a NATS worker that serves synthesis jobs over request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/objectstore"
	"github.com/book-expert/voice-tts-service/internal/tts"
)

const (
	defaultHandleTimeout = 10 * time.Minute
	transportName        = "nats"
	errFmtMalformedJob   = "Malformed job payload: %v"
)

// Reply headers.
const (
	HeaderWorkflowID = "Workflow-ID"
	HeaderAudioKeys  = "Audio-Keys"
)

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrStoreRequired indicates that storing outputs was requested without an object store.
	ErrStoreRequired = errors.New("storing outputs requires an object store")
)

// Handler runs one synthesis request.
type Handler interface {
	Handle(ctx context.Context, input map[string]any) tts.Response
}

// Config configures the worker subscription.
type Config struct {
	Subject    string
	QueueGroup string
	// AudioChunkSubject receives an AudioChunkCreatedEvent per stored clip.
	AudioChunkSubject string
	Timeout           time.Duration
	StoreOutputs      bool
}

// NatsWorker listens for synthesis jobs on a NATS subject and replies with the response.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	handler        Handler
	reporter       *apperror.Reporter
	log            *logger.Logger
	cfg            Config
}

// Option configures a NatsWorker.
type Option func(*NatsWorker)

// WithObjectStore sets the store used for output clips.
func WithObjectStore(store core.ObjectStore) Option {
	return func(w *NatsWorker) {
		w.store = store
	}
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	handler Handler,
	reporter *apperror.Reporter,
	log *logger.Logger,
	opts ...Option,
) (*NatsWorker, error) {
	if cfg.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHandleTimeout
	}

	worker := &NatsWorker{
		natsConnection: natsConnection,
		handler:        handler,
		reporter:       reporter,
		log:            log,
		cfg:            cfg,
	}

	for _, opt := range opts {
		opt(worker)
	}

	if cfg.StoreOutputs && worker.store == nil {
		return nil, ErrStoreRequired
	}

	return worker, nil
}

// Run subscribes and serves jobs until ctx is cancelled, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.cfg.Subject, w.cfg.QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.log.Info("Listening for synthesis jobs on '%s' (queue '%s')", w.cfg.Subject, w.cfg.QueueGroup)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(tts.WithTransport(context.Background(), transportName), w.cfg.Timeout)
	defer cancel()

	job, err := tts.DecodeJob(msg.Data)
	if err != nil {
		w.respond(msg, events.EventHeader{}, w.failure(apperror.Wrap(apperror.CodeInvalidInput, err, errFmtMalformedJob, err)), nil)

		return
	}

	header := completeHeader(job.Header)
	w.log.Info("Received synthesis job for workflow %s", header.WorkflowID)

	response := w.handler.Handle(ctx, job.Input)

	var keys []string

	if !response.Failed() && w.cfg.StoreOutputs {
		keys, err = w.storeOutputs(ctx, header, response)
		if err != nil {
			response = w.failure(err)
		}
	}

	w.respond(msg, header, response, keys)
}

// objectDeleter is implemented by stores that can remove objects.
type objectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// storeOutputs uploads every clip and, once all uploads succeeded, announces each one
// with an AudioChunkCreatedEvent. A failed upload removes the clips already written
// and publishes nothing.
func (w *NatsWorker) storeOutputs(ctx context.Context, header events.EventHeader, response tts.Response) ([]string, error) {
	keys := make([]string, 0, len(response.Clips))

	for _, clip := range response.Clips {
		key := objectstore.ClipKey(header.WorkflowID, uuid.NewString(), response.Format)

		err := w.store.Upload(ctx, key, clip)
		if err != nil {
			w.discard(ctx, header.WorkflowID, keys)

			return nil, fmt.Errorf("failed to upload audio data for key '%s': %w", key, err)
		}

		keys = append(keys, key)
	}

	if w.cfg.AudioChunkSubject == "" {
		return keys, nil
	}

	for i, key := range keys {
		event := &events.AudioChunkCreatedEvent{
			Header: events.EventHeader{
				Timestamp:  time.Now().UTC(),
				WorkflowID: header.WorkflowID,
				EventID:    uuid.NewString(),
				UserID:     header.UserID,
				TenantID:   header.TenantID,
			},
			AudioKey:   key,
			PageNumber: i + 1,
			TotalPages: len(keys),
		}

		err := w.publishEvent(event)
		if err != nil {
			w.log.Error("Failed to publish audio chunk event for workflow %s: %v", header.WorkflowID, err)
		}
	}

	return keys, nil
}

// discard removes clips of a failed job, best effort.
func (w *NatsWorker) discard(ctx context.Context, workflowID string, keys []string) {
	deleter, ok := w.store.(objectDeleter)
	if !ok {
		if len(keys) > 0 {
			w.log.Warn("Object store cannot delete; %d orphaned clip(s) for workflow %s", len(keys), workflowID)
		}

		return
	}

	for _, key := range keys {
		err := deleter.Delete(ctx, key)
		if err != nil {
			w.log.Warn("Failed to delete orphaned clip '%s' for workflow %s: %v", key, workflowID, err)
		}
	}
}

func (w *NatsWorker) publishEvent(event *events.AudioChunkCreatedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audio chunk event: %w", err)
	}

	err = w.natsConnection.Publish(w.cfg.AudioChunkSubject, data)
	if err != nil {
		return fmt.Errorf("failed to publish audio chunk event: %w", err)
	}

	return nil
}

// respond replies with the response JSON; the workflow id and stored keys travel as headers.
func (w *NatsWorker) respond(msg *nats.Msg, header events.EventHeader, response tts.Response, keys []string) {
	if msg.Reply == "" {
		w.log.Warn("Synthesis job on '%s' has no reply subject, dropping response", msg.Subject)

		return
	}

	data, err := json.Marshal(response)
	if err != nil {
		w.log.Error("Failed to marshal response: %v", err)

		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Data = data

	if header.WorkflowID != "" {
		reply.Header.Set(HeaderWorkflowID, header.WorkflowID)
	}

	if len(keys) > 0 {
		reply.Header.Set(HeaderAudioKeys, strings.Join(keys, ","))
	}

	err = msg.RespondMsg(reply)
	if err != nil {
		w.log.Error("Failed to publish reply for workflow %s: %v", header.WorkflowID, err)
	}
}

func (w *NatsWorker) failure(err error) tts.Response {
	payload := w.reporter.Report(err)

	return tts.Response{Failure: &payload}
}

// completeHeader fills the ids and timestamp a producer left empty.
func completeHeader(header events.EventHeader) events.EventHeader {
	if header.WorkflowID == "" {
		header.WorkflowID = uuid.NewString()
	}

	if header.EventID == "" {
		header.EventID = uuid.NewString()
	}

	if header.Timestamp.IsZero() {
		header.Timestamp = time.Now().UTC()
	}

	return header
}

// Package objectstore keeps voice prompts and synthesized clips in a NATS JetStream
// object store bucket. It implements core.ObjectStore.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerContentType  = "Content-Type"
	defaultContentType = "application/octet-stream"
)

// ErrObjectNotFound is returned by Download for unknown keys.
var ErrObjectNotFound = errors.New("object not found")

var audioContentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

// NatsObjectStore stores audio objects in one JetStream object store bucket.
type NatsObjectStore struct {
	store  nats.ObjectStore
	bucket string
}

// New binds to bucketName, creating the bucket when it does not exist yet.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Voice prompts and synthesized audio for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{store: store, bucket: bucketName}, nil
}

// Download retrieves an object.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := n.store.GetBytes(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: '%s' in bucket '%s'", ErrObjectNotFound, key, n.bucket)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return data, nil
}

// Upload stores data under key with a Content-Type header derived from the extension.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	meta := &nats.ObjectMeta{
		Name:    key,
		Headers: nats.Header{headerContentType: []string{ContentType(key)}},
	}

	_, err := n.store.Put(meta, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// ContentType returns the MIME type for an audio object key.
func ContentType(key string) string {
	contentType, ok := audioContentTypes[strings.ToLower(path.Ext(key))]
	if !ok {
		return defaultContentType
	}

	return contentType
}

// ClipKey builds the object key of one output clip of a workflow.
func ClipKey(workflowID, clipID, format string) string {
	return path.Join(workflowID, clipID+"."+format)
}

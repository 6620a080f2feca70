// Package clipstore shares rendered announcement clips between castlecall nodes through a
// NATS JetStream object store bucket.
package clipstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ctf2009/castlecall/internal/core"
	"github.com/nats-io/nats.go"
)

// DefaultBucket names the bucket when none is configured.
const DefaultBucket = "CASTLECALL_CLIPS"

const clipDescription = "castlecall audio clip"

var _ core.ClipStore = (*NatsClipStore)(nil)

// Config describes the bucket.
type Config struct {
	Bucket string
	// MaxAge expires clips. Zero keeps them until MaxBytes forces them out.
	MaxAge time.Duration
	// MaxBytes caps the bucket. Zero means unlimited.
	MaxBytes int64
}

// NatsClipStore implements core.ClipStore using NATS JetStream.
type NatsClipStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when another node already created it.
func New(jetstreamContext nats.JetStreamContext, cfg Config) (*NatsClipStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	store, createErr := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: fmt.Sprintf("Shared announcement clips for the %s bucket.", cfg.Bucket),
		TTL:         cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if createErr != nil {
		var bindErr error

		store, bindErr = jetstreamContext.ObjectStore(cfg.Bucket)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to open clip bucket '%s': %w", cfg.Bucket, errors.Join(createErr, bindErr))
		}
	}

	return &NatsClipStore{
		bucket: cfg.Bucket,
		store:  store,
	}, nil
}

// Download retrieves a clip by cache key.
func (n *NatsClipStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: '%s' in bucket '%s'", core.ErrClipNotFound, key, n.bucket)
		}

		return nil, fmt.Errorf("failed to get clip '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read clip '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close clip '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload stores a clip under its cache key, replacing any previous one.
func (n *NatsClipStore) Upload(_ context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: clipDescription,
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put clip '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Bucket returns the bucket name.
func (n *NatsClipStore) Bucket() string {
	return n.bucket
}

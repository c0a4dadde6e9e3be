package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/tillerworks/tiller/pkg/eventstore"
)

// GCSSink archives bundles to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSSink.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSSink creates a GCS-backed bundle sink using ADC credentials.
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads the bundle, skipping the write when the object already exists.
func (s *GCSSink) Put(ctx context.Context, bundle *eventstore.EvidenceBundle) (string, error) {
	data, err := marshalBundle(bundle)
	if err != nil {
		return "", err
	}
	key := objectKey(s.prefix, bundle)

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return key, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close failed: %w", err)
	}
	return key, nil
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}

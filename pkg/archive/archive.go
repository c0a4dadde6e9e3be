// Package archive exports sealed evidence bundles to durable storage so the
// audit trail outlives the in-memory event ring.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tillerworks/tiller/pkg/eventstore"
)

// Sink stores one sealed bundle and returns its storage key.
type Sink interface {
	Put(ctx context.Context, bundle *eventstore.EvidenceBundle) (string, error)
}

// objectKey is the canonical layout shared by all sinks.
func objectKey(prefix string, bundle *eventstore.EvidenceBundle) string {
	return fmt.Sprintf("%sbundles/%s/%s.json", prefix, bundle.CorrelationID, bundle.BundleID)
}

func marshalBundle(bundle *eventstore.EvidenceBundle) ([]byte, error) {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: bundle not serializable: %w", err)
	}
	return data, nil
}

// SinkFromURL selects a sink by scheme: "s3://bucket/prefix" and
// "gs://bucket/prefix" hit object storage; anything else is treated as a
// local directory.
func SinkFromURL(ctx context.Context, raw string) (Sink, error) {
	switch {
	case strings.HasPrefix(raw, "s3://"):
		bucket, prefix, err := splitBucketURL(strings.TrimPrefix(raw, "s3://"))
		if err != nil {
			return nil, fmt.Errorf("archive: %s: %w", raw, err)
		}
		return NewS3Sink(ctx, S3Config{Bucket: bucket, Prefix: prefix})
	case strings.HasPrefix(raw, "gs://"):
		bucket, prefix, err := splitBucketURL(strings.TrimPrefix(raw, "gs://"))
		if err != nil {
			return nil, fmt.Errorf("archive: %s: %w", raw, err)
		}
		return NewGCSSink(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
	default:
		return NewLocalSink(raw), nil
	}
}

// splitBucketURL separates "bucket/some/prefix" into the bucket name and a
// slash-terminated key prefix.
func splitBucketURL(rest string) (bucket, prefix string, err error) {
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("bucket name is required")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// LocalSink writes bundles under a directory, for development and air-gapped
// deployments.
type LocalSink struct {
	root string
}

// NewLocalSink creates a sink rooted at dir.
func NewLocalSink(dir string) *LocalSink {
	return &LocalSink{root: dir}
}

// Put writes the bundle as pretty-printed JSON and returns its path.
func (s *LocalSink) Put(_ context.Context, bundle *eventstore.EvidenceBundle) (string, error) {
	data, err := marshalBundle(bundle)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, "bundles", bundle.CorrelationID, bundle.BundleID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write failed: %w", err)
	}
	return path, nil
}

// Package gcs fetches pricing records from a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Config captures the bucket layout resources are read from.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every resource id to form the object name.
	Prefix string `mapstructure:"prefix"`
	// MaxBytes caps the size of a single record. Zero means unlimited.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// Fetcher reads objects from a configured GCS bucket.
type Fetcher struct {
	client   *storage.Client
	bucket   string
	prefix   string
	maxBytes int64
}

// New creates a GCS-backed fetcher.
func New(client *storage.Client, cfg Config) (*Fetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Fetcher{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		maxBytes: cfg.MaxBytes,
	}, nil
}

// ObjectName maps a resource id to its object name in the bucket.
func (f *Fetcher) ObjectName(resourceID string) string {
	name := strings.TrimLeft(resourceID, "/")
	if f.prefix == "" {
		return name
	}
	return path.Join(f.prefix, name)
}

// Fetch downloads the object behind resourceID.
func (f *Fetcher) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	name := f.ObjectName(resourceID)
	reader, err := f.client.Bucket(f.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("fetch gs://%s/%s: %w", f.bucket, name, webhook.ErrResourceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", f.bucket, name, err)
	}

	var src io.Reader = reader
	if f.maxBytes > 0 {
		src = io.LimitReader(reader, f.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	closeErr := reader.Close()
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", f.bucket, name, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close gs://%s/%s: %w", f.bucket, name, closeErr)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("gs://%s/%s exceeds %d bytes: %w", f.bucket, name, f.maxBytes, webhook.ErrMalformedRecord)
	}
	return data, nil
}

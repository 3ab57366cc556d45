// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads data and returns a gs:// URI. Auth and missing-bucket failures
// are marked permanent.
func (s *BlobStore) Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", crawler.Permanent(errors.New("path is required"))
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(metadata) > 0 {
		writer.Metadata = metadata
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", classify(fmt.Errorf("write object: %w (close writer: %v)", err, closeErr))
		}
		return "", classify(fmt.Errorf("write object: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", classify(fmt.Errorf("close writer: %w", err))
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Check verifies the bucket exists and the credentials can read it.
func (s *BlobStore) Check(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return crawler.Permanent(fmt.Errorf("bucket %s: %w", s.bucket, err))
		}
		return classify(fmt.Errorf("bucket attrs: %w", err))
	}
	return nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return crawler.Permanent(err)
		}
	}
	return err
}

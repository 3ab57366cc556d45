// Package persist writes price files and run manifests to blob storage with
// bounded retries.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
	"github.com/JakeFAU/retail-price-crawler/internal/metrics"
)

// Metadata keys attached to every persisted file.
const (
	MetaContentHash = "content_hash"
	MetaRetailerID  = "retailer_id"
	MetaRunID       = "run_id"
	MetaSourceURL   = "source_url"
)

// Config bounds write retries and the manifest write.
type Config struct {
	WriteAttempts   int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ManifestTimeout time.Duration
}

// Pipeline is the durable writer in front of a BlobStore.
type Pipeline struct {
	store           crawler.BlobStore
	policy          *crawler.ExponentialRetryPolicy
	manifestTimeout time.Duration
	logger          *zap.Logger
}

// New wraps store. Zero config fields take the retry policy defaults and a
// one minute manifest timeout.
func New(store crawler.BlobStore, cfg Config, logger *zap.Logger) *Pipeline {
	timeout := cfg.ManifestTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Pipeline{
		store: store,
		policy: crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
			MaxAttempts: cfg.WriteAttempts,
			BaseDelay:   cfg.BackoffInitial,
			MaxDelay:    cfg.BackoffMax,
		}),
		manifestTimeout: timeout,
		logger:          logging.OrNop(logger).Named("persist"),
	}
}

// FilePath is the object path of a price file.
func FilePath(retailerID, runID, filename string) string {
	return path.Join("raw", retailerID, runID, filename)
}

// ManifestPath is the object path of a run manifest.
func ManifestPath(runID string) string {
	return path.Join("manifests", runID+".json")
}

// File is one price file ready to be written.
type File struct {
	RetailerID  string
	RunID       string
	Filename    string
	Data        []byte
	ContentHash string
	ContentType string
	SourceURL   string
}

// PutFile writes f under its namespaced path and returns that path.
// Permanent failures are returned after the first attempt.
func (p *Pipeline) PutFile(ctx context.Context, f File) (string, error) {
	objectPath := FilePath(f.RetailerID, f.RunID, f.Filename)
	meta := map[string]string{
		MetaContentHash: f.ContentHash,
		MetaRetailerID:  f.RetailerID,
		MetaRunID:       f.RunID,
	}
	if f.SourceURL != "" {
		meta[MetaSourceURL] = f.SourceURL
	}
	if _, err := p.put(ctx, objectPath, f.Data, f.ContentType, meta); err != nil {
		return "", fmt.Errorf("persist %s: %w", objectPath, err)
	}
	return objectPath, nil
}

// PutManifest writes m as indented JSON within the manifest timeout and
// returns the object URI.
func (p *Pipeline) PutManifest(ctx context.Context, m crawler.Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.manifestTimeout)
	defer cancel()
	objectPath := ManifestPath(m.RunID)
	uri, err := p.put(ctx, objectPath, data, "application/json", map[string]string{MetaRunID: m.RunID})
	if err != nil {
		return "", fmt.Errorf("persist manifest %s: %w", objectPath, err)
	}
	p.logger.Info("manifest.written",
		zap.String("run_id", m.RunID),
		zap.String("uri", uri),
		zap.Int("retailers", len(m.Retailers)),
		zap.Bool("partial", m.Partial),
	)
	return uri, nil
}

// Check reports whether the underlying store is reachable.
func (p *Pipeline) Check(ctx context.Context) error {
	if err := p.store.Check(ctx); err != nil {
		return fmt.Errorf("check blob store: %w", err)
	}
	return nil
}

func (p *Pipeline) put(ctx context.Context, objectPath string, data []byte, contentType string, meta map[string]string) (string, error) {
	var uri string
	attempts, err := crawler.Retry(ctx, p.policy, func(ctx context.Context) error {
		var putErr error
		uri, putErr = p.store.Put(ctx, objectPath, data, contentType, meta)
		if putErr != nil && !crawler.IsPermanent(putErr) {
			p.logger.Debug("blob write failed", zap.String("path", objectPath), zap.Error(putErr))
		}
		return putErr
	})
	if attempts > 1 {
		metrics.ObserveStorageRetry()
	}
	if err != nil {
		return "", err
	}
	return uri, nil
}

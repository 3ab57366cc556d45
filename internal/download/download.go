// Package download retrieves discovered price files for one retailer,
// deduplicates them by content hash and hands new content to the persistence
// pipeline.
package download

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
	"github.com/JakeFAU/retail-price-crawler/internal/metrics"
	"github.com/JakeFAU/retail-price-crawler/internal/persist"
)

// Fetcher retrieves a URL with the retailer's session state.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (crawler.FetchResult, error)
}

// Persister writes a price file and returns its object path.
type Persister interface {
	PutFile(ctx context.Context, f persist.File) (string, error)
}

// Limiter paces requests to a host. ratelimit.Limiter implements it.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config tunes per-retailer downloads.
type Config struct {
	Concurrency  int
	Retry        crawler.RetryConfig
	FetchTimeout time.Duration
	// MaxFileBytes rejects larger bodies. Zero disables the check.
	MaxFileBytes int64
	// Limiter is consulted before every fetch attempt. Nil means unpaced.
	Limiter Limiter
}

// Manager downloads the links of one retailer at a time.
type Manager struct {
	cfg       Config
	policy    *crawler.ExponentialRetryPolicy
	hasher    crawler.Hasher
	clock     crawler.Clock
	persister Persister
	logger    *zap.Logger
}

// New builds a Manager. Concurrency defaults to 4 and the per-attempt fetch
// timeout to 90 seconds.
func New(cfg Config, hasher crawler.Hasher, clock crawler.Clock, persister Persister, logger *zap.Logger) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 90 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		policy:    crawler.NewExponentialRetryPolicy(cfg.Retry),
		hasher:    hasher,
		clock:     clock,
		persister: persister,
		logger:    logging.OrNop(logger).Named("download"),
	}
}

// Request lists the links of one discovery pass.
type Request struct {
	RetailerID string
	RunID      string
	Links      []string
	DryRun     bool
}

// Outcome tallies one Download call.
type Outcome struct {
	Downloaded int
	Duplicates int
	Files      []crawler.FileRecord
	Errors     []crawler.FileError
}

type linkResult struct {
	file      *crawler.FileRecord
	duplicate bool
	failure   *crawler.FileError
}

// Download fetches every link with bounded concurrency and returns once all
// of them resolved. table is shared by every source of the retailer so the
// same content is only persisted once per run. In dry-run mode nothing is
// fetched.
func (m *Manager) Download(ctx context.Context, fetcher Fetcher, table *Table, req Request) Outcome {
	logger := logging.Retailer(m.logger, req.RunID, req.RetailerID)
	if req.DryRun {
		for range req.Links {
			metrics.ObserveFile(req.RetailerID, metrics.FileDiscarded, 0)
		}
		logger.Info("download skipped", zap.Bool("dry_run", true), zap.Int("links", len(req.Links)))
		return Outcome{Files: []crawler.FileRecord{}, Errors: []crawler.FileError{}}
	}

	results := make([]linkResult, len(req.Links))
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, link := range req.Links {
		g.Go(func() error {
			results[i] = m.one(ctx, logger, fetcher, table, req, link)
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Files: []crawler.FileRecord{}, Errors: []crawler.FileError{}}
	for _, r := range results {
		switch {
		case r.file != nil:
			out.Downloaded++
			out.Files = append(out.Files, *r.file)
		case r.duplicate:
			out.Duplicates++
		case r.failure != nil:
			out.Errors = append(out.Errors, *r.failure)
		}
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Filename < out.Files[j].Filename })
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].File < out.Errors[j].File })
	return out
}

func (m *Manager) one(
	ctx context.Context,
	logger *zap.Logger,
	fetcher Fetcher,
	table *Table,
	req Request,
	link string,
) linkResult {
	fail := func(file string, reason crawler.Reason, err error) linkResult {
		metrics.ObserveFile(req.RetailerID, metrics.FileFailed, 0)
		logger.Warn("file.failed",
			zap.String("file", file),
			zap.String("url", link),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return linkResult{failure: &crawler.FileError{File: file, Reason: reason}}
	}

	res, err := m.fetch(ctx, fetcher, link)
	if err != nil {
		return fail(link, crawler.ReasonFor(err), err)
	}
	filename := crawler.FilenameFor(res.Header, link)
	if m.cfg.MaxFileBytes > 0 && int64(len(res.Body)) > m.cfg.MaxFileBytes {
		return fail(filename, crawler.ReasonTooLarge, errors.New("body exceeds max_file_bytes"))
	}
	hash, err := m.hasher.Hash(res.Body)
	if err != nil {
		return fail(filename, crawler.ReasonHashFailed, err)
	}

	release, duplicate, err := table.Acquire(ctx, hash)
	if err != nil {
		return fail(filename, crawler.ReasonFor(err), err)
	}
	if duplicate {
		metrics.ObserveFile(req.RetailerID, metrics.FileDuplicate, 0)
		logger.Debug("file.duplicate", zap.String("file", filename), zap.String("content_hash", hash))
		return linkResult{duplicate: true}
	}

	filename = table.Name(filename, hash)
	detected := mimetype.Detect(res.Body)
	objectPath, err := m.persister.PutFile(ctx, persist.File{
		RetailerID:  req.RetailerID,
		RunID:       req.RunID,
		Filename:    filename,
		Data:        res.Body,
		ContentHash: hash,
		ContentType: detected.String(),
		SourceURL:   link,
	})
	if err != nil {
		table.ReleaseName(filename, hash)
		release(false)
		reason := crawler.ReasonPersistFailed
		if crawler.IsPermanent(err) {
			reason = crawler.ReasonPersistDenied
		}
		return fail(filename, reason, err)
	}
	release(true)

	metrics.ObserveFile(req.RetailerID, metrics.FilePersisted, len(res.Body))
	logger.Info("file.persisted",
		zap.String("file", filename),
		zap.String("path", objectPath),
		zap.Int("bytes", len(res.Body)),
		zap.String("content_hash", hash),
	)
	return linkResult{file: &crawler.FileRecord{
		Filename:    filename,
		Path:        objectPath,
		ContentHash: hash,
		Bytes:       int64(len(res.Body)),
		Timestamp:   m.clock.Now(),
		ContentType: detected.String(),
		Kind:        KindOf(detected),
		SourceURL:   link,
	}}
}

// fetch retries transient failures. A single attempt running out of time is
// reported as a retryable timeout while the caller's context is still alive.
func (m *Manager) fetch(ctx context.Context, fetcher Fetcher, link string) (crawler.FetchResult, error) {
	var res crawler.FetchResult
	_, err := crawler.Retry(ctx, m.policy, func(ctx context.Context) error {
		if m.cfg.Limiter != nil {
			if err := m.cfg.Limiter.Wait(ctx, link); err != nil {
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()
		r, err := fetcher.Fetch(attemptCtx, link)
		if err != nil {
			if ctx.Err() == nil && (attemptCtx.Err() != nil || crawler.ReasonFor(err) == crawler.ReasonTimeout) {
				return &crawler.TransportError{Op: http.MethodGet, URL: link, Err: crawler.ErrTimeout}
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// KindOf maps a sniffed MIME type onto the archive family of the file.
func KindOf(detected *mimetype.MIME) crawler.FileKind {
	for mt := detected; mt != nil; mt = mt.Parent() {
		switch {
		case mt.Is("application/gzip"):
			return crawler.FileKindGzip
		case mt.Is("application/zip"):
			return crawler.FileKindZip
		case mt.Is("text/xml"):
			return crawler.FileKindXML
		}
	}
	return crawler.FileKindOther
}

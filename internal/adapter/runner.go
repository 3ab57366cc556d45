package adapter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/discovery"
	"github.com/JakeFAU/retail-price-crawler/internal/download"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
)

// Runner crawls one retailer end to end inside a scheduler slot.
type Runner struct {
	browser   crawler.Browser
	creds     crawler.CredentialProvider
	generic   discovery.Pass
	bina      discovery.Pass
	downloads *download.Manager
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewRunner wires the collaborators shared by every retailer crawl.
func NewRunner(
	browser crawler.Browser,
	creds crawler.CredentialProvider,
	generic discovery.Pass,
	bina discovery.Pass,
	downloads *download.Manager,
	clock crawler.Clock,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		browser:   browser,
		creds:     creds,
		generic:   generic,
		bina:      bina,
		downloads: downloads,
		clock:     clock,
		logger:    logging.OrNop(logger).Named("adapter"),
	}
}

// stepError carries the reason of the step that stopped a source.
type stepError struct {
	step   string
	reason crawler.Reason
	err    error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.step, e.err) }

func (e *stepError) Unwrap() error { return e.err }

// Crawl runs the retailer's adapter over its sources in order and returns
// the sealed result. It stops at the first source that yields a downloaded
// file, or a discovered link in dry-run mode. Failures never escape as
// errors; they are folded into the result status and reason.
func (r *Runner) Crawl(ctx context.Context, runID string, cfg crawler.RetailerConfig, dryRun bool) crawler.RetailerResult {
	logger := logging.Retailer(r.logger, runID, cfg.ID).With(zap.String("platform", string(cfg.Platform)))
	result := crawler.NewRetailerResult(cfg)
	result.StartedAt = r.clock.Now()
	logger.Info("retailer.start", zap.Int("sources", len(cfg.URLs)), zap.Bool("dry_run", dryRun))

	finish := func(status crawler.RetailerStatus, reason crawler.Reason) crawler.RetailerResult {
		result.Status = status
		result.Reason = reason
		result.FinishedAt = r.clock.Now()
		logger.Info("retailer.done",
			zap.String("status", string(status)),
			zap.String("reason", string(reason)),
			zap.Int("links", result.LinksFound),
			zap.Int("downloaded", result.Downloaded),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("errors", len(result.Errors)),
		)
		return result
	}

	ad, err := New(cfg, r.creds, r.generic, r.bina)
	if err != nil {
		if errors.Is(err, crawler.ErrMissingCredentials) {
			logger.Warn("credentials not found", zap.String("credentials_key", cfg.CredentialsKey))
			return finish(crawler.RetailerSkipped, crawler.ReasonMissingCredentials)
		}
		logger.Error("adapter selection failed", zap.Error(err))
		return finish(crawler.RetailerFailed, crawler.ReasonFor(err))
	}

	sess, err := r.browser.NewSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return finish(crawler.RetailerTimeout, crawler.ReasonTimeout)
		}
		logger.Error("session start failed", zap.Error(err))
		return finish(crawler.RetailerFailed, crawler.ReasonSessionFailed)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close failed", zap.Error(err))
		}
	}()

	table := download.NewTable()
	reached := map[State]bool{StateInit: true}
	var failure crawler.Reason
	for _, source := range cfg.URLs {
		if ctx.Err() != nil {
			break
		}
		before := result.LinksFound
		err := r.crawlSource(ctx, logger.With(zap.String("source", source)), ad, sess, table, runID, cfg, source, dryRun, reached, &result)
		if err != nil {
			var se *stepError
			if errors.As(err, &se) && failure == crawler.ReasonNone {
				failure = se.reason
			}
			continue
		}
		if result.LinksFound > before {
			result.Source = source
		}
		if result.Downloaded > 0 || (dryRun && result.LinksFound > 0) {
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		return finish(crawler.RetailerTimeout, crawler.ReasonTimeout)
	case result.LinksFound > 0:
		return finish(crawler.RetailerCompleted, crawler.ReasonNone)
	case failure != crawler.ReasonNone:
		return finish(crawler.RetailerFailed, failure)
	default:
		return finish(crawler.RetailerCompleted, crawler.ReasonNoLinks)
	}
}

func (r *Runner) crawlSource(
	ctx context.Context,
	logger *zap.Logger,
	ad Adapter,
	sess crawler.Session,
	table *download.Table,
	runID string,
	cfg crawler.RetailerConfig,
	source string,
	dryRun bool,
	reached map[State]bool,
	result *crawler.RetailerResult,
) error {
	for _, step := range ad.Plan(source) {
		if step.OncePerSession && reached[step.Reaches] {
			continue
		}
		if err := step.Run(ctx, sess); err != nil {
			reason := step.Failure
			if errors.Is(err, crawler.ErrNavigation) {
				reason = crawler.ReasonNavigationFailed
			}
			logger.Warn("step failed", zap.String("step", step.Name), zap.String("reason", string(reason)), zap.Error(err))
			return &stepError{step: step.Name, reason: reason, err: err}
		}
		reached[step.Reaches] = true
		logger.Debug("state reached", zap.String("state", string(step.Reaches)))
	}

	root, err := sess.MainFrame(ctx)
	if err != nil {
		logger.Warn("main frame unavailable", zap.Error(err))
		return &stepError{step: "discover", reason: crawler.ReasonDiscoveryFailed, err: err}
	}
	found, pass, err := ad.Discover(ctx, root, cfg.DownloadPatterns)
	if err != nil {
		logger.Warn("discovery failed", zap.String("pass", pass), zap.Error(err))
		return &stepError{step: "discover", reason: crawler.ReasonDiscoveryFailed, err: err}
	}
	logger.Info("links.discovered",
		zap.String("pass", pass),
		zap.Int("links", len(found.Links)),
		zap.Int("frames", found.FramesScanned),
		zap.Int("frame_errors", found.FrameErrors),
	)
	reached[StateLinksDiscovered] = true
	if found.Empty() {
		return nil
	}
	result.LinksFound += len(found.Links)

	out := r.downloads.Download(ctx, sess, table, download.Request{
		RetailerID: cfg.ID,
		RunID:      runID,
		Links:      found.Links,
		DryRun:     dryRun,
	})
	result.Downloaded += out.Downloaded
	result.Duplicates += out.Duplicates
	result.Files = append(result.Files, out.Files...)
	result.Errors = append(result.Errors, out.Errors...)
	reached[StateDownloaded] = true
	return nil
}

// Package scheduler runs retailer crawls in a bounded number of slots.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
	"github.com/JakeFAU/retail-price-crawler/internal/metrics"
)

// CrawlFunc crawls one retailer. It must return once ctx is done; the
// session it owns is torn down through that cancellation.
type CrawlFunc func(ctx context.Context, cfg crawler.RetailerConfig) crawler.RetailerResult

// Sink receives retailer lifecycle updates. manifest.Builder implements it.
type Sink interface {
	Open(cfg crawler.RetailerConfig, at time.Time)
	Seal(result crawler.RetailerResult) bool
}

// Config bounds slots and time.
type Config struct {
	Concurrency     int
	RetailerTimeout time.Duration
	// ReleaseGrace is how long a timed-out slot waits for its crawl to
	// unwind before it is released anyway.
	ReleaseGrace time.Duration
}

// Scheduler dispatches retailers into semaphore-guarded slots.
type Scheduler struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Scheduler. Zero values default to 3 slots, a 30 minute
// retailer timeout, and a 10 second release grace.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.RetailerTimeout <= 0 {
		cfg.RetailerTimeout = 30 * time.Minute
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = 10 * time.Second
	}
	return &Scheduler{cfg: cfg, clock: clock, logger: logging.OrNop(logger).Named("scheduler")}
}

// Report summarizes dispatch.
type Report struct {
	Dispatched    int
	NotDispatched int
}

// Run enqueues every retailer, then drains the queue through the slots.
// When ctx ends no further retailer is dispatched. Run returns once every
// dispatched retailer is sealed, or two release graces after ctx ended.
func (s *Scheduler) Run(
	ctx context.Context,
	runID string,
	retailers []crawler.RetailerConfig,
	crawl CrawlFunc,
	sink Sink,
) Report {
	logger := logging.Run(s.logger, runID)
	queue := make(chan crawler.RetailerConfig, len(retailers))
	for _, r := range retailers {
		queue <- r
	}
	close(queue)

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	var (
		wg     sync.WaitGroup
		report Report
	)
	for cfg := range queue {
		if !acquire(ctx, sem) {
			report.NotDispatched = 1 + len(queue)
			logger.Warn("dispatch stopped by run deadline", zap.Int("not_dispatched", report.NotDispatched))
			break
		}
		report.Dispatched++
		sink.Open(cfg, s.clock.Now())
		metrics.IncActiveSlots()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				metrics.DecActiveSlots()
				sem.Release(1)
			}()
			sink.Seal(s.runSlot(ctx, logging.Retailer(s.logger, runID, cfg.ID), cfg, crawl))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Each slot spends up to one grace unwinding before it seals.
		select {
		case <-done:
		case <-time.After(2 * s.cfg.ReleaseGrace):
			logger.Warn("run deadline passed with retailers still in flight")
		}
	}
	return report
}

// acquire takes a slot unless the run has ended.
func acquire(ctx context.Context, sem *semaphore.Weighted) bool {
	if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
		return false
	}
	if ctx.Err() != nil {
		sem.Release(1)
		return false
	}
	return true
}

// runSlot crawls cfg under the retailer timeout and always returns a
// terminal result.
func (s *Scheduler) runSlot(ctx context.Context, logger *zap.Logger, cfg crawler.RetailerConfig, crawl CrawlFunc) crawler.RetailerResult {
	started := s.clock.Now()
	retailerCtx, cancel := context.WithTimeout(ctx, s.cfg.RetailerTimeout)
	defer cancel()

	results := make(chan crawler.RetailerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("crawl panicked", zap.String("panic", fmt.Sprint(p)), zap.Stack("stack"))
				failed := crawler.NewRetailerResult(cfg)
				failed.StartedAt = started
				failed.FinishedAt = s.clock.Now()
				failed.Status = crawler.RetailerFailed
				failed.Reason = crawler.ReasonPanic
				results <- failed
			}
		}()
		results <- crawl(retailerCtx, cfg)
	}()

	var result crawler.RetailerResult
	select {
	case result = <-results:
	case <-retailerCtx.Done():
		select {
		case result = <-results:
		default:
			cancel()
			result = s.expire(logger, cfg, started, ctx.Err() != nil, results)
		}
	}
	if !result.Status.Terminal() {
		result.Status = crawler.RetailerFailed
	}
	if result.Status == crawler.RetailerTimeout {
		switch {
		case ctx.Err() != nil:
			result.Reason = crawler.ReasonRunTimeout
		case result.Reason == crawler.ReasonNone:
			result.Reason = crawler.ReasonTimeout
		}
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = s.clock.Now()
	}
	metrics.ObserveRetailer(string(cfg.Platform), string(result.Status), string(result.Reason), result.FinishedAt.Sub(started))
	return result
}

// expire waits up to ReleaseGrace for a canceled crawl and records the
// retailer as timed out.
func (s *Scheduler) expire(
	logger *zap.Logger,
	cfg crawler.RetailerConfig,
	started time.Time,
	runDeadline bool,
	results <-chan crawler.RetailerResult,
) crawler.RetailerResult {
	result := crawler.NewRetailerResult(cfg)
	select {
	case unwound := <-results:
		result = unwound
	case <-time.After(s.cfg.ReleaseGrace):
		logger.Warn("crawl did not unwind within grace, releasing slot", zap.Duration("grace", s.cfg.ReleaseGrace))
	}
	result.StartedAt = started
	result.FinishedAt = s.clock.Now()
	result.Status = crawler.RetailerTimeout
	result.Reason = crawler.ReasonTimeout
	if runDeadline {
		result.Reason = crawler.ReasonRunTimeout
	}
	logger.Warn("retailer timed out", zap.String("reason", string(result.Reason)))
	return result
}

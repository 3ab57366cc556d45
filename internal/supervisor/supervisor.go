// Package supervisor starts crawl runs on behalf of a trigger and keeps
// track of them until they are terminal. Runs execute on the supervisor's
// own context, never on the trigger's, so the triggering request can return
// as soon as the run is accepted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
	"github.com/JakeFAU/retail-price-crawler/internal/manifest"
	"github.com/JakeFAU/retail-price-crawler/internal/metrics"
	"github.com/JakeFAU/retail-price-crawler/internal/registry"
	"github.com/JakeFAU/retail-price-crawler/internal/scheduler"
)

// ErrShuttingDown rejects triggers once Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

const maxRetainedRuns = 256

// Persistence is the part of the persistence pipeline the supervisor needs.
type Persistence interface {
	Check(ctx context.Context) error
	PutManifest(ctx context.Context, m crawler.Manifest) (string, error)
}

// RetailerCrawler crawls a single retailer. adapter.Runner implements it.
type RetailerCrawler interface {
	Crawl(ctx context.Context, runID string, cfg crawler.RetailerConfig, dryRun bool) crawler.RetailerResult
}

// Config tunes run execution.
type Config struct {
	RunTimeout time.Duration
	// Topic receives run lifecycle events. Empty uses the publisher default.
	Topic string
}

// Deps are the collaborators of a Supervisor. Ledger and Publisher are
// optional.
type Deps struct {
	Registry    registry.Source
	Persistence Persistence
	Scheduler   *scheduler.Scheduler
	Crawler     RetailerCrawler
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Ledger      crawler.RunLedger
	Publisher   crawler.Publisher
}

// Request carries the trigger filters.
type Request struct {
	Group  string `json:"group"`
	Slug   string `json:"slug"`
	DryRun bool   `json:"dry_run"`
}

// Acceptance is returned as soon as a run has started.
type Acceptance struct {
	Status         string `json:"status"`
	Group          string `json:"group"`
	RetailersCount int    `json:"retailers_count"`
	RunID          string `json:"run_id"`
}

// Snapshot is the observable state of a run.
type Snapshot struct {
	Run       crawler.CrawlRun         `json:"run"`
	Retailers []crawler.RetailerResult `json:"retailers"`
	Summary   *crawler.ManifestSummary `json:"summary,omitempty"`
}

type runState struct {
	mu       sync.Mutex
	run      crawler.CrawlRun
	builder  *manifest.Builder
	manifest *crawler.Manifest
}

func (st *runState) update(fn func(run *crawler.CrawlRun)) crawler.CrawlRun {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.run)
	return st.run
}

// Supervisor is the in-flight run registry.
type Supervisor struct {
	cfg    Config
	deps   Deps
	base   context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	runs    map[string]*runState
	order   []string
	closing bool
	wg      sync.WaitGroup
}

// New builds a Supervisor. Runs default to a five hour timeout.
func New(cfg Config, deps Deps, logger *zap.Logger) *Supervisor {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Hour
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		base:   base,
		cancel: cancel,
		logger: logging.OrNop(logger).Named("supervisor"),
		runs:   make(map[string]*runState),
	}
}

// Trigger validates the request, starts a run, and returns without waiting
// for it. Validation failures are configuration errors and start no work.
func (s *Supervisor) Trigger(ctx context.Context, req Request) (Acceptance, error) {
	if err := registry.ValidateGroup(req.Group); err != nil {
		return Acceptance{}, crawler.NewConfigError("validate trigger", err)
	}
	if s.isClosing() {
		return Acceptance{}, ErrShuttingDown
	}
	if err := s.deps.Persistence.Check(ctx); err != nil {
		return Acceptance{}, crawler.NewConfigError("check persistence", err)
	}
	all, err := s.deps.Registry.Load(ctx)
	if err != nil {
		if errors.Is(err, crawler.ErrConfiguration) {
			return Acceptance{}, err
		}
		return Acceptance{}, crawler.NewConfigError("load registry", err)
	}
	retailers, err := registry.Apply(all, registry.Filter{Group: req.Group, Slug: req.Slug})
	if err != nil {
		return Acceptance{}, crawler.NewConfigError("filter registry", err)
	}
	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return Acceptance{}, fmt.Errorf("generate run id: %w", err)
	}

	run := crawler.CrawlRun{
		ID:             runID,
		StartedAt:      s.deps.Clock.Now(),
		Filter:         crawler.RunFilter{Group: req.Group, Slug: req.Slug, DryRun: req.DryRun},
		Status:         crawler.RunPending,
		RetailersCount: len(retailers),
	}
	st := &runState{run: run, builder: manifest.New(run, s.logger)}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		st.builder.Finalize(s.deps.Clock.Now(), 0)
		return Acceptance{}, ErrShuttingDown
	}
	s.register(st)
	s.wg.Add(1)
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(s.base, s.cfg.RunTimeout)
	go s.execute(runCtx, cancel, st, retailers)

	return Acceptance{
		Status:         "accepted",
		Group:          req.Group,
		RetailersCount: len(retailers),
		RunID:          runID,
	}, nil
}

// register must be called with s.mu held.
func (s *Supervisor) register(st *runState) {
	s.runs[st.run.ID] = st
	s.order = append(s.order, st.run.ID)
	for len(s.order) > maxRetainedRuns {
		oldest := s.runs[s.order[0]]
		if oldest != nil {
			oldest.mu.Lock()
			terminal := oldest.run.Status.Terminal()
			oldest.mu.Unlock()
			if !terminal {
				break
			}
		}
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Supervisor) execute(ctx context.Context, cancel context.CancelFunc, st *runState, retailers []crawler.RetailerConfig) {
	defer s.wg.Done()
	defer cancel()

	run := st.update(func(r *crawler.CrawlRun) { r.Status = r.Status.Advance(crawler.RunRunning) })
	logger := logging.Run(s.logger, run.ID)
	logger.Info("run.start",
		zap.String("group", run.Filter.Group),
		zap.String("slug", run.Filter.Slug),
		zap.Bool("dry_run", run.Filter.DryRun),
		zap.Int("retailers", len(retailers)),
	)
	// Bookkeeping outlives the run deadline and shutdown cancellation.
	bookCtx := context.WithoutCancel(ctx)
	s.recordRun(bookCtx, logger, run)
	s.publish(bookCtx, logger, crawler.RunEvent{
		Event:  crawler.EventRunStarted,
		RunID:  run.ID,
		Status: run.Status,
		Filter: run.Filter,
		At:     run.StartedAt,
	})

	report := s.deps.Scheduler.Run(ctx, run.ID, retailers, func(ctx context.Context, cfg crawler.RetailerConfig) crawler.RetailerResult {
		return s.deps.Crawler.Crawl(ctx, run.ID, cfg, run.Filter.DryRun)
	}, st.builder)

	m := st.builder.Finalize(s.deps.Clock.Now(), report.NotDispatched)
	uri, err := s.deps.Persistence.PutManifest(bookCtx, m)
	finished := s.deps.Clock.Now()
	run = st.update(func(r *crawler.CrawlRun) {
		r.FinishedAt = &finished
		if err != nil {
			r.Status = r.Status.Advance(crawler.RunDegraded)
			r.ErrorText = err.Error()
			return
		}
		r.Status = r.Status.Advance(crawler.RunCompleted)
		r.ManifestURI = uri
	})
	st.mu.Lock()
	st.manifest = &m
	st.mu.Unlock()
	if err != nil {
		logger.Error("manifest write failed, run degraded", zap.Error(err))
	}

	for _, r := range m.Retailers {
		s.recordRetailer(bookCtx, logger, run.ID, r)
	}
	s.recordRun(bookCtx, logger, run)
	summary := m.Summary
	s.publish(bookCtx, logger, crawler.RunEvent{
		Event:       crawler.EventRunFinished,
		RunID:       run.ID,
		Status:      run.Status,
		Filter:      run.Filter,
		At:          finished,
		ManifestURI: run.ManifestURI,
		Summary:     &summary,
	})
	metrics.ObserveRun(string(run.Status))
	logger.Info("run.end",
		zap.String("status", string(run.Status)),
		zap.String("manifest_uri", run.ManifestURI),
		zap.Bool("partial", m.Partial),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("timed_out", summary.TimedOut),
		zap.Int("not_dispatched", summary.NotDispatched),
		zap.Duration("elapsed", finished.Sub(run.StartedAt)),
	)
}

func (s *Supervisor) recordRun(ctx context.Context, logger *zap.Logger, run crawler.CrawlRun) {
	if s.deps.Ledger == nil {
		return
	}
	if err := s.deps.Ledger.RecordRun(ctx, run); err != nil {
		logger.Warn("ledger run write failed", zap.Error(err))
	}
}

func (s *Supervisor) recordRetailer(ctx context.Context, logger *zap.Logger, runID string, r crawler.RetailerResult) {
	if s.deps.Ledger == nil {
		return
	}
	if err := s.deps.Ledger.RecordRetailer(ctx, runID, r); err != nil {
		logger.Warn("ledger retailer write failed", zap.String("retailer_id", r.RetailerID), zap.Error(err))
	}
}

func (s *Supervisor) publish(ctx context.Context, logger *zap.Logger, event crawler.RunEvent) {
	if s.deps.Publisher == nil {
		return
	}
	if _, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		logger.Warn("event publish failed", zap.String("event", event.Event), zap.Error(err))
	}
}

// Status returns the current snapshot of a run.
func (s *Supervisor) Status(runID string) (Snapshot, bool) {
	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	run, m := st.run, st.manifest
	st.mu.Unlock()
	if m != nil {
		summary := m.Summary
		return Snapshot{Run: run, Retailers: m.Retailers, Summary: &summary}, true
	}
	return Snapshot{Run: run, Retailers: st.builder.Snapshot()}, true
}

// InFlight counts runs that are not terminal yet.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.runs {
		st.mu.Lock()
		if !st.run.Status.Terminal() {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// Wait blocks until every accepted run is terminal or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

// Shutdown rejects new triggers and waits for in-flight runs. When ctx ends
// first the remaining runs are canceled so they finalize with what they have.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.Wait(ctx)
	if err != nil {
		s.logger.Warn("shutdown deadline reached, canceling in-flight runs", zap.Int("in_flight", s.InFlight()))
	}
	s.cancel()
	return err
}

func (s *Supervisor) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

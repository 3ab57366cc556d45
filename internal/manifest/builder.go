// Package manifest aggregates per-retailer results of a run into its
// manifest. A single goroutine owns the collection; every mutation is sent
// to it, so concurrently finishing retailers never touch shared state.
package manifest

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
)

type state struct {
	order     []string
	results   map[string]crawler.RetailerResult
	finalized bool
}

// Builder collects results for one run.
type Builder struct {
	run    crawler.CrawlRun
	ops    chan func(*state)
	done   chan struct{}
	final  crawler.Manifest
	logger *zap.Logger
}

// New starts the builder goroutine for run. It stops once Finalize is called.
func New(run crawler.CrawlRun, logger *zap.Logger) *Builder {
	b := &Builder{
		run:    run,
		ops:    make(chan func(*state)),
		done:   make(chan struct{}),
		logger: logging.Run(logging.OrNop(logger).Named("manifest"), run.ID),
	}
	go b.loop()
	return b
}

func (b *Builder) loop() {
	st := &state{results: make(map[string]crawler.RetailerResult)}
	for op := range b.ops {
		op(st)
		if st.finalized {
			close(b.done)
			return
		}
	}
}

// do runs op on the owner goroutine and waits for it. It reports false when
// the builder was already finalized.
func (b *Builder) do(op func(*state)) bool {
	reply := make(chan struct{})
	select {
	case b.ops <- func(st *state) { op(st); close(reply) }:
		<-reply
		return true
	case <-b.done:
		return false
	}
}

// Open registers a dispatched retailer with a pending placeholder. Opening
// the same retailer twice keeps the first entry.
func (b *Builder) Open(cfg crawler.RetailerConfig, at time.Time) {
	b.do(func(st *state) {
		if _, ok := st.results[cfg.ID]; ok {
			return
		}
		placeholder := crawler.NewRetailerResult(cfg)
		placeholder.StartedAt = at
		st.order = append(st.order, cfg.ID)
		st.results[cfg.ID] = placeholder
	})
}

// Seal stores the terminal result of a retailer. Only the first seal of a
// retailer is kept, and seals after Finalize are dropped. It reports whether
// the result was accepted.
func (b *Builder) Seal(result crawler.RetailerResult) bool {
	if !result.Status.Terminal() {
		result.Status = crawler.RetailerFailed
	}
	accepted := false
	ok := b.do(func(st *state) {
		current, seen := st.results[result.RetailerID]
		if seen && current.Status.Terminal() {
			return
		}
		if !seen {
			st.order = append(st.order, result.RetailerID)
		} else if result.StartedAt.IsZero() {
			result.StartedAt = current.StartedAt
		}
		st.results[result.RetailerID] = result
		accepted = true
	})
	if !ok {
		b.logger.Warn("seal after finalize dropped", zap.String("retailer_id", result.RetailerID))
		return false
	}
	if !accepted {
		b.logger.Debug("duplicate seal ignored", zap.String("retailer_id", result.RetailerID))
	}
	return accepted
}

// Snapshot returns the results collected so far in dispatch order.
func (b *Builder) Snapshot() []crawler.RetailerResult {
	var out []crawler.RetailerResult
	if !b.do(func(st *state) { out = ordered(st) }) {
		return append([]crawler.RetailerResult(nil), b.final.Retailers...)
	}
	return out
}

// Finalize closes the builder and returns the manifest. Retailers still
// pending are recorded as timed out by the run deadline. notDispatched counts
// retailers that never got a slot. Calling Finalize again returns the same
// manifest.
func (b *Builder) Finalize(now time.Time, notDispatched int) crawler.Manifest {
	b.do(func(st *state) {
		partial := notDispatched > 0
		for _, id := range st.order {
			r := st.results[id]
			if r.Status.Terminal() {
				continue
			}
			r.Status = crawler.RetailerTimeout
			r.Reason = crawler.ReasonRunTimeout
			r.FinishedAt = now
			st.results[id] = r
			partial = true
		}
		results := ordered(st)
		summary := crawler.Summarize(results)
		summary.NotDispatched = notDispatched
		b.final = crawler.Manifest{
			RunID:       b.run.ID,
			StartedAt:   b.run.StartedAt,
			GeneratedAt: now,
			Filter:      b.run.Filter,
			Partial:     partial,
			Retailers:   results,
			Summary:     summary,
		}
		st.finalized = true
	})
	return b.final
}

func ordered(st *state) []crawler.RetailerResult {
	out := make([]crawler.RetailerResult, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.results[id])
	}
	return out
}

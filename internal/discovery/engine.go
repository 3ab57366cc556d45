// Package discovery finds price-file links across the frame tree of a loaded
// page.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
)

const (
	defaultAnchorSelector = "a[href]"
	defaultMaxFrames      = 64
)

// Result is the outcome of one discovery pass.
type Result struct {
	Links         []string
	FramesScanned int
	FrameErrors   int
}

// Empty reports whether no links were found.
func (r Result) Empty() bool {
	return len(r.Links) == 0
}

// Pass is one discovery strategy over a page's frame tree.
type Pass interface {
	Name() string
	Discover(ctx context.Context, root crawler.Frame, extraPatterns []string) (Result, error)
}

// Config tunes the generic Engine.
type Config struct {
	Patterns       []string
	AnchorSelector string
	MaxFrames      int
}

// Engine is the generic pass: anchors whose href matches the patterns, in
// every frame reachable from the main frame.
type Engine struct {
	patterns  []string
	selector  string
	maxFrames int
	logger    *zap.Logger
}

// New builds the generic Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	e := &Engine{
		patterns:  cfg.Patterns,
		selector:  cfg.AnchorSelector,
		maxFrames: cfg.MaxFrames,
		logger:    logging.OrNop(logger).Named("discovery"),
	}
	if len(e.patterns) == 0 {
		e.patterns = DefaultPatterns
	}
	if e.selector == "" {
		e.selector = defaultAnchorSelector
	}
	if e.maxFrames <= 0 {
		e.maxFrames = defaultMaxFrames
	}
	return e
}

// Name identifies the pass in logs.
func (e *Engine) Name() string { return "generic" }

// Discover walks the frame tree breadth-first. Each frame is probed with a
// cheap count and only extracted when the probe finds candidates. Errors in a
// single frame are logged and skipped; only context cancellation aborts.
func (e *Engine) Discover(ctx context.Context, root crawler.Frame, extraPatterns []string) (Result, error) {
	matcher := NewMatcher(e.patterns, extraPatterns)
	return walk(ctx, root, e.maxFrames, e.logger, func(ctx context.Context, frame crawler.Frame) ([]string, error) {
		n, err := frame.Count(ctx, e.selector)
		if err != nil {
			return nil, fmt.Errorf("probe anchors: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		hrefs, err := frame.Extract(ctx, e.selector, "href")
		if err != nil {
			return nil, fmt.Errorf("extract anchors: %w", err)
		}
		var links []string
		for _, href := range hrefs {
			abs, ok := Resolve(frame.URL(), href)
			if ok && matcher.Match(abs) {
				links = append(links, abs)
			}
		}
		return links, nil
	})
}

type frameScan func(ctx context.Context, frame crawler.Frame) ([]string, error)

func walk(ctx context.Context, root crawler.Frame, maxFrames int, logger *zap.Logger, scan frameScan) (Result, error) {
	var res Result
	if root == nil {
		return res, nil
	}
	found := map[string]struct{}{}
	queue := []crawler.Frame{root}
	for len(queue) > 0 && res.FramesScanned < maxFrames {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("discover links: %w", err)
		}
		frame := queue[0]
		queue = queue[1:]
		res.FramesScanned++

		links, err := scan(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("discover links: %w", ctx.Err())
			}
			res.FrameErrors++
			logger.Debug("frame scan failed", zap.String("frame_url", frame.URL()), zap.Error(err))
		}
		for _, l := range links {
			found[l] = struct{}{}
		}

		children, err := frame.Children(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("discover links: %w", ctx.Err())
			}
			res.FrameErrors++
			logger.Debug("frame children failed", zap.String("frame_url", frame.URL()), zap.Error(err))
			continue
		}
		queue = append(queue, children...)
	}
	res.Links = make([]string, 0, len(found))
	for l := range found {
		res.Links = append(res.Links, l)
	}
	sort.Strings(res.Links)
	return res, nil
}

// Tiered runs specific first and falls back to generic only when specific
// found nothing. Results are never merged. A nil specific pass means the
// generic pass runs alone.
func Tiered(
	ctx context.Context,
	root crawler.Frame,
	specific Pass,
	generic Pass,
	extraPatterns []string,
) (Result, string, error) {
	if specific != nil {
		res, err := specific.Discover(ctx, root, extraPatterns)
		if err != nil {
			return Result{}, specific.Name(), err
		}
		if !res.Empty() || generic == nil {
			return res, specific.Name(), nil
		}
	}
	res, err := generic.Discover(ctx, root, extraPatterns)
	if err != nil {
		return Result{}, generic.Name(), err
	}
	return res, generic.Name(), nil
}

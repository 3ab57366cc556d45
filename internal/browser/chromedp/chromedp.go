// Package chromedp implements crawler.Browser with headless Chrome.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/browser/static"
	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
)

const frameSelector = "iframe, frame"

// Config controls the headless browser.
type Config struct {
	UserAgent         string
	Headless          bool
	NavigationTimeout time.Duration
	// Settle is how long to wait after navigation for scripts to render.
	Settle       time.Duration
	FetchTimeout time.Duration
	MaxBodyBytes int
}

// Browser launches one Chrome instance per session.
type Browser struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	downloads   *static.Browser
	logger      *zap.Logger
}

// New creates the exec allocator shared by every session.
func New(cfg Config, logger *zap.Logger) *Browser {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	logger = logging.OrNop(logger).Named("browser.chromedp")
	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		downloads: static.New(static.Config{
			UserAgent:    cfg.UserAgent,
			Timeout:      cfg.FetchTimeout,
			MaxBodyBytes: cfg.MaxBodyBytes,
		}, logger),
		logger: logger,
	}
}

// Close tears down the allocator and any browser still running.
func (b *Browser) Close() {
	b.allocCancel()
}

// NewSession starts a browser tab in its own Chrome process.
func (b *Browser) NewSession(ctx context.Context) (crawler.Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	startCtx, stop := b.bind(ctx, tabCtx, b.cfg.NavigationTimeout)
	defer stop()
	err := chromedp.Run(startCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	}))
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	downloader, err := b.downloads.NewSession(ctx)
	if err != nil {
		tabCancel()
		return nil, err
	}
	return &Session{
		browser:    b,
		tab:        tabCtx,
		cancel:     tabCancel,
		downloader: downloader.(*static.Session),
	}, nil
}

// bind derives a context that runs on the browser tab but also ends when the
// caller's ctx ends or the timeout elapses.
func (b *Browser) bind(caller, tab context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(tab, timeout)
	stopAfter := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stopAfter()
		cancel()
	}
}

// Session drives one Chrome tab.
type Session struct {
	browser    *Browser
	tab        context.Context
	cancel     context.CancelFunc
	downloader *static.Session

	closeOnce sync.Once
}

func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, stop := s.browser.bind(ctx, s.tab, s.browser.cfg.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *Session) settle() chromedp.Action {
	if s.browser.cfg.Settle <= 0 {
		return chromedp.ActionFunc(func(context.Context) error { return nil })
	}
	return chromedp.Sleep(s.browser.cfg.Settle)
}

// Navigate loads target and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, target string) error {
	navCtx, stop := s.browser.bind(ctx, s.tab, s.browser.cfg.NavigationTimeout)
	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(target))
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return &crawler.TransportError{Op: http.MethodGet, URL: target, Err: ctx.Err()}
		}
		return &crawler.TransportError{Op: http.MethodGet, URL: target, Err: err}
	}
	if resp != nil && resp.Status >= 400 {
		return &crawler.TransportError{Op: http.MethodGet, URL: target, StatusCode: int(resp.Status)}
	}
	return s.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery), s.settle())
}

// CurrentURL returns the tab location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// MainFrame returns the top-level document.
func (s *Session) MainFrame(ctx context.Context) (crawler.Frame, error) {
	loc, err := s.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	return &Frame{session: s, url: loc}, nil
}

func (s *Session) firstPresent(ctx context.Context, selectors []string) (string, error) {
	for _, sel := range selectors {
		var nodes []*cdp.Node
		if err := s.run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
			return "", err
		}
		if len(nodes) > 0 {
			return sel, nil
		}
	}
	return "", fmt.Errorf("no element matches %v", selectors)
}

// Fill types value into the first element matching any selector.
func (s *Session) Fill(ctx context.Context, selectors []string, value string) error {
	sel, err := s.firstPresent(ctx, selectors)
	if err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	return s.run(ctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

// Click activates the first element matching any selector and lets the
// resulting page settle.
func (s *Session) Click(ctx context.Context, selectors []string) error {
	sel, err := s.firstPresent(ctx, selectors)
	if err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return s.run(ctx,
		chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
		s.settle(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// shareCookies copies the tab's cookies for target into the HTTP session.
func (s *Session) shareCookies(ctx context.Context, target string) error {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{target}).Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}
	return s.downloader.SetCookies(target, toHTTPCookies(cookies))
}

// Fetch downloads target over HTTP with the tab's cookies.
func (s *Session) Fetch(ctx context.Context, target string) (crawler.FetchResult, error) {
	if err := s.shareCookies(ctx, target); err != nil {
		return crawler.FetchResult{}, err
	}
	res, err := s.downloader.Fetch(ctx, target)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch file: %w", err)
	}
	return res, nil
}

// Close shuts the tab and its browser process.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.tab)
		s.cancel()
		_ = s.downloader.Close()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Frame is a document in the tab. The root frame has no owner node.
type Frame struct {
	session *Session
	owner   *cdp.Node
	url     string
}

// URL returns the frame's document URL.
func (f *Frame) URL() string { return f.url }

func (f *Frame) query(ctx context.Context, selector string) ([]*cdp.Node, error) {
	opts := []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	if f.owner != nil {
		opts = append(opts, chromedp.FromNode(f.owner))
	}
	var nodes []*cdp.Node
	if err := f.session.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Children returns the iframe/frame documents nested directly in this frame.
// Out-of-process (cross-origin) frames expose no content document to the
// parent tab; those are loaded over HTTP with the tab's cookies instead.
// Frames that fail to load are skipped.
func (f *Frame) Children(ctx context.Context) ([]crawler.Frame, error) {
	nodes, err := f.query(ctx, frameSelector)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	children := make([]crawler.Frame, 0, len(nodes))
	for _, n := range nodes {
		target, detached := detachedFrame(f.url, n)
		if !detached {
			children = append(children, &Frame{session: f.session, owner: n, url: frameURL(f.url, n)})
			continue
		}
		child, err := f.session.loadDetached(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("load frame: %w", ctx.Err())
			}
			f.session.browser.logger.Debug("detached frame load failed", zap.String("src", target), zap.Error(err))
			continue
		}
		children = append(children, child)
	}
	return children, nil
}

func (s *Session) loadDetached(ctx context.Context, target string) (crawler.Frame, error) {
	if err := s.shareCookies(ctx, target); err != nil {
		return nil, err
	}
	return s.downloader.LoadFrame(ctx, target)
}

// detachedFrame reports whether owner's document is out of reach of the
// parent tab, and the URL to load it from.
func detachedFrame(parent string, owner *cdp.Node) (string, bool) {
	if owner.ContentDocument != nil {
		return "", false
	}
	target := frameURL(parent, owner)
	if target == parent {
		return "", false
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return target, true
}

// Count returns how many elements match selector, without waiting.
func (f *Frame) Count(ctx context.Context, selector string) (int, error) {
	nodes, err := f.query(ctx, selector)
	if err != nil {
		return 0, fmt.Errorf("probe %q: %w", selector, err)
	}
	return len(nodes), nil
}

// Extract returns attr of each element matching selector.
func (f *Frame) Extract(ctx context.Context, selector, attr string) ([]string, error) {
	nodes, err := f.query(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("extract %q: %w", selector, err)
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if v, ok := n.Attribute(attr); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func frameURL(parent string, owner *cdp.Node) string {
	if doc := owner.ContentDocument; doc != nil && doc.DocumentURL != "" {
		return doc.DocumentURL
	}
	src := strings.TrimSpace(owner.AttributeValue("src"))
	base, err := url.Parse(parent)
	if err != nil || src == "" {
		return parent
	}
	ref, err := url.Parse(src)
	if err != nil {
		return parent
	}
	return base.ResolveReference(ref).String()
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

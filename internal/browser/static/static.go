// Package static implements crawler.Browser over plain HTTP. Pages are loaded
// with colly, parsed with goquery, and child frames are followed through
// their src attributes. Forms are submitted as regular POST/GET requests,
// which covers login portals that do not depend on JavaScript.
//
// File downloads bypass colly: its backend inflates gzip bodies, and price
// files must be stored exactly as served.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Browser creates cookie-isolated HTTP sessions.
type Browser struct {
	cfg       Config
	transport http.RoundTripper
	// files never negotiates or decodes content encodings.
	files     http.RoundTripper
	logger    *zap.Logger
}

// New builds a Browser.
func New(cfg Config, logger *zap.Logger) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Browser{
		cfg:       cfg,
		transport: newHTTPTransport(false),
		files:     newHTTPTransport(true),
		logger:    logging.OrNop(logger).Named("browser.static"),
	}
}

// NewSession returns a fresh session with its own cookie jar.
func (b *Browser) NewSession(_ context.Context) (crawler.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(b.transport)
	c.SetCookieJar(jar)
	c.SetRequestTimeout(b.cfg.Timeout)
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = b.cfg.MaxBodyBytes
	if b.cfg.UserAgent != "" {
		c.UserAgent = b.cfg.UserAgent
	}
	return &Session{
		base:      c,
		jar:       jar,
		files:     &http.Client{Transport: b.files, Jar: jar, Timeout: b.cfg.Timeout},
		userAgent: b.cfg.UserAgent,
		maxBody:   b.cfg.MaxBodyBytes,
		logger:    b.logger,
		form:      map[string]string{},
	}, nil
}

// Session is one retailer's browsing context.
type Session struct {
	base      *colly.Collector
	jar       http.CookieJar
	files     *http.Client
	userAgent string
	maxBody   int
	logger    *zap.Logger

	mu      sync.Mutex
	current *page
	form    map[string]string
	closed  bool
}

var (
	errNoPage = errors.New("no page loaded")
	errClosed = errors.New("session closed")
)

type page struct {
	url string
	doc *goquery.Document
}

type response struct {
	url        string
	statusCode int
	body       []byte
}

func (s *Session) do(ctx context.Context, method, target string, data map[string]string) (response, error) {
	var (
		res      response
		fetchErr error
		got      bool
	)
	c := s.base.Clone()
	c.Context = ctx
	c.OnResponse(func(r *colly.Response) {
		got = true
		res = response{
			url:        r.Request.URL.String(),
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		if method == http.MethodPost {
			done <- c.Post(target, data)
			return
		}
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return response{}, &crawler.TransportError{Op: method, URL: target, Err: ctx.Err()}
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return response{}, &crawler.TransportError{Op: method, URL: target, Err: err}
		}
	}
	if !got {
		return response{}, &crawler.TransportError{Op: method, URL: target, Err: errors.New("no response")}
	}
	if res.statusCode < 200 || res.statusCode >= 300 {
		return response{}, &crawler.TransportError{Op: method, URL: target, StatusCode: res.statusCode}
	}
	return res, nil
}

func (s *Session) load(ctx context.Context, method, target string, data map[string]string) (*page, error) {
	res, err := s.do(ctx, method, target, data)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", res.url, err)
	}
	return &page{url: res.url, doc: doc}, nil
}

func (s *Session) setCurrent(p *page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = p
	s.form = map[string]string{}
}

func (s *Session) currentPage() (*page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	if s.current == nil {
		return nil, errNoPage
	}
	return s.current, nil
}

// Navigate loads target as the current page.
func (s *Session) Navigate(ctx context.Context, target string) error {
	p, err := s.load(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	s.setCurrent(p)
	return nil
}

// CurrentURL returns the final URL of the current page.
func (s *Session) CurrentURL(_ context.Context) (string, error) {
	p, err := s.currentPage()
	if err != nil {
		return "", err
	}
	return p.url, nil
}

// MainFrame returns the current document.
func (s *Session) MainFrame(_ context.Context) (crawler.Frame, error) {
	p, err := s.currentPage()
	if err != nil {
		return nil, err
	}
	return &Frame{session: s, page: p}, nil
}

func firstMatch(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if m := doc.Find(sel).First(); m.Length() > 0 {
			return m
		}
	}
	return nil
}

// Fill records value for the first named input matching any selector. The
// value is sent with the next form submission.
func (s *Session) Fill(_ context.Context, selectors []string, value string) error {
	p, err := s.currentPage()
	if err != nil {
		return err
	}
	el := firstMatch(p.doc, selectors)
	if el == nil {
		return fmt.Errorf("fill: no element matches %v", selectors)
	}
	name, ok := el.Attr("name")
	if !ok || name == "" {
		return fmt.Errorf("fill: matched element has no name")
	}
	s.mu.Lock()
	s.form[name] = value
	s.mu.Unlock()
	return nil
}

// Click follows a matched link or submits the form around a matched button.
func (s *Session) Click(ctx context.Context, selectors []string) error {
	p, err := s.currentPage()
	if err != nil {
		return err
	}
	el := firstMatch(p.doc, selectors)
	if el == nil {
		return fmt.Errorf("click: no element matches %v", selectors)
	}
	if goquery.NodeName(el) == "a" {
		href, _ := el.Attr("href")
		target, ok := resolve(p.url, href)
		if !ok {
			return fmt.Errorf("click: link has no usable href %q", href)
		}
		return s.Navigate(ctx, target)
	}
	form := el.Closest("form")
	if form.Length() == 0 {
		form = p.doc.Find("form").First()
	}
	if form.Length() == 0 {
		return errors.New("click: no form to submit")
	}
	return s.submit(ctx, p, form, el)
}

func (s *Session) submit(ctx context.Context, p *page, form, button *goquery.Selection) error {
	values := map[string]string{}
	form.Find("input[name], select[name], textarea[name]").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if typ == "submit" || typ == "button" || typ == "image" {
			return
		}
		if (typ == "checkbox" || typ == "radio") && !in.Is("[checked]") {
			return
		}
		values[name] = in.AttrOr("value", "")
	})
	if name, ok := button.Attr("name"); ok && name != "" {
		values[name] = button.AttrOr("value", "")
	}
	s.mu.Lock()
	for k, v := range s.form {
		values[k] = v
	}
	s.mu.Unlock()

	action, ok := resolve(p.url, form.AttrOr("action", p.url))
	if !ok {
		return fmt.Errorf("submit: bad form action %q", form.AttrOr("action", ""))
	}
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))
	var next *page
	var err error
	if method == http.MethodPost {
		next, err = s.load(ctx, http.MethodPost, action, values)
	} else {
		u, parseErr := url.Parse(action)
		if parseErr != nil {
			return fmt.Errorf("submit: %w", parseErr)
		}
		q := u.Query()
		for k, v := range values {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		next, err = s.load(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	s.setCurrent(next)
	return nil
}

// Fetch downloads target with the session cookies. The body is returned
// byte for byte, compressed archives included, truncated at MaxBodyBytes.
func (s *Session) Fetch(ctx context.Context, target string) (crawler.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return crawler.FetchResult{}, &crawler.TransportError{Op: http.MethodGet, URL: target, Err: err}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.files.Do(req)
	if err != nil {
		return crawler.FetchResult{}, &crawler.TransportError{Op: http.MethodGet, URL: target, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return crawler.FetchResult{}, &crawler.TransportError{Op: http.MethodGet, URL: target, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if s.maxBody > 0 {
		body = io.LimitReader(resp.Body, int64(s.maxBody))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return crawler.FetchResult{}, &crawler.TransportError{Op: http.MethodGet, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return crawler.FetchResult{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// LoadFrame parses target as a detached frame. The current page is left
// untouched.
func (s *Session) LoadFrame(ctx context.Context, target string) (crawler.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errClosed
	}
	p, err := s.load(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("load frame: %w", err)
	}
	return &Frame{session: s, page: p}, nil
}

// SetCookies seeds the session jar, e.g. with cookies lifted from a browser.
func (s *Session) SetCookies(target string, cookies []*http.Cookie) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	s.jar.SetCookies(u, cookies)
	return nil
}

// Close drops the current page. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.current = nil
	return nil
}

// Frame is a parsed document within a session.
type Frame struct {
	session *Session
	page    *page
}

// URL returns the document URL.
func (f *Frame) URL() string { return f.page.url }

// Children loads every iframe/frame document referenced by this one.
// Frames that fail to load are skipped.
func (f *Frame) Children(ctx context.Context) ([]crawler.Frame, error) {
	var srcs []string
	f.page.doc.Find("iframe[src], frame[src]").Each(func(_ int, el *goquery.Selection) {
		if target, ok := resolve(f.page.url, el.AttrOr("src", "")); ok {
			srcs = append(srcs, target)
		}
	})
	children := make([]crawler.Frame, 0, len(srcs))
	for _, src := range srcs {
		p, err := f.session.load(ctx, http.MethodGet, src, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("load frame: %w", ctx.Err())
			}
			f.session.logger.Debug("child frame load failed", zap.String("src", src), zap.Error(err))
			continue
		}
		children = append(children, &Frame{session: f.session, page: p})
	}
	return children, nil
}

// Count returns how many elements match selector.
func (f *Frame) Count(_ context.Context, selector string) (int, error) {
	return f.page.doc.Find(selector).Length(), nil
}

// Extract returns attr for every matching element that carries it.
func (f *Frame) Extract(_ context.Context, selector, attr string) ([]string, error) {
	var out []string
	f.page.doc.Find(selector).Each(func(_ int, el *goquery.Selection) {
		if v, ok := el.Attr(attr); ok {
			out = append(out, v)
		}
	})
	return out, nil
}

func resolve(base, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	abs := b.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func newHTTPTransport(raw bool) *http.Transport {
	return &http.Transport{
		DisableCompression: raw,
		Proxy:              http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

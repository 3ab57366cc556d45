package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/browser/static"
	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

type fakeFrame struct {
	url        string
	attrs      map[string][]string // selector -> attribute values
	children   []crawler.Frame
	countErr   error
	childErr   error
	mu         sync.Mutex
	extractHit int
}

func (f *fakeFrame) URL() string { return f.url }

func (f *fakeFrame) Children(context.Context) ([]crawler.Frame, error) {
	if f.childErr != nil {
		return nil, f.childErr
	}
	return f.children, nil
}

func (f *fakeFrame) Count(_ context.Context, selector string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.attrs[selector]), nil
}

func (f *fakeFrame) Extract(_ context.Context, selector, _ string) ([]string, error) {
	f.mu.Lock()
	f.extractHit++
	f.mu.Unlock()
	return f.attrs[selector], nil
}

func anchors(hrefs ...string) map[string][]string {
	return map[string][]string{defaultAnchorSelector: hrefs}
}

func TestEngineFindsLinksInNestedFrames(t *testing.T) {
	t.Parallel()

	inner := &fakeFrame{
		url:   "https://portal.example.com/files/list.aspx",
		attrs: anchors("PriceFull7290027600007-001-202401010300.gz", "../about.html"),
	}
	middle := &fakeFrame{url: "https://portal.example.com/frame.html", children: []crawler.Frame{inner}}
	root := &fakeFrame{
		url:      "https://portal.example.com/",
		attrs:    anchors("/static/Stores.xml", "https://cdn.example.com/Promo.zip?token=1#top"),
		children: []crawler.Frame{middle},
	}

	res, err := New(Config{}, zap.NewNop()).Discover(context.Background(), root, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://cdn.example.com/Promo.zip?token=1",
		"https://portal.example.com/files/PriceFull7290027600007-001-202401010300.gz",
		"https://portal.example.com/static/Stores.xml",
	}, res.Links)
	require.Equal(t, 3, res.FramesScanned)
	require.Zero(t, res.FrameErrors)
}

func TestEngineSkipsExtractionWhenProbeIsEmpty(t *testing.T) {
	t.Parallel()

	root := &fakeFrame{url: "https://a.example.com/"}
	res, err := New(Config{}, nil).Discover(context.Background(), root, nil)
	require.NoError(t, err)
	require.True(t, res.Empty())
	require.Zero(t, root.extractHit)
}

func TestEngineSkipsFailingFrames(t *testing.T) {
	t.Parallel()

	broken := &fakeFrame{url: "https://a.example.com/broken", countErr: errors.New("detached frame")}
	orphan := &fakeFrame{url: "https://a.example.com/orphan", childErr: errors.New("gone"), attrs: anchors("b.gz")}
	root := &fakeFrame{
		url:      "https://a.example.com/",
		attrs:    anchors("a.gz"),
		children: []crawler.Frame{broken, orphan},
	}
	res, err := New(Config{}, nil).Discover(context.Background(), root, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example.com/a.gz", "https://a.example.com/b.gz"}, res.Links)
	require.Equal(t, 2, res.FrameErrors)
}

func TestEngineDeduplicatesAcrossFrames(t *testing.T) {
	t.Parallel()

	child := &fakeFrame{url: "https://a.example.com/x/", attrs: anchors("/f.gz", "https://a.example.com/f.gz")}
	root := &fakeFrame{url: "https://a.example.com/", attrs: anchors("f.gz"), children: []crawler.Frame{child}}
	res, err := New(Config{}, nil).Discover(context.Background(), root, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example.com/f.gz"}, res.Links)
}

func TestEngineUsesRetailerPatterns(t *testing.T) {
	t.Parallel()

	root := &fakeFrame{url: "https://a.example.com/", attrs: anchors("/GetFile?id=1", "/page.html")}
	res, err := New(Config{}, nil).Discover(context.Background(), root, []string{"getfile"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example.com/GetFile?id=1"}, res.Links)
}

func TestEngineStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}, nil).Discover(ctx, &fakeFrame{url: "https://a.example.com/"}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBinaPassResolvesDownloadButtons(t *testing.T) {
	t.Parallel()

	content := &fakeFrame{
		url: "https://zol.binaprojects.com/Main.aspx",
		attrs: map[string][]string{binaButtonSelector: {
			"Download('PriceFull7290058140886-001-202401010300.gz')",
			"Download(\"Stores7290058140886.xml\")",
			"window.print()",
		}},
	}
	root := &fakeFrame{url: "https://zol.binaprojects.com/", children: []crawler.Frame{content}}

	res, err := NewBinaPass(nil).Discover(context.Background(), root, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://zol.binaprojects.com/Download.aspx?FileNm=PriceFull7290058140886-001-202401010300.gz",
	}, res.Links)
}

type stubPass struct {
	name  string
	links []string
	calls int
}

func (s *stubPass) Name() string { return s.name }

func (s *stubPass) Discover(context.Context, crawler.Frame, []string) (Result, error) {
	s.calls++
	return Result{Links: s.links}, nil
}

func TestTieredFallsBackOnlyWhenSpecificIsEmpty(t *testing.T) {
	t.Parallel()

	specific := &stubPass{name: "bina", links: []string{"https://a/x.gz"}}
	generic := &stubPass{name: "generic", links: []string{"https://a/y.gz"}}
	res, used, err := Tiered(context.Background(), nil, specific, generic, nil)
	require.NoError(t, err)
	assert.Equal(t, "bina", used)
	assert.Equal(t, []string{"https://a/x.gz"}, res.Links)
	assert.Zero(t, generic.calls, "generic must not run when specific found links")

	emptySpecific := &stubPass{name: "bina"}
	res, used, err = Tiered(context.Background(), nil, emptySpecific, generic, nil)
	require.NoError(t, err)
	assert.Equal(t, "generic", used)
	assert.Equal(t, []string{"https://a/y.gz"}, res.Links)

	res, used, err = Tiered(context.Background(), nil, nil, generic, nil)
	require.NoError(t, err)
	assert.Equal(t, "generic", used)
	assert.Len(t, res.Links, 1)
}

func TestMatcherAndResolve(t *testing.T) {
	t.Parallel()

	m := NewMatcher(DefaultPatterns, []string{" ", ".GZ"})
	assert.True(t, m.Match("https://a/PriceFull.GZ"))
	assert.True(t, m.Match("https://a/Download.aspx?FileNm=Promo.gz"))
	assert.True(t, m.Match("https://a/Stores.xml"))
	assert.False(t, m.Match("https://a/index.html"))
	assert.False(t, m.Match("https://a/gzip-info"))

	got, ok := Resolve("https://a.example.com/dir/page", "../f.zip#frag")
	require.True(t, ok)
	assert.Equal(t, "https://a.example.com/f.zip", got)
	_, ok = Resolve("https://a.example.com/", "javascript:void(0)")
	assert.False(t, ok)
	_, ok = Resolve("not-a-url", "f.zip")
	assert.False(t, ok)
	_, ok = Resolve("https://a.example.com/", "ftp://b/f.zip")
	assert.False(t, ok)
}

func nestedPortal() *fakeFrame {
	files := &fakeFrame{
		url: "https://portal.example.com/files/list.aspx",
		attrs: map[string][]string{
			defaultAnchorSelector: {"PriceFull7290027600007-001.gz", "Promo7290027600007-001.gz", "PriceFull7290027600007-001.gz"},
			binaButtonSelector:    {"Download('Price7290027600007-002.gz')"},
		},
	}
	menu := &fakeFrame{
		url:      "https://portal.example.com/menu.html",
		attrs:    anchors("/static/Stores7290027600007.xml", "/help.html"),
		children: []crawler.Frame{files},
	}
	return &fakeFrame{
		url:      "https://portal.example.com/",
		attrs:    anchors("https://cdn.example.com/Promo.zip#top"),
		children: []crawler.Frame{menu, files},
	}
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := nestedPortal()
	engine := New(Config{}, nil)

	first, err := engine.Discover(ctx, root, nil)
	require.NoError(t, err)
	require.Len(t, first.Links, 4)
	second, err := engine.Discover(ctx, root, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, first.Links, second.Links)

	bina := NewBinaPass(nil)
	tieredFirst, used, err := Tiered(ctx, root, bina, engine, nil)
	require.NoError(t, err)
	require.Equal(t, "bina", used)
	tieredSecond, used, err := Tiered(ctx, root, bina, engine, nil)
	require.NoError(t, err)
	require.Equal(t, "bina", used)
	assert.ElementsMatch(t, tieredFirst.Links, tieredSecond.Links)

	plain := &fakeFrame{url: "https://a.example.com/", attrs: anchors("a.gz", "b.xml")}
	fallbackFirst, used, err := Tiered(ctx, plain, bina, engine, nil)
	require.NoError(t, err)
	require.Equal(t, "generic", used)
	fallbackSecond, _, err := Tiered(ctx, plain, bina, engine, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, fallbackFirst.Links, fallbackSecond.Links)
}

func TestDiscoveryIsIdempotentOverHTTP(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/Stores.xml">s</a><iframe src="/frame"></iframe></body></html>`)
	})
	mux.HandleFunc("/frame", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="files/PriceFull1.gz">p</a><a href="files/Promo1.gz">q</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	sess, err := static.New(static.Config{}, nil).NewSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	engine := New(Config{}, nil)

	discover := func() []string {
		require.NoError(t, sess.Navigate(ctx, srv.URL+"/"))
		root, err := sess.MainFrame(ctx)
		require.NoError(t, err)
		res, err := engine.Discover(ctx, root, nil)
		require.NoError(t, err)
		links := append([]string(nil), res.Links...)
		sort.Strings(links)
		return links
	}

	first := discover()
	require.Equal(t, []string{
		srv.URL + "/Stores.xml",
		srv.URL + "/files/PriceFull1.gz",
		srv.URL + "/files/Promo1.gz",
	}, first)
	assert.Equal(t, first, discover())
}

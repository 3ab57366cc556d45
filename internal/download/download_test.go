package download

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	sha256hash "github.com/JakeFAU/retail-price-crawler/internal/hash/sha256"
	"github.com/JakeFAU/retail-price-crawler/internal/persist"
	"github.com/JakeFAU/retail-price-crawler/internal/storage/memory"
)

var (
	gzipBody = []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03}
	xmlBody  = []byte(`<?xml version="1.0" encoding="UTF-8"?><Root><Items/></Root>`)
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type reply struct {
	body   []byte
	header http.Header
	err    error
	// block waits for the attempt context instead of answering.
	block bool
}

type fakeFetcher struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{replies: map[string][]reply{}, calls: map[string]int{}}
}

// on queues replies for url; the last one repeats.
func (f *fakeFetcher) on(url string, replies ...reply) *fakeFetcher {
	f.replies[url] = replies
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	f.mu.Lock()
	n := f.calls[url]
	f.calls[url]++
	queued := f.replies[url]
	f.mu.Unlock()

	if len(queued) == 0 {
		return crawler.FetchResult{}, &crawler.TransportError{Op: http.MethodGet, URL: url, StatusCode: http.StatusNotFound}
	}
	r := queued[len(queued)-1]
	if n < len(queued) {
		r = queued[n]
	}
	if r.block {
		<-ctx.Done()
		return crawler.FetchResult{}, &crawler.TransportError{Op: http.MethodGet, URL: url, Err: ctx.Err()}
	}
	if r.err != nil {
		return crawler.FetchResult{}, r.err
	}
	return crawler.FetchResult{URL: url, StatusCode: http.StatusOK, Header: r.header, Body: r.body}, nil
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type flakyPersister struct {
	mu       sync.Mutex
	failures []error
	written  []persist.File
}

func (p *flakyPersister) PutFile(_ context.Context, f persist.File) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return "", err
	}
	p.written = append(p.written, f)
	return persist.FilePath(f.RetailerID, f.RunID, f.Filename), nil
}

var testTime = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

func newManager(concurrency int, persister Persister) *Manager {
	return New(Config{
		Concurrency:  concurrency,
		Retry:        crawler.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		FetchTimeout: time.Second,
	}, sha256hash.New(), fixedClock{testTime}, persister, zap.NewNop())
}

func hashOf(t *testing.T, data []byte) string {
	t.Helper()
	h, err := sha256hash.New().Hash(data)
	require.NoError(t, err)
	return h
}

func TestDownloadPersistsAndDeduplicates(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	pipeline := persist.New(store, persist.Config{WriteAttempts: 1}, nil)
	fetcher := newFakeFetcher().
		on("https://a.example.com/PriceFull1.gz", reply{body: gzipBody}).
		on("https://a.example.com/PriceFull1-copy.gz", reply{body: gzipBody}).
		on("https://a.example.com/Stores.xml", reply{body: xmlBody})

	out := newManager(1, pipeline).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "shufersal",
		RunID:      "run-1",
		Links: []string{
			"https://a.example.com/PriceFull1.gz",
			"https://a.example.com/PriceFull1-copy.gz",
			"https://a.example.com/Stores.xml",
		},
	})

	assert.Equal(t, 2, out.Downloaded)
	assert.Equal(t, 1, out.Duplicates)
	assert.Empty(t, out.Errors)
	require.Len(t, out.Files, 2)

	gz, xml := out.Files[0], out.Files[1]
	assert.Equal(t, "PriceFull1.gz", gz.Filename)
	assert.Equal(t, "raw/shufersal/run-1/PriceFull1.gz", gz.Path)
	assert.Equal(t, crawler.FileKindGzip, gz.Kind)
	assert.Equal(t, hashOf(t, gzipBody), gz.ContentHash)
	assert.Equal(t, int64(len(gzipBody)), gz.Bytes)
	assert.Equal(t, testTime, gz.Timestamp)
	assert.Equal(t, "Stores.xml", xml.Filename)
	assert.Equal(t, crawler.FileKindXML, xml.Kind)

	assert.Equal(t, []string{
		"raw/shufersal/run-1/PriceFull1.gz",
		"raw/shufersal/run-1/Stores.xml",
	}, store.Paths())
	obj, ok := store.Get("raw/shufersal/run-1/PriceFull1.gz")
	require.True(t, ok)
	assert.Equal(t, "https://a.example.com/PriceFull1.gz", obj.Metadata[persist.MetaSourceURL])
	assert.Equal(t, "application/gzip", obj.ContentType)
}

func TestDownloadConcurrentDuplicatesPersistOnce(t *testing.T) {
	t.Parallel()

	persister := &flakyPersister{}
	fetcher := newFakeFetcher()
	var links []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		link := "https://a.example.com/" + name + ".gz"
		fetcher.on(link, reply{body: gzipBody})
		links = append(links, link)
	}

	out := newManager(4, persister).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "r", RunID: "run", Links: links,
	})
	assert.Equal(t, 1, out.Downloaded)
	assert.Equal(t, len(links)-1, out.Duplicates)
	assert.Len(t, persister.written, 1)
}

func TestDownloadTableSharedAcrossCalls(t *testing.T) {
	t.Parallel()

	persister := &flakyPersister{}
	fetcher := newFakeFetcher().
		on("https://mirror1.example.com/f.gz", reply{body: gzipBody}).
		on("https://mirror2.example.com/f.gz", reply{body: gzipBody})
	m := newManager(2, persister)
	table := NewTable()

	first := m.Download(context.Background(), fetcher, table, Request{RetailerID: "r", RunID: "run", Links: []string{"https://mirror1.example.com/f.gz"}})
	second := m.Download(context.Background(), fetcher, table, Request{RetailerID: "r", RunID: "run", Links: []string{"https://mirror2.example.com/f.gz"}})

	assert.Equal(t, 1, first.Downloaded)
	assert.Equal(t, 0, second.Downloaded)
	assert.Equal(t, 1, second.Duplicates)
	assert.True(t, table.Persisted(hashOf(t, gzipBody)))
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	link := "https://a.example.com/PriceFull.gz"
	unavailable := &crawler.TransportError{Op: http.MethodGet, URL: link, StatusCode: http.StatusServiceUnavailable}
	fetcher := newFakeFetcher().on(link, reply{err: unavailable}, reply{err: unavailable}, reply{body: gzipBody})

	out := newManager(1, &flakyPersister{}).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "r", RunID: "run", Links: []string{link},
	})
	assert.Equal(t, 1, out.Downloaded)
	assert.Equal(t, 3, fetcher.callsFor(link))
}

type countingLimiter struct {
	mu    sync.Mutex
	waits []string
}

func (l *countingLimiter) Wait(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, url)
	return nil
}

func TestDownloadPacesEveryAttempt(t *testing.T) {
	t.Parallel()

	link := "https://a.example.com/PriceFull.gz"
	unavailable := &crawler.TransportError{Op: http.MethodGet, URL: link, StatusCode: http.StatusServiceUnavailable}
	fetcher := newFakeFetcher().on(link, reply{err: unavailable}, reply{body: gzipBody})
	limiter := &countingLimiter{}
	m := New(Config{
		Concurrency:  1,
		Retry:        crawler.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		FetchTimeout: time.Second,
		Limiter:      limiter,
	}, sha256hash.New(), fixedClock{testTime}, &flakyPersister{}, nil)

	out := m.Download(context.Background(), fetcher, NewTable(), Request{RetailerID: "r", RunID: "run", Links: []string{link}})
	assert.Equal(t, 1, out.Downloaded)
	assert.Equal(t, []string{link, link}, limiter.waits)
}

func TestDownloadClassifiesFetchFailures(t *testing.T) {
	t.Parallel()

	missing := "https://a.example.com/gone.gz"
	broken := "https://a.example.com/broken.gz"
	fetcher := newFakeFetcher().
		on(broken, reply{err: &crawler.TransportError{Op: http.MethodGet, URL: broken, StatusCode: http.StatusBadGateway}})

	out := newManager(2, &flakyPersister{}).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "r", RunID: "run", Links: []string{missing, broken},
	})
	assert.Zero(t, out.Downloaded)
	assert.Equal(t, []crawler.FileError{
		{File: broken, Reason: crawler.ReasonHTTP5xx},
		{File: missing, Reason: crawler.ReasonHTTP4xx},
	}, out.Errors)
	assert.Equal(t, 1, fetcher.callsFor(missing), "4xx is not retried")
	assert.Equal(t, 3, fetcher.callsFor(broken))
}

func TestDownloadAttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	link := "https://a.example.com/slow.gz"
	fetcher := newFakeFetcher().on(link, reply{block: true})
	m := New(Config{
		Concurrency:  1,
		Retry:        crawler.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		FetchTimeout: 20 * time.Millisecond,
	}, sha256hash.New(), fixedClock{testTime}, &flakyPersister{}, nil)

	out := m.Download(context.Background(), fetcher, NewTable(), Request{RetailerID: "r", RunID: "run", Links: []string{link}})
	assert.Equal(t, []crawler.FileError{{File: link, Reason: crawler.ReasonTimeout}}, out.Errors)
	assert.Equal(t, 2, fetcher.callsFor(link))
}

func TestDownloadPersistFailures(t *testing.T) {
	t.Parallel()

	t.Run("failed claim is taken over", func(t *testing.T) {
		t.Parallel()
		persister := &flakyPersister{failures: []error{errors.New("connection reset")}}
		fetcher := newFakeFetcher().
			on("https://a.example.com/1.gz", reply{body: gzipBody}).
			on("https://a.example.com/2.gz", reply{body: gzipBody})

		out := newManager(1, persister).Download(context.Background(), fetcher, NewTable(), Request{
			RetailerID: "r", RunID: "run",
			Links: []string{"https://a.example.com/1.gz", "https://a.example.com/2.gz"},
		})
		assert.Equal(t, 1, out.Downloaded)
		assert.Zero(t, out.Duplicates)
		assert.Equal(t, []crawler.FileError{{File: "1.gz", Reason: crawler.ReasonPersistFailed}}, out.Errors)
		require.Len(t, persister.written, 1)
		assert.Equal(t, "2.gz", persister.written[0].Filename)
	})

	t.Run("failed write frees its filename", func(t *testing.T) {
		t.Parallel()
		persister := &flakyPersister{failures: []error{errors.New("connection reset")}}
		fetcher := newFakeFetcher().
			on("https://a.example.com/x/PriceFull.gz", reply{body: gzipBody}).
			on("https://a.example.com/y/PriceFull.gz", reply{body: xmlBody})

		out := newManager(1, persister).Download(context.Background(), fetcher, NewTable(), Request{
			RetailerID: "r", RunID: "run",
			Links: []string{"https://a.example.com/x/PriceFull.gz", "https://a.example.com/y/PriceFull.gz"},
		})
		assert.Equal(t, []crawler.FileError{{File: "PriceFull.gz", Reason: crawler.ReasonPersistFailed}}, out.Errors)
		require.Len(t, out.Files, 1)
		assert.Equal(t, "PriceFull.gz", out.Files[0].Filename)
		assert.Equal(t, hashOf(t, xmlBody), out.Files[0].ContentHash)
	})

	t.Run("permanent failure is denied", func(t *testing.T) {
		t.Parallel()
		persister := &flakyPersister{failures: []error{crawler.Permanent(errors.New("403 forbidden"))}}
		fetcher := newFakeFetcher().on("https://a.example.com/1.gz", reply{body: gzipBody})

		out := newManager(1, persister).Download(context.Background(), fetcher, NewTable(), Request{
			RetailerID: "r", RunID: "run", Links: []string{"https://a.example.com/1.gz"},
		})
		assert.Equal(t, []crawler.FileError{{File: "1.gz", Reason: crawler.ReasonPersistDenied}}, out.Errors)
	})
}

func TestDownloadRenamesCollidingFilenames(t *testing.T) {
	t.Parallel()

	persister := &flakyPersister{}
	fetcher := newFakeFetcher().
		on("https://a.example.com/x/PriceFull.gz", reply{body: gzipBody}).
		on("https://a.example.com/y/PriceFull.gz", reply{body: xmlBody})

	out := newManager(1, persister).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "r", RunID: "run",
		Links: []string{"https://a.example.com/x/PriceFull.gz", "https://a.example.com/y/PriceFull.gz"},
	})
	require.Len(t, out.Files, 2)
	names := []string{out.Files[0].Filename, out.Files[1].Filename}
	assert.Contains(t, names, "PriceFull.gz")
	assert.Contains(t, names, hashOf(t, xmlBody)[:12]+"-PriceFull.gz")
	assert.NotEqual(t, out.Files[0].Path, out.Files[1].Path)
}

func TestDownloadUsesContentDisposition(t *testing.T) {
	t.Parallel()

	link := "https://zol.example.com/Download.aspx?FileNm=ignored.gz"
	header := http.Header{"Content-Disposition": []string{`attachment; filename="PriceFull7290058140886.gz"`}}
	fetcher := newFakeFetcher().on(link, reply{body: gzipBody, header: header})

	out := newManager(1, &flakyPersister{}).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "r", RunID: "run", Links: []string{link},
	})
	require.Len(t, out.Files, 1)
	assert.Equal(t, "PriceFull7290058140886.gz", out.Files[0].Filename)
}

func TestDownloadRejectsOversizedBodies(t *testing.T) {
	t.Parallel()

	link := "https://a.example.com/huge.gz"
	fetcher := newFakeFetcher().on(link, reply{body: gzipBody})
	m := New(Config{Concurrency: 1, MaxFileBytes: 4}, sha256hash.New(), fixedClock{testTime}, &flakyPersister{}, nil)

	out := m.Download(context.Background(), fetcher, NewTable(), Request{RetailerID: "r", RunID: "run", Links: []string{link}})
	assert.Equal(t, []crawler.FileError{{File: "huge.gz", Reason: crawler.ReasonTooLarge}}, out.Errors)
}

func TestDownloadDryRunFetchesNothing(t *testing.T) {
	t.Parallel()

	link := "https://a.example.com/f.gz"
	fetcher := newFakeFetcher().on(link, reply{body: gzipBody})
	persister := &flakyPersister{}

	out := newManager(2, persister).Download(context.Background(), fetcher, NewTable(), Request{
		RetailerID: "r", RunID: "run", Links: []string{link}, DryRun: true,
	})
	assert.Zero(t, out.Downloaded)
	assert.Empty(t, out.Files)
	assert.Zero(t, fetcher.callsFor(link))
	assert.Empty(t, persister.written)
}

func TestTableWaitersFollowOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := NewTable()
	release, dup, err := table.Acquire(ctx, "h1")
	require.NoError(t, err)
	require.False(t, dup)

	type result struct {
		release func(bool)
		dup     bool
	}
	waiter := make(chan result, 1)
	go func() {
		r, d, _ := table.Acquire(ctx, "h1")
		waiter <- result{r, d}
	}()

	release(false)
	got := <-waiter
	require.False(t, got.dup, "a failed owner hands the claim to the next waiter")
	require.NotNil(t, got.release)

	go func() {
		r, d, _ := table.Acquire(ctx, "h1")
		waiter <- result{r, d}
	}()
	got.release(true)
	again := <-waiter
	assert.True(t, again.dup)
	assert.True(t, table.Persisted("h1"))
}

func TestTableAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	table := NewTable()
	_, _, err := table.Acquire(context.Background(), "h")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = table.Acquire(ctx, "h")
	require.ErrorIs(t, err, context.Canceled)
}

func TestTableName(t *testing.T) {
	t.Parallel()

	table := NewTable()
	assert.Equal(t, "f.gz", table.Name("f.gz", "aaaaaaaaaaaaaaaa"))
	assert.Equal(t, "f.gz", table.Name("f.gz", "aaaaaaaaaaaaaaaa"))
	assert.Equal(t, "bbbbbbbbbbbb-f.gz", table.Name("f.gz", "bbbbbbbbbbbbbbbb"))

	table.ReleaseName("f.gz", "bbbbbbbbbbbbbbbb")
	assert.Equal(t, "bbbbbbbbbbbb-f.gz", table.Name("f.gz", "bbbbbbbbbbbbbbbb"), "only the owner frees a name")
	table.ReleaseName("f.gz", "aaaaaaaaaaaaaaaa")
	assert.Equal(t, "f.gz", table.Name("f.gz", "cccccccccccccccc"))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	zipBody := []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00")
	assert.Equal(t, crawler.FileKindGzip, KindOf(mimetype.Detect(gzipBody)))
	assert.Equal(t, crawler.FileKindZip, KindOf(mimetype.Detect(zipBody)))
	assert.Equal(t, crawler.FileKindXML, KindOf(mimetype.Detect(xmlBody)))
	assert.Equal(t, crawler.FileKindOther, KindOf(mimetype.Detect([]byte("hello"))))
}

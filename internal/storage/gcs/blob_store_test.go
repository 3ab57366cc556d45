package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(client, Config{Bucket: "prices"})
	require.NoError(t, err)
	return store
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, code)
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutUploadsWithMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/prices/o")
		assert.Equal(t, "raw/shufersal/run-1/PriceFull1.gz", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `"content_hash":"abc"`)
		assert.Contains(t, string(body), "payload-bytes")
		fmt.Fprintln(w, `{"name":"raw/shufersal/run-1/PriceFull1.gz","bucket":"prices"}`)
	}))

	uri, err := store.Put(context.Background(), "raw/shufersal/run-1/PriceFull1.gz", []byte("payload-bytes"),
		"application/gzip", map[string]string{"content_hash": "abc"})
	require.NoError(t, err)
	require.Equal(t, "gs://prices/raw/shufersal/run-1/PriceFull1.gz", uri)
}

func TestPutClassifiesFailures(t *testing.T) {
	t.Parallel()

	denied := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusForbidden)
	}))
	_, err := denied.Put(context.Background(), "raw/a/r/f.gz", []byte("x"), "", nil)
	require.Error(t, err)
	require.True(t, crawler.IsPermanent(err))

	unavailable := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusServiceUnavailable)
	}))
	_, err = unavailable.Put(context.Background(), "raw/a/r/f.gz", []byte("x"), "", nil)
	require.Error(t, err)
	require.False(t, crawler.IsPermanent(err))

	_, err = unavailable.Put(context.Background(), " ", []byte("x"), "", nil)
	require.True(t, crawler.IsPermanent(err))
}

func TestCheck(t *testing.T) {
	t.Parallel()

	ok := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/prices")
		fmt.Fprintln(w, `{"name":"prices"}`)
	}))
	require.NoError(t, ok.Check(context.Background()))

	missing := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusNotFound)
	}))
	err := missing.Check(context.Background())
	require.Error(t, err)
	require.True(t, crawler.IsPermanent(err))
}

package crawler

import (
	"context"
	"net/http"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) (string, error)
	// Check verifies the store is reachable and writable.
	Check(ctx context.Context) error
}

// Publisher pushes run lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// CredentialProvider resolves a credentials key to login secrets.
type CredentialProvider interface {
	Lookup(key string) (Credentials, bool)
}

// RunLedger records run and retailer outcomes outside of blob storage.
type RunLedger interface {
	RecordRun(ctx context.Context, run CrawlRun) error
	RecordRetailer(ctx context.Context, runID string, result RetailerResult) error
}

// Browser opens isolated browsing sessions. One session serves one retailer.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is a stateful browsing context holding cookies and the current page.
type Session interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	MainFrame(ctx context.Context) (Frame, error)
	// Fill types value into the first element matching any selector.
	Fill(ctx context.Context, selectors []string, value string) error
	// Click activates the first element matching any selector.
	Click(ctx context.Context, selectors []string) error
	// Fetch retrieves url with the session's cookies.
	Fetch(ctx context.Context, url string) (FetchResult, error)
	Close() error
}

// Frame is one document in the frame tree of the current page.
type Frame interface {
	URL() string
	Children(ctx context.Context) ([]Frame, error)
	// Count returns the number of elements matching selector without waiting.
	Count(ctx context.Context, selector string) (int, error)
	// Extract returns attr of every element matching selector.
	Extract(ctx context.Context, selector, attr string) ([]string, error)
}

// FetchResult is the body and metadata of a successful session fetch.
type FetchResult struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

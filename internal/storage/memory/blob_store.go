// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Object is a stored blob with its metadata.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string]Object),
	}
}

// Put persists a copy of the content and returns a URI.
func (s *BlobStore) Put(_ context.Context, path string, data []byte, contentType string, metadata map[string]string) (string, error) {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		Metadata:    meta,
	}
	return fmt.Sprintf("memory://%s", path), nil
}

// Check always succeeds.
func (s *BlobStore) Check(context.Context) error { return nil }

// Get returns the object stored at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Paths lists stored object paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

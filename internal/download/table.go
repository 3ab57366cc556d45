package download

import (
	"context"
	"fmt"
	"sync"
)

const hashPrefixLen = 12

// Table is the content-hash registry of one retailer within one run. The
// first task to claim a hash owns the write; later claimants wait for it and
// either count as duplicates or take over the claim when the owner failed.
type Table struct {
	mu     sync.Mutex
	claims map[string]*claim
	names  map[string]string
}

type claim struct {
	done chan struct{}
	ok   bool
}

// NewTable returns an empty dedup table.
func NewTable() *Table {
	return &Table{
		claims: make(map[string]*claim),
		names:  make(map[string]string),
	}
}

// Acquire blocks until the caller either owns hash or learns that another
// task already persisted it. It returns a release func for owners and
// duplicate=true otherwise.
func (t *Table) Acquire(ctx context.Context, hash string) (release func(ok bool), duplicate bool, err error) {
	for {
		t.mu.Lock()
		c, held := t.claims[hash]
		if !held {
			c = &claim{done: make(chan struct{})}
			t.claims[hash] = c
			t.mu.Unlock()
			return t.releaser(hash, c), false, nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("wait for hash claim: %w", ctx.Err())
		case <-c.done:
		}
		if c.ok {
			return nil, true, nil
		}
	}
}

func (t *Table) releaser(hash string, c *claim) func(bool) {
	var once sync.Once
	return func(ok bool) {
		once.Do(func() {
			t.mu.Lock()
			c.ok = ok
			if !ok {
				delete(t.claims, hash)
			}
			t.mu.Unlock()
			close(c.done)
		})
	}
}

// Name reserves filename for hash. A name already taken by different content
// gets the leading hash characters as a prefix.
func (t *Table) Name(filename, hash string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, taken := t.names[filename]; !taken || owner == hash {
		t.names[filename] = hash
		return filename
	}
	prefix := hash
	if len(prefix) > hashPrefixLen {
		prefix = prefix[:hashPrefixLen]
	}
	renamed := prefix + "-" + filename
	t.names[renamed] = hash
	return renamed
}

// ReleaseName frees a name reserved for hash whose write failed, so the next
// file under that name is not renamed.
func (t *Table) ReleaseName(name, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.names[name] == hash {
		delete(t.names, name)
	}
}

// Persisted reports whether hash has been written successfully.
func (t *Table) Persisted(hash string) bool {
	t.mu.Lock()
	c, ok := t.claims[hash]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return c.ok
	default:
		return false
	}
}

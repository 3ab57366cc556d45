// Package runid generates run identifiers that sort by start time.
package runid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const layout = "20060102T150405Z"

// Generator creates ids of the form 20240101T030000Z-1a2b3c4d.
type Generator struct {
	now func() time.Time
}

// New creates a Generator backed by the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock creates a Generator that reads time from now.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// NewID returns a time-prefixed id with a random suffix.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	suffix := strings.ReplaceAll(id.String(), "-", "")[:8]
	return g.now().UTC().Format(layout) + "-" + suffix, nil
}

// Time extracts the timestamp encoded in a run id.
func Time(id string) (time.Time, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("parse run id %q: missing suffix", id)
	}
	ts, err := time.Parse(layout, prefix)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	return ts, nil
}

// Package registry loads the retailer registry and selects the retailers a
// run should crawl.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

// Group values accepted by Filter.
const (
	GroupAll    = ""
	GroupCreds  = "creds"
	GroupPublic = "public"
)

// ErrInvalidGroup is returned for an unknown group filter.
var ErrInvalidGroup = errors.New("invalid group")

// Source yields the full, ordered retailer registry.
type Source interface {
	Load(ctx context.Context) ([]crawler.RetailerConfig, error)
}

// Filter narrows the registry for one run.
type Filter struct {
	Group string
	Slug  string
}

// ValidateGroup rejects unknown group values.
func ValidateGroup(group string) error {
	switch group {
	case GroupAll, GroupCreds, GroupPublic:
		return nil
	default:
		return fmt.Errorf("%w %q (want %q or %q)", ErrInvalidGroup, group, GroupCreds, GroupPublic)
	}
}

// Apply returns the enabled retailers matching f, preserving registry order.
// An unmatched slug yields an empty set rather than an error.
func Apply(retailers []crawler.RetailerConfig, f Filter) ([]crawler.RetailerConfig, error) {
	if err := ValidateGroup(f.Group); err != nil {
		return nil, err
	}
	slug := strings.TrimSpace(f.Slug)
	out := make([]crawler.RetailerConfig, 0, len(retailers))
	for _, r := range retailers {
		if !r.Enabled {
			continue
		}
		switch f.Group {
		case GroupCreds:
			if !r.NeedsCredentials() {
				continue
			}
		case GroupPublic:
			if r.NeedsCredentials() {
				continue
			}
		}
		if slug != "" && !strings.EqualFold(r.ID, slug) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type fileEntry struct {
	ID               string   `mapstructure:"id"`
	Name             string   `mapstructure:"name"`
	Platform         string   `mapstructure:"platform"`
	URL              string   `mapstructure:"url"`
	URLs             []string `mapstructure:"urls"`
	LoginURL         string   `mapstructure:"login_url"`
	CredentialsKey   string   `mapstructure:"credentials_key"`
	Folder           string   `mapstructure:"folder"`
	DownloadPatterns []string `mapstructure:"download_patterns"`
	Enabled          *bool    `mapstructure:"enabled"`
	Tags             []string `mapstructure:"tags"`
}

// FileSource reads the registry from a YAML or JSON file with a top-level
// `retailers` list.
type FileSource struct {
	path string
}

// NewFileSource returns a Source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load reads and validates the registry file. Every failure is a
// configuration error.
func (s *FileSource) Load(_ context.Context) ([]crawler.RetailerConfig, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, crawler.NewConfigError("load registry", errors.New("registry path is empty"))
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, crawler.NewConfigError("read registry", err)
	}
	var entries []fileEntry
	if err := v.UnmarshalKey("retailers", &entries); err != nil {
		return nil, crawler.NewConfigError("decode registry", err)
	}
	retailers, err := convert(entries)
	if err != nil {
		return nil, crawler.NewConfigError("validate registry", err)
	}
	return retailers, nil
}

func convert(entries []fileEntry) ([]crawler.RetailerConfig, error) {
	seen := make(map[string]struct{}, len(entries))
	out := make([]crawler.RetailerConfig, 0, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("retailers[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("retailers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		platform := crawler.Platform(strings.ToLower(strings.TrimSpace(e.Platform)))
		if platform == "" {
			platform = crawler.PlatformGeneric
		}
		if !platform.Valid() {
			return nil, fmt.Errorf("retailer %q: unknown platform %q", id, e.Platform)
		}
		urls := compact(append([]string{e.URL}, e.URLs...))
		if len(urls) == 0 {
			return nil, fmt.Errorf("retailer %q: at least one url is required", id)
		}
		if platform == crawler.PlatformCredentialedFolder && strings.TrimSpace(e.Folder) == "" {
			return nil, fmt.Errorf("retailer %q: folder is required for %s", id, platform)
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, crawler.RetailerConfig{
			ID:               id,
			Name:             strings.TrimSpace(e.Name),
			Platform:         platform,
			URLs:             urls,
			LoginURL:         strings.TrimSpace(e.LoginURL),
			CredentialsKey:   strings.TrimSpace(e.CredentialsKey),
			Folder:           strings.TrimSpace(e.Folder),
			DownloadPatterns: compact(e.DownloadPatterns),
			Enabled:          enabled,
			Tags:             e.Tags,
		})
	}
	return out, nil
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Static is an in-memory Source, handy for tests and one-off runs.
type Static []crawler.RetailerConfig

// Load returns a copy of the static registry.
func (s Static) Load(_ context.Context) ([]crawler.RetailerConfig, error) {
	out := make([]crawler.RetailerConfig, len(s))
	copy(out, s)
	return out, nil
}

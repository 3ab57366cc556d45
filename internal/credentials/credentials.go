// Package credentials resolves portal login secrets by key.
//
// Secrets come from an optional YAML/JSON file (`credentials:` map of key to
// {username, password}) overlaid by a JSON object held in an environment
// variable. Environment entries win, also over file keys that differ only in
// case. Lookups try the exact key first and then a case-insensitive match;
// among keys that fold to the same value the lexically smallest answers.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

// Provider is an immutable credential table.
type Provider struct {
	entries map[string]crawler.Credentials
	folded  map[string]crawler.Credentials
}

// New builds a Provider from explicit entries.
func New(entries map[string]crawler.Credentials) *Provider {
	p := &Provider{
		entries: make(map[string]crawler.Credentials, len(entries)),
		folded:  make(map[string]crawler.Credentials, len(entries)),
	}
	keys := make([]string, 0, len(entries))
	for k, v := range entries {
		p.entries[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		folded := strings.ToLower(k)
		if _, taken := p.folded[folded]; !taken {
			p.folded[folded] = entries[k]
		}
	}
	return p
}

// Load reads the credentials file (if path is set) and overlays the JSON
// document in envVar (if set and non-empty). Malformed input is a
// configuration error.
func Load(path, envVar string) (*Provider, error) {
	merged := map[string]crawler.Credentials{}
	if strings.TrimSpace(path) != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, crawler.NewConfigError("read credentials file", err)
		}
		var fromFile map[string]crawler.Credentials
		if err := v.UnmarshalKey("credentials", &fromFile); err != nil {
			return nil, crawler.NewConfigError("decode credentials file", err)
		}
		for k, c := range fromFile {
			merged[k] = c
		}
	}
	if envVar != "" {
		if raw := strings.TrimSpace(os.Getenv(envVar)); raw != "" {
			var fromEnv map[string]crawler.Credentials
			if err := json.Unmarshal([]byte(raw), &fromEnv); err != nil {
				return nil, crawler.NewConfigError("decode credentials env", fmt.Errorf("%s: %w", envVar, err))
			}
			overridden := make(map[string]struct{}, len(fromEnv))
			for k := range fromEnv {
				overridden[strings.ToLower(k)] = struct{}{}
			}
			for k := range merged {
				if _, ok := overridden[strings.ToLower(k)]; ok {
					delete(merged, k)
				}
			}
			for k, c := range fromEnv {
				merged[k] = c
			}
		}
	}
	return New(merged), nil
}

// Lookup returns the credentials for key. Entries missing a username or
// password are reported as absent.
func (p *Provider) Lookup(key string) (crawler.Credentials, bool) {
	if p == nil || key == "" {
		return crawler.Credentials{}, false
	}
	c, ok := p.entries[key]
	if !ok {
		c, ok = p.folded[strings.ToLower(key)]
	}
	if !ok || c.Empty() {
		return crawler.Credentials{}, false
	}
	return c, true
}

// Len reports how many keys are configured.
func (p *Provider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

package discovery

import (
	"net/url"
	"strings"
)

// DefaultPatterns are the price-file extensions every retailer is scanned for.
var DefaultPatterns = []string{".xml", ".gz", ".zip"}

// Matcher decides whether an absolute link points at a price file.
//
// Patterns starting with a dot are extensions: they match the end of the
// path or of any query value (portals often serve `Download.aspx?FileNm=x.gz`).
// Other patterns match as case-insensitive substrings of the whole URL.
type Matcher struct {
	extensions []string
	substrings []string
}

// NewMatcher merges the pattern lists, dropping blanks and repeats.
func NewMatcher(patternLists ...[]string) Matcher {
	var m Matcher
	seen := map[string]struct{}{}
	for _, list := range patternLists {
		for _, p := range list {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			if strings.HasPrefix(p, ".") {
				m.extensions = append(m.extensions, p)
			} else {
				m.substrings = append(m.substrings, p)
			}
		}
	}
	return m
}

// Empty reports whether the matcher has no patterns at all.
func (m Matcher) Empty() bool {
	return len(m.extensions) == 0 && len(m.substrings) == 0
}

// Match reports whether link looks like a price file.
func (m Matcher) Match(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	lowered := strings.ToLower(link)
	for _, s := range m.substrings {
		if strings.Contains(lowered, s) {
			return true
		}
	}
	path := strings.ToLower(u.Path)
	for _, ext := range m.extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
		for _, values := range u.Query() {
			for _, v := range values {
				if strings.HasSuffix(strings.ToLower(v), ext) {
					return true
				}
			}
		}
	}
	return false
}

// Resolve turns href into an absolute URL against base and drops the
// fragment. Non-navigational schemes are rejected.
func Resolve(base, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if !ref.IsAbs() {
		baseURL, err := url.Parse(base)
		if err != nil || !baseURL.IsAbs() {
			return "", false
		}
		ref = baseURL.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.Fragment = ""
	return ref.String(), true
}

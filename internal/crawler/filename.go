package crawler

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	fallbackFilename = "download"
	maxFilenameLen   = 200
)

// Query parameters portals use to name the served file.
var filenameParams = []string{"FileNm", "fileNm", "filename", "file", "name"}

// FilenameFor picks the name to persist a download under. Content-Disposition
// wins; otherwise the last path segment, unless it is a server script or
// empty, in which case a file-naming query parameter is used.
func FilenameFor(header http.Header, rawURL string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return SanitizeFilename(params["filename"])
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackFilename
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." || isScript(base) {
		q := u.Query()
		for _, key := range filenameParams {
			if v := q.Get(key); v != "" {
				return SanitizeFilename(v)
			}
		}
	}
	return SanitizeFilename(base)
}

func isScript(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".aspx", ".ashx", ".asp", ".php", ".jsp", ".cgi":
		return true
	default:
		return false
	}
}

// SanitizeFilename reduces name to a single safe path segment.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxFilenameLen {
		out = out[len(out)-maxFilenameLen:]
	}
	if out == "" || out == "_" {
		return fallbackFilename
	}
	return out
}

package crawler

import (
	"strings"
	"time"
)

// Platform identifies the portal archetype a retailer publishes on.
type Platform string

// Supported platform archetypes.
const (
	PlatformCredentialed       Platform = "credentialed"
	PlatformCredentialedFolder Platform = "credentialed_folder"
	PlatformBina               Platform = "bina"
	PlatformGeneric            Platform = "generic"
)

// Valid reports whether p is one of the known archetypes.
func (p Platform) Valid() bool {
	switch p {
	case PlatformCredentialed, PlatformCredentialedFolder, PlatformBina, PlatformGeneric:
		return true
	default:
		return false
	}
}

// RetailerConfig is one registry entry describing where and how a retailer
// publishes its price files.
type RetailerConfig struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Platform         Platform `json:"platform"`
	URLs             []string `json:"urls"`
	LoginURL         string   `json:"login_url,omitempty"`
	CredentialsKey   string   `json:"credentials_key,omitempty"`
	Folder           string   `json:"folder,omitempty"`
	DownloadPatterns []string `json:"download_patterns,omitempty"`
	Enabled          bool     `json:"enabled"`
	Tags             []string `json:"tags,omitempty"`
}

// NeedsCredentials reports whether the retailer sits behind a login.
func (r RetailerConfig) NeedsCredentials() bool {
	return strings.TrimSpace(r.CredentialsKey) != ""
}

// DisplayName falls back to the id when no name was configured.
func (r RetailerConfig) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Credentials are the login secrets for a credentialed portal.
type Credentials struct {
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
}

// Empty reports whether no usable credential is present.
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// RunFilter carries the trigger parameters of a run.
type RunFilter struct {
	Group  string `json:"group,omitempty"`
	Slug   string `json:"slug,omitempty"`
	DryRun bool   `json:"dry_run"`
}

// CrawlRun is one execution of the crawler over a filtered retailer set.
type CrawlRun struct {
	ID             string     `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Filter         RunFilter  `json:"filter"`
	Status         RunStatus  `json:"status"`
	RetailersCount int        `json:"retailers_count"`
	ManifestURI    string     `json:"manifest_uri,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
}

// FileError records a single file that could not be retrieved or persisted.
type FileError struct {
	File   string `json:"file"`
	Reason Reason `json:"reason"`
}

// FileRecord describes one persisted price file.
type FileRecord struct {
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Bytes       int64     `json:"bytes"`
	Timestamp   time.Time `json:"timestamp"`
	ContentType string    `json:"content_type,omitempty"`
	Kind        FileKind  `json:"kind,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// FileKind is the archive/document family detected from file content.
type FileKind string

// Known file kinds.
const (
	FileKindGzip  FileKind = "gz"
	FileKindZip   FileKind = "zip"
	FileKindXML   FileKind = "xml"
	FileKindOther FileKind = "other"
)

// RetailerResult is the terminal outcome for one retailer within a run.
type RetailerResult struct {
	RetailerID   string         `json:"retailer_id"`
	RetailerName string         `json:"retailer_name"`
	Platform     Platform       `json:"platform,omitempty"`
	Source       string         `json:"source,omitempty"`
	LinksFound   int            `json:"links_found"`
	Downloaded   int            `json:"downloaded"`
	Duplicates   int            `json:"duplicates"`
	Errors       []FileError    `json:"errors"`
	Files        []FileRecord   `json:"files"`
	Status       RetailerStatus `json:"status"`
	Reason       Reason         `json:"reason,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// NewRetailerResult seeds an empty result for cfg.
func NewRetailerResult(cfg RetailerConfig) RetailerResult {
	return RetailerResult{
		RetailerID:   cfg.ID,
		RetailerName: cfg.DisplayName(),
		Platform:     cfg.Platform,
		Errors:       []FileError{},
		Files:        []FileRecord{},
		Status:       RetailerPending,
	}
}

// Manifest is the per-run summary document written to blob storage.
type Manifest struct {
	RunID       string           `json:"run_id"`
	StartedAt   time.Time        `json:"started_at"`
	GeneratedAt time.Time        `json:"generated_at"`
	Filter      RunFilter        `json:"filter"`
	Partial     bool             `json:"partial"`
	Retailers   []RetailerResult `json:"retailers"`
	Summary     ManifestSummary  `json:"summary"`
}

// ManifestSummary totals the per-retailer entries of a manifest.
type ManifestSummary struct {
	Retailers     int `json:"total_retailers"`
	Completed     int `json:"completed"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	TimedOut      int `json:"timed_out"`
	LinksFound    int `json:"total_links"`
	Downloaded    int `json:"total_downloads"`
	Duplicates    int `json:"total_skipped_dupes"`
	Errors        int `json:"total_errors"`
	NotDispatched int `json:"not_dispatched"`
}

// Summarize computes totals over results.
func Summarize(results []RetailerResult) ManifestSummary {
	sum := ManifestSummary{Retailers: len(results)}
	for _, r := range results {
		switch r.Status {
		case RetailerCompleted:
			sum.Completed++
		case RetailerSkipped:
			sum.Skipped++
		case RetailerFailed:
			sum.Failed++
		case RetailerTimeout:
			sum.TimedOut++
		}
		sum.LinksFound += r.LinksFound
		sum.Downloaded += r.Downloaded
		sum.Duplicates += r.Duplicates
		sum.Errors += len(r.Errors)
	}
	return sum
}

// Run lifecycle event names.
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

// RunEvent is published when a run starts and when it reaches a terminal state.
type RunEvent struct {
	Event       string           `json:"event"`
	RunID       string           `json:"run_id"`
	Status      RunStatus        `json:"status"`
	Filter      RunFilter        `json:"filter"`
	At          time.Time        `json:"at"`
	ManifestURI string           `json:"manifest_uri,omitempty"`
	Summary     *ManifestSummary `json:"summary,omitempty"`
}

// Attributes returns the message attributes used for subscription filters.
func (e RunEvent) Attributes() map[string]string {
	return map[string]string{
		"event":  e.Event,
		"run_id": e.RunID,
		"status": string(e.Status),
	}
}

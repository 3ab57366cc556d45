package crawler

// RunStatus is the lifecycle state of a CrawlRun.
type RunStatus string

// Run lifecycle values. Completed and Degraded are terminal.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunDegraded  RunStatus = "degraded"
)

func (s RunStatus) rank() int {
	switch s {
	case RunPending:
		return 0
	case RunRunning:
		return 1
	case RunCompleted, RunDegraded:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s.rank() == 2
}

// Advance returns next when it moves the lifecycle forward and s otherwise.
// A terminal status never changes.
func (s RunStatus) Advance(next RunStatus) RunStatus {
	if s.Terminal() {
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// RetailerStatus is the outcome of a retailer within a run.
type RetailerStatus string

// Retailer outcomes. Pending only exists while a retailer is in flight.
const (
	RetailerPending   RetailerStatus = "pending"
	RetailerCompleted RetailerStatus = "completed"
	RetailerSkipped   RetailerStatus = "skipped"
	RetailerFailed    RetailerStatus = "failed"
	RetailerTimeout   RetailerStatus = "timeout"
)

// Terminal reports whether s is a final retailer outcome.
func (s RetailerStatus) Terminal() bool {
	switch s {
	case RetailerCompleted, RetailerSkipped, RetailerFailed, RetailerTimeout:
		return true
	default:
		return false
	}
}

// Reason is a short machine-readable cause attached to skipped, failed, or
// timed-out retailers and to per-file errors.
type Reason string

// Reason codes.
const (
	ReasonNone               Reason = ""
	ReasonMissingCredentials Reason = "missing_credentials"
	ReasonAuthFailed         Reason = "auth_failed"
	ReasonFolderNotFound     Reason = "folder_not_found"
	ReasonNavigationFailed   Reason = "navigation_failed"
	ReasonNoLinks            Reason = "no_links"
	ReasonDiscoveryFailed    Reason = "discovery_failed"
	ReasonTimeout            Reason = "timeout"
	ReasonRunTimeout         Reason = "run_timeout"
	ReasonHTTP4xx            Reason = "http_4xx"
	ReasonHTTP5xx            Reason = "http_5xx"
	ReasonNetwork            Reason = "network"
	ReasonPersistFailed      Reason = "persist_failed"
	ReasonPersistDenied      Reason = "persist_denied"
	ReasonHashFailed         Reason = "hash_failed"
	ReasonTooLarge           Reason = "too_large"
	ReasonSessionFailed      Reason = "session_failed"
	ReasonPanic              Reason = "panic"
)

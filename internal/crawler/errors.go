package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors of the crawl taxonomy.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrAuthentication     = errors.New("authentication failed")
	ErrFolderNavigation   = errors.New("folder navigation failed")
	ErrNavigation         = errors.New("navigation failed")
	ErrDiscoveryEmpty     = errors.New("no downloadable links found")
	ErrTimeout            = errors.New("timeout exceeded")
	ErrPermanent          = errors.New("permanent failure")
)

// ConfigError is returned synchronously by a trigger that cannot start a run.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError wraps err as a configuration error for op.
func NewConfigError(op string, err error) error {
	return &ConfigError{Op: op, Err: err}
}

// TransportError describes a failed retrieval of a remote resource.
// StatusCode is zero when no response was received.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// Reason maps the transport failure onto a reason code.
func (e *TransportError) Reason() Reason {
	switch {
	case e.StatusCode >= 500:
		return ReasonHTTP5xx
	case e.StatusCode >= 400:
		return ReasonHTTP4xx
	case isTimeout(e.Err):
		return ReasonTimeout
	default:
		return ReasonNetwork
	}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ReasonFor derives the reason code that best describes err.
func ReasonFor(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var transportErr *TransportError
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return ReasonMissingCredentials
	case errors.Is(err, ErrAuthentication):
		return ReasonAuthFailed
	case errors.Is(err, ErrFolderNavigation):
		return ReasonFolderNotFound
	case errors.Is(err, ErrDiscoveryEmpty):
		return ReasonNoLinks
	case errors.As(err, &transportErr):
		return transportErr.Reason()
	case errors.Is(err, ErrNavigation):
		return ReasonNavigationFailed
	case isTimeout(err):
		return ReasonTimeout
	case IsPermanent(err):
		return ReasonPersistDenied
	default:
		return ReasonNetwork
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

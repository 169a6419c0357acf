package errs

import "fmt"

// RefreshKind classifies a token-refresh failure. The set is closed: the
// retry/reauth decision is derived from the kind alone, never from provider
// message matching at the call site.
type RefreshKind string

const (
	InvalidRefreshToken RefreshKind = "INVALID_REFRESH_TOKEN"
	InvalidClient       RefreshKind = "INVALID_CLIENT"
	InvalidGrant        RefreshKind = "INVALID_GRANT"
	NetworkError        RefreshKind = "NETWORK_ERROR"
	ServiceUnavailable  RefreshKind = "SERVICE_UNAVAILABLE"
	RateLimited         RefreshKind = "RATE_LIMITED"
	UnknownRefresh      RefreshKind = "UNKNOWN"
)

// RefreshError wraps a failed token refresh with its classification.
type RefreshError struct {
	Kind RefreshKind
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("refresh %s", e.Kind)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// RequiresReauth reports whether the refresh token is permanently dead and
// the user must redo the OAuth handshake.
func (e *RefreshError) RequiresReauth() bool {
	switch e.Kind {
	case InvalidRefreshToken, InvalidClient, InvalidGrant:
		return true
	}
	return false
}

// ShouldRetry reports whether the failure is transient and the caller may
// retry with backoff.
func (e *RefreshError) ShouldRetry() bool {
	switch e.Kind {
	case NetworkError, ServiceUnavailable, RateLimited:
		return true
	}
	return false
}

// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite indicates a conditional update lost to a concurrent writer
	// (freshness marker mismatch). The losing result must be discarded.
	ErrStaleWrite = errors.New("stale write")

	// ErrOAuthIncomplete indicates activation was attempted before the OAuth
	// handshake completed.
	ErrOAuthIncomplete = errors.New("oauth handshake not completed")

	// ErrCredentialExpired indicates the stored access token is past its
	// expiry and could not be refreshed.
	ErrCredentialExpired = errors.New("credential expired")
)

// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// InstanceStatus is the operational state of a connector instance.
type InstanceStatus string

const (
	StatusPendingOAuth InstanceStatus = "pending_oauth"
	StatusActive       InstanceStatus = "active"
	StatusInactive     InstanceStatus = "inactive"
	StatusExpired      InstanceStatus = "expired"
)

// OAuthStatus is the handshake completion state, distinct from the
// instance's operational status. Empty for static API-key providers.
type OAuthStatus string

const (
	OAuthNone      OAuthStatus = ""
	OAuthPending   OAuthStatus = "pending"
	OAuthCompleted OAuthStatus = "completed"
	OAuthFailed    OAuthStatus = "failed"
)

// Instance is one connector configuration owned by one user for one provider.
type Instance struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Provider    string
	Status      InstanceStatus
	OAuthStatus OAuthStatus

	// ExpiresAt is the subscription-driven deactivation deadline.
	// Independent of the OAuth token lifetime in Credential.TokenExpiresAt.
	ExpiresAt *time.Time

	UsageCount           int64
	LastUsedAt           *time.Time
	CredentialsUpdatedAt time.Time // freshness marker for conditional credential writes
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Credential is the secret material for one instance, in plaintext form.
// Owned exclusively by its instance; token columns are sealed at rest.
type Credential struct {
	InstanceID     uuid.UUID
	AccessToken    string
	RefreshToken   string // empty for static API-key providers
	TokenExpiresAt time.Time
	Scope          string
	ClientID       string
	ClientSecret   string
	TokenURL       string // provider token endpoint for the direct refresh path
}

// CredentialUpdate carries the result of a successful refresh to be written
// back. An empty RefreshToken keeps the stored one (no rotation).
type CredentialUpdate struct {
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Scope          string
}

// Snapshot is the credential cache's copy. The cache is a read-through
// mirror, never authoritative: ExpiresAt never exceeds the store's
// token-level expiry at the time of caching.
type Snapshot struct {
	BearerToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	UserID          uuid.UUID
	CachedAt        time.Time
	LastUsed        time.Time
	RefreshAttempts int
	Status          InstanceStatus
}

// ExpiringCredential is a watcher work item: one stored credential nearing
// token expiry, with everything needed to attempt a refresh.
type ExpiringCredential struct {
	InstanceID           uuid.UUID
	UserID               uuid.UUID
	Provider             string
	RefreshToken         string
	ClientID             string
	ClientSecret         string
	TokenURL             string
	TokenExpiresAt       time.Time
	CredentialsUpdatedAt time.Time
}

// Plan is the subscription tier governing a user's concurrency ceiling.
type Plan struct {
	UserID   uuid.UUID
	PlanType string

	// MaxInstances is the active-instance ceiling; nil means unlimited.
	MaxInstances *int

	ExpiresAt *time.Time
}

// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/aseleznov/connectord/internal/model"
)

// InstanceRepository provides durable access to connector instances and
// their credentials.
type InstanceRepository interface {
	// GetInstance loads an instance by ID, scoped to its owner.
	GetInstance(ctx context.Context, id, userID uuid.UUID) (*model.Instance, error)

	// GetInstanceByID loads an instance without owner scoping, for internal
	// read-through paths keyed by instance id alone.
	GetInstanceByID(ctx context.Context, id uuid.UUID) (*model.Instance, error)

	// GetCredential loads and unseals the credential row for an instance.
	GetCredential(ctx context.Context, id uuid.UUID) (*model.Credential, error)

	// UpdateInstanceStatus flips the operational status, conditional on ownership.
	UpdateInstanceStatus(ctx context.Context, id, userID uuid.UUID, status model.InstanceStatus) error

	// SetOAuthStatus records handshake progress independent of operational status.
	SetOAuthStatus(ctx context.Context, id uuid.UUID, status model.OAuthStatus) error

	// UpdateCredentials writes a refresh result conditional on the previous
	// freshness marker. Returns errs.ErrStaleWrite when another writer
	// already refreshed (the caller discards its result).
	UpdateCredentials(ctx context.Context, id uuid.UUID, upd model.CredentialUpdate, prevUpdatedAt time.Time) error

	// ReplaceCredentials overwrites the credential row unconditionally
	// (user-supplied rotation) and bumps the freshness marker.
	ReplaceCredentials(ctx context.Context, cred *model.Credential) error

	// DeleteInstance removes an instance; credential rows cascade.
	DeleteInstance(ctx context.Context, id uuid.UUID) error

	// ListExpiringCredentials returns work items whose token expiry falls
	// before the deadline, for instances that are active with a refresh token.
	ListExpiringCredentials(ctx context.Context, before time.Time) ([]model.ExpiringCredential, error)

	// ListExpiredActive returns active instances whose subscription deadline
	// has passed.
	ListExpiredActive(ctx context.Context, now time.Time) ([]model.Instance, error)

	// ListStuckOAuth returns instances stuck in the given handshake state
	// since before the cutoff.
	ListStuckOAuth(ctx context.Context, status model.OAuthStatus, cutoff time.Time) ([]model.Instance, error)

	// TouchUsage bumps usage_count and last_used_at.
	TouchUsage(ctx context.Context, id uuid.UUID) error
}

// PlanGate enforces the plan's concurrent-active-instance ceiling. Both
// operations run the count and the status flip inside one locked transaction.
type PlanGate interface {
	// ActivateInstance transitions inactive -> active if the plan permits.
	ActivateInstance(ctx context.Context, userID, instanceID uuid.UUID) error

	// RenewInstance transitions expired -> active with a fresh deadline,
	// consuming a plan slot like any activation.
	RenewInstance(ctx context.Context, userID, instanceID uuid.UUID, newExpiry time.Time) error
}

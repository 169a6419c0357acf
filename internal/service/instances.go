// Package service contains application services for the connector instance
// lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
	"github.com/aseleznov/connectord/internal/refresh"
	"github.com/aseleznov/connectord/internal/repository"
	"github.com/aseleznov/connectord/internal/session"
)

// CredCache is the credential cache surface the service needs.
type CredCache interface {
	Get(id uuid.UUID) (model.Snapshot, bool)
	Set(id uuid.UUID, snap model.Snapshot)
	Invalidate(id uuid.UUID) bool
}

// Sessions is the registry surface the service needs.
type Sessions interface {
	GetOrCreate(id uuid.UUID, cfg session.Config, bearer string) (session.Handler, error)
	Invalidate(id uuid.UUID)
}

// Refresher performs one token exchange for the synchronous read path.
type Refresher interface {
	Refresh(ctx context.Context, req refresh.Request) (*refresh.Result, error)
}

// InstanceService defines lifecycle operations over connector instances.
type InstanceService interface {
	// Activate transitions inactive -> active, gated by the owner's plan.
	Activate(ctx context.Context, userID, id uuid.UUID) error
	// Deactivate transitions active -> inactive and evicts in-memory state.
	Deactivate(ctx context.Context, userID, id uuid.UUID) error
	// Renew returns an expired instance to active with a fresh deadline,
	// consuming a plan slot.
	Renew(ctx context.Context, userID, id uuid.UUID, validity time.Duration) error
	// GetCredential returns a usable credential snapshot, read-through:
	// registry callers hit the cache first, then the store, refreshing
	// synchronously when the stored token is already stale.
	GetCredential(ctx context.Context, id uuid.UUID) (*model.Snapshot, error)
	// GetOrCreateHandler returns the live protocol handler for an instance.
	GetOrCreateHandler(ctx context.Context, id uuid.UUID, cfg session.Config) (session.Handler, error)
	// CompleteOAuth stores handshake credentials and marks the handshake done.
	CompleteOAuth(ctx context.Context, userID, id uuid.UUID, cred *model.Credential) error
	// UpdateCredentials applies a user-supplied rotation.
	UpdateCredentials(ctx context.Context, userID, id uuid.UUID, cred *model.Credential) error
	// Revoke deletes the instance and evicts it everywhere.
	Revoke(ctx context.Context, userID, id uuid.UUID) error
}

type InstanceServiceImpl struct {
	repo      repository.InstanceRepository
	gate      repository.PlanGate
	cache     CredCache
	sessions  Sessions
	refresher Refresher

	ttlMargin time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewInstanceService constructs InstanceService with required dependencies.
func NewInstanceService(repo repository.InstanceRepository, gate repository.PlanGate,
	cache CredCache, sessions Sessions, refresher Refresher,
	ttlMargin time.Duration, logger *zap.Logger) *InstanceServiceImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceServiceImpl{
		repo:      repo,
		gate:      gate,
		cache:     cache,
		sessions:  sessions,
		refresher: refresher,
		ttlMargin: ttlMargin,
		logger:    logger,
		now:       time.Now,
	}
}

// Activate flips inactive -> active behind the plan-limit gate.
func (s *InstanceServiceImpl) Activate(ctx context.Context, userID, id uuid.UUID) error {
	inst, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return err
	}
	if inst.Status == model.StatusExpired {
		// Expired is terminal for toggling; renewal is the only way back.
		return errs.Auth(errs.InstanceExpired)
	}
	if inst.OAuthStatus != model.OAuthNone && inst.OAuthStatus != model.OAuthCompleted {
		return errs.ErrOAuthIncomplete
	}
	if err := s.gate.ActivateInstance(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info("instance activated",
		zap.String("instance_id", id.String()),
		zap.String("user_id", userID.String()),
		zap.String("prior_status", string(inst.Status)),
	)
	return nil
}

// Deactivate flips to inactive and evicts cache and session state.
func (s *InstanceServiceImpl) Deactivate(ctx context.Context, userID, id uuid.UUID) error {
	inst, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return err
	}
	if inst.Status == model.StatusExpired {
		return errs.Auth(errs.InstanceExpired)
	}
	if err := s.repo.UpdateInstanceStatus(ctx, id, userID, model.StatusInactive); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	s.sessions.Invalidate(id)
	s.logger.Info("instance deactivated",
		zap.String("instance_id", id.String()),
		zap.String("prior_status", string(inst.Status)),
	)
	return nil
}

// Renew reactivates an expired instance with a fresh subscription deadline.
func (s *InstanceServiceImpl) Renew(ctx context.Context, userID, id uuid.UUID, validity time.Duration) error {
	if validity <= 0 {
		return fmt.Errorf("validation: non-positive validity %v", validity)
	}
	inst, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return err
	}
	if inst.Status != model.StatusExpired {
		return errs.Auth(errs.InstanceNotExpired)
	}
	newExpiry := s.now().Add(validity)
	if err := s.gate.RenewInstance(ctx, userID, id, newExpiry); err != nil {
		return err
	}
	s.logger.Info("instance renewed",
		zap.String("instance_id", id.String()),
		zap.Time("expires_at", newExpiry),
	)
	return nil
}

// GetCredential serves the request path: cache first, then store, with a
// synchronous refresh when the stored token is already stale.
func (s *InstanceServiceImpl) GetCredential(ctx context.Context, id uuid.UUID) (*model.Snapshot, error) {
	if snap, ok := s.cache.Get(id); ok {
		if err := s.repo.TouchUsage(ctx, id); err != nil {
			s.logger.Warn("usage stamp failed", zap.String("instance_id", id.String()), zap.Error(err))
		}
		return &snap, nil
	}

	inst, err := s.repo.GetInstanceByID(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Auth(errs.InstanceNotFound)
		}
		return nil, err
	}
	if inst.Status != model.StatusActive {
		if inst.Status == model.StatusExpired {
			return nil, errs.Auth(errs.InstanceExpired)
		}
		return nil, errs.ErrNotFound
	}

	cred, err := s.repo.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}

	if !cred.TokenExpiresAt.After(s.now()) {
		cred, err = s.refreshStale(ctx, inst, cred)
		if err != nil {
			return nil, err
		}
	}

	snap := model.Snapshot{
		BearerToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.TokenExpiresAt.Add(-s.ttlMargin),
		UserID:       inst.UserID,
		Status:       inst.Status,
	}
	s.cache.Set(id, snap)
	if err := s.repo.TouchUsage(ctx, id); err != nil {
		s.logger.Warn("usage stamp failed", zap.String("instance_id", id.String()), zap.Error(err))
	}
	return &snap, nil
}

// refreshStale exchanges a dead access token inline. A lost write race means
// another writer refreshed first, so the stored credential is re-read.
func (s *InstanceServiceImpl) refreshStale(ctx context.Context, inst *model.Instance, cred *model.Credential) (*model.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, errs.ErrCredentialExpired
	}

	res, err := s.refresher.Refresh(ctx, refresh.Request{
		RefreshToken: cred.RefreshToken,
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TokenURL:     cred.TokenURL,
	})
	if err != nil {
		var re *errs.RefreshError
		if errors.As(err, &re) && re.RequiresReauth() {
			if serr := s.repo.SetOAuthStatus(ctx, inst.ID, model.OAuthFailed); serr != nil {
				s.logger.Error("failed to flag instance for re-auth",
					zap.String("instance_id", inst.ID.String()), zap.Error(serr))
			}
			s.sessions.Invalidate(inst.ID)
			return nil, fmt.Errorf("%w: %w", errs.ErrCredentialExpired, err)
		}
		return nil, err
	}

	upd := model.CredentialUpdate{
		AccessToken:    res.AccessToken,
		RefreshToken:   res.RefreshToken,
		TokenExpiresAt: res.ExpiresAt,
		Scope:          res.Scope,
	}
	err = s.repo.UpdateCredentials(ctx, inst.ID, upd, inst.CredentialsUpdatedAt)
	if errors.Is(err, errs.ErrStaleWrite) {
		return s.repo.GetCredential(ctx, inst.ID)
	}
	if err != nil {
		return nil, err
	}

	out := *cred
	out.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		out.RefreshToken = res.RefreshToken
	}
	out.TokenExpiresAt = res.ExpiresAt
	return &out, nil
}

// GetOrCreateHandler resolves a credential and hands it to the registry.
func (s *InstanceServiceImpl) GetOrCreateHandler(ctx context.Context, id uuid.UUID, cfg session.Config) (session.Handler, error) {
	snap, err := s.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.sessions.GetOrCreate(id, cfg, snap.BearerToken)
}

// CompleteOAuth stores the handshake result and marks the handshake done.
// A pending instance lands in inactive, ready for explicit activation.
func (s *InstanceServiceImpl) CompleteOAuth(ctx context.Context, userID, id uuid.UUID, cred *model.Credential) error {
	inst, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return err
	}
	cred.InstanceID = id
	if err := s.repo.ReplaceCredentials(ctx, cred); err != nil {
		return err
	}
	if err := s.repo.SetOAuthStatus(ctx, id, model.OAuthCompleted); err != nil {
		return err
	}
	if inst.Status == model.StatusPendingOAuth {
		if err := s.repo.UpdateInstanceStatus(ctx, id, userID, model.StatusInactive); err != nil {
			return err
		}
	}
	s.sessions.Invalidate(id)
	s.logger.Info("oauth handshake completed",
		zap.String("instance_id", id.String()),
		zap.String("provider", inst.Provider),
	)
	return nil
}

// UpdateCredentials applies a user-supplied rotation: store, cache, and a
// forced session rebuild so no stale handler keeps the old token.
func (s *InstanceServiceImpl) UpdateCredentials(ctx context.Context, userID, id uuid.UUID, cred *model.Credential) error {
	inst, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return err
	}
	cred.InstanceID = id
	if err := s.repo.ReplaceCredentials(ctx, cred); err != nil {
		// Fail closed: the cache entry may now disagree with the store.
		s.cache.Invalidate(id)
		s.sessions.Invalidate(id)
		return err
	}
	s.cache.Set(id, model.Snapshot{
		BearerToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.TokenExpiresAt.Add(-s.ttlMargin),
		UserID:       userID,
		Status:       inst.Status,
	})
	s.sessions.Invalidate(id)
	s.logger.Info("credentials rotated", zap.String("instance_id", id.String()))
	return nil
}

// Revoke deletes the instance; credential rows cascade and in-memory state
// is evicted.
func (s *InstanceServiceImpl) Revoke(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := s.loadOwned(ctx, id, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteInstance(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	s.sessions.Invalidate(id)
	s.logger.Info("instance revoked",
		zap.String("instance_id", id.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

func (s *InstanceServiceImpl) loadOwned(ctx context.Context, id, userID uuid.UUID) (*model.Instance, error) {
	if id == uuid.Nil || userID == uuid.Nil {
		return nil, errors.New("validation: empty id")
	}
	inst, err := s.repo.GetInstance(ctx, id, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Auth(errs.InstanceNotFound)
		}
		return nil, err
	}
	return inst, nil
}

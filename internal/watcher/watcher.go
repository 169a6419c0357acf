// Package watcher proactively refreshes credentials before their tokens
// expire, writing results back with optimistic concurrency.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
	"github.com/aseleznov/connectord/internal/refresh"
)

// Store is the slice of the instance store the watcher needs.
type Store interface {
	ListExpiringCredentials(ctx context.Context, before time.Time) ([]model.ExpiringCredential, error)
	UpdateCredentials(ctx context.Context, id uuid.UUID, upd model.CredentialUpdate, prevUpdatedAt time.Time) error
	SetOAuthStatus(ctx context.Context, id uuid.UUID, status model.OAuthStatus) error
}

// Refresher performs one token exchange.
type Refresher interface {
	Refresh(ctx context.Context, req refresh.Request) (*refresh.Result, error)
}

// Cache is the credential cache surface the watcher mutates.
type Cache interface {
	Set(id uuid.UUID, snap model.Snapshot)
	Invalidate(id uuid.UUID) bool
}

// Sessions is the registry surface the watcher mutates.
type Sessions interface {
	UpdateBearer(id uuid.UUID, bearer string) bool
	Invalidate(id uuid.UUID)
}

// Stats is retained in memory only; it is not persisted across restarts.
type Stats struct {
	TotalRuns        int64
	TokensRefreshed  int64
	RefreshFailures  int64
	EntriesCleanedUp int64
	LastRun          time.Time
}

// Watcher is the background refresh loop.
type Watcher struct {
	store    Store
	engine   Refresher
	cache    Cache
	sessions Sessions

	interval     time.Duration
	safetyMargin time.Duration
	ttlMargin    time.Duration
	logger       *zap.Logger
	now          func() time.Time

	statsMu sync.Mutex
	stats   Stats

	stop chan struct{}
	done chan struct{}
}

// New constructs a Watcher. safetyMargin is how far ahead of token expiry a
// refresh is attempted; ttlMargin is subtracted from the new expiry when
// caching, so the cache treats a token as dead before it actually is.
func New(store Store, engine Refresher, cache Cache, sessions Sessions,
	interval, safetyMargin, ttlMargin time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:        store,
		engine:       engine,
		cache:        cache,
		sessions:     sessions,
		interval:     interval,
		safetyMargin: safetyMargin,
		ttlMargin:    ttlMargin,
		logger:       logger,
		now:          time.Now,
	}
}

// Start launches the periodic refresh loop.
func (w *Watcher) Start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// Background cycles are not tied to Stop: in-flight
				// refreshes run to completion.
				if err := w.TriggerCycle(context.Background()); err != nil {
					w.logger.Error("watcher cycle failed", zap.Error(err))
				}
			case <-w.stop:
				return
			}
		}
	}()
	w.logger.Info("credential watcher started", zap.Duration("interval", w.interval))
}

// Stop halts scheduling and waits for an in-flight cycle, bounded by ctx.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.stop == nil {
		return nil
	}
	close(w.stop)
	select {
	case <-w.done:
		w.stop = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerCycle runs one refresh cycle now. Exposed for operational forcing.
func (w *Watcher) TriggerCycle(ctx context.Context) error {
	deadline := w.now().Add(w.safetyMargin)
	items, err := w.store.ListExpiringCredentials(ctx, deadline)
	if err != nil {
		return err
	}

	for i := range items {
		// One instance's failure never aborts the cycle for the rest.
		w.processOne(ctx, &items[i], deadline)
	}

	w.statsMu.Lock()
	w.stats.TotalRuns++
	w.stats.LastRun = w.now()
	w.statsMu.Unlock()
	return nil
}

func (w *Watcher) processOne(ctx context.Context, item *model.ExpiringCredential, deadline time.Time) {
	if item.TokenExpiresAt.After(deadline) {
		return // comfortably fresh
	}

	log := w.logger.With(
		zap.String("instance_id", item.InstanceID.String()),
		zap.String("provider", item.Provider),
	)

	res, err := w.engine.Refresh(ctx, refresh.Request{
		RefreshToken: item.RefreshToken,
		ClientID:     item.ClientID,
		ClientSecret: item.ClientSecret,
		TokenURL:     item.TokenURL,
	})
	if err != nil {
		var re *errs.RefreshError
		if errors.As(err, &re) && re.RequiresReauth() {
			// Token is permanently dead: flag for re-authentication and
			// evict everywhere so nothing serves it.
			if serr := w.store.SetOAuthStatus(ctx, item.InstanceID, model.OAuthFailed); serr != nil {
				log.Error("failed to flag instance for re-auth", zap.Error(serr))
			}
			w.cache.Invalidate(item.InstanceID)
			w.sessions.Invalidate(item.InstanceID)
			w.addStats(func(s *Stats) { s.EntriesCleanedUp++ })
			log.Warn("refresh requires re-authentication",
				zap.String("kind", string(re.Kind)),
				zap.String("new_oauth_status", string(model.OAuthFailed)),
			)
			return
		}
		// Transient: leave state untouched for the next cycle.
		w.addStats(func(s *Stats) { s.RefreshFailures++ })
		log.Warn("transient refresh failure", zap.Error(err))
		return
	}

	upd := model.CredentialUpdate{
		AccessToken:    res.AccessToken,
		RefreshToken:   res.RefreshToken,
		TokenExpiresAt: res.ExpiresAt,
		Scope:          res.Scope,
	}
	if err := w.store.UpdateCredentials(ctx, item.InstanceID, upd, item.CredentialsUpdatedAt); err != nil {
		if errors.Is(err, errs.ErrStaleWrite) {
			// Another writer refreshed first; their token is newer. Discard.
			log.Debug("refresh write lost race, result discarded")
			return
		}
		// Fail closed: do not leave a cache/session entry the store does
		// not back.
		w.cache.Invalidate(item.InstanceID)
		w.sessions.Invalidate(item.InstanceID)
		w.addStats(func(s *Stats) { s.RefreshFailures++ })
		log.Error("credential write-back failed", zap.Error(err))
		return
	}

	refreshToken := item.RefreshToken
	if res.RefreshToken != "" {
		refreshToken = res.RefreshToken
	}
	w.cache.Set(item.InstanceID, model.Snapshot{
		BearerToken:  res.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    res.ExpiresAt.Add(-w.ttlMargin),
		UserID:       item.UserID,
		Status:       model.StatusActive,
	})
	w.sessions.UpdateBearer(item.InstanceID, res.AccessToken)
	w.addStats(func(s *Stats) { s.TokensRefreshed++ })
	log.Info("token refreshed",
		zap.String("method", res.Method),
		zap.Time("expires_at", res.ExpiresAt),
		zap.Bool("rotated", res.RefreshToken != ""),
	)
}

func (w *Watcher) addStats(f func(*Stats)) {
	w.statsMu.Lock()
	f(&w.stats)
	w.statsMu.Unlock()
}

// Status returns a copy of the loop statistics.
func (w *Watcher) Status() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

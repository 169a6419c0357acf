// Package monitor reconciles instance status against wall-clock expiry and
// abandoned OAuth handshakes.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
)

// Store is the slice of the instance store the monitor needs.
type Store interface {
	GetInstance(ctx context.Context, id, userID uuid.UUID) (*model.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id, userID uuid.UUID, status model.InstanceStatus) error
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	ListExpiredActive(ctx context.Context, now time.Time) ([]model.Instance, error)
	ListStuckOAuth(ctx context.Context, status model.OAuthStatus, cutoff time.Time) ([]model.Instance, error)
}

// Evictor invalidates in-memory state tied to an instance.
type Evictor interface {
	Invalidate(id uuid.UUID) bool
}

// SessionEvictor mirrors Evictor for the session registry.
type SessionEvictor interface {
	Invalidate(id uuid.UUID)
}

// Stats counts reconciliation outcomes since process start.
type Stats struct {
	Sweeps           int64
	InstancesExpired int64
	FailedDeleted    int64
	PendingDeleted   int64
	LastSweep        time.Time
}

// Monitor is the background reconciliation loop.
type Monitor struct {
	store    Store
	cache    Evictor
	sessions SessionEvictor

	interval     time.Duration
	pendingGrace time.Duration
	failedGrace  time.Duration
	logger       *zap.Logger
	now          func() time.Time

	statsMu sync.Mutex
	stats   Stats

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor.
func New(store Store, cache Evictor, sessions SessionEvictor,
	interval, pendingGrace, failedGrace time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:        store,
		cache:        cache,
		sessions:     sessions,
		interval:     interval,
		pendingGrace: pendingGrace,
		failedGrace:  failedGrace,
		logger:       logger,
		now:          time.Now,
	}
}

// Start launches the periodic sweep.
func (m *Monitor) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
	m.logger.Info("expiration monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the sweep loop, waiting for an in-flight sweep bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	select {
	case <-m.done:
		m.stop = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.CheckExpiredInstances(ctx)
	m.CleanupFailedOAuthInstances(ctx)
	m.CleanupPendingOAuthInstances(ctx)

	m.statsMu.Lock()
	m.stats.Sweeps++
	m.stats.LastSweep = m.now()
	m.statsMu.Unlock()
}

// CheckExpiredInstances transitions active instances past their subscription
// deadline to expired and evicts their in-memory state.
func (m *Monitor) CheckExpiredInstances(ctx context.Context) {
	instances, err := m.store.ListExpiredActive(ctx, m.now())
	if err != nil {
		m.logger.Error("expired-instance scan failed", zap.Error(err))
		return
	}

	for i := range instances {
		inst := &instances[i]
		if err := m.expire(ctx, inst); err != nil {
			m.logger.Error("expire transition failed",
				zap.String("instance_id", inst.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (m *Monitor) expire(ctx context.Context, inst *model.Instance) error {
	if err := m.store.UpdateInstanceStatus(ctx, inst.ID, inst.UserID, model.StatusExpired); err != nil {
		return err
	}
	m.cache.Invalidate(inst.ID)
	m.sessions.Invalidate(inst.ID)
	m.addStats(func(s *Stats) { s.InstancesExpired++ })
	m.logger.Info("instance expired",
		zap.String("instance_id", inst.ID.String()),
		zap.String("user_id", inst.UserID.String()),
		zap.String("prior_status", string(inst.Status)),
		zap.String("new_status", string(model.StatusExpired)),
		zap.Timep("expires_at", inst.ExpiresAt),
	)
	return nil
}

// CleanupFailedOAuthInstances deletes instances stuck in a failed handshake
// beyond the grace period. They never became usable; credentials cascade.
func (m *Monitor) CleanupFailedOAuthInstances(ctx context.Context) {
	cutoff := m.now().Add(-m.failedGrace)
	m.cleanupStuck(ctx, model.OAuthFailed, cutoff, func(s *Stats) { s.FailedDeleted++ })
}

// CleanupPendingOAuthInstances deletes abandoned handshakes: instances still
// pending beyond the short grace window.
func (m *Monitor) CleanupPendingOAuthInstances(ctx context.Context) {
	cutoff := m.now().Add(-m.pendingGrace)
	m.cleanupStuck(ctx, model.OAuthPending, cutoff, func(s *Stats) { s.PendingDeleted++ })
}

func (m *Monitor) cleanupStuck(ctx context.Context, status model.OAuthStatus, cutoff time.Time, bump func(*Stats)) {
	instances, err := m.store.ListStuckOAuth(ctx, status, cutoff)
	if err != nil {
		m.logger.Error("stuck-oauth scan failed",
			zap.String("oauth_status", string(status)),
			zap.Error(err),
		)
		return
	}

	for i := range instances {
		inst := &instances[i]
		if err := m.store.DeleteInstance(ctx, inst.ID); err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				m.logger.Error("stuck-oauth delete failed",
					zap.String("instance_id", inst.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		m.cache.Invalidate(inst.ID)
		m.sessions.Invalidate(inst.ID)
		m.addStats(bump)
		m.logger.Info("stuck instance deleted",
			zap.String("instance_id", inst.ID.String()),
			zap.String("user_id", inst.UserID.String()),
			zap.String("prior_status", string(inst.Status)),
			zap.String("oauth_status", string(status)),
		)
	}
}

// CheckSingleInstance reconciles one instance on demand, returning true when
// it transitioned to expired. Callers are not forced to wait for a sweep.
func (m *Monitor) CheckSingleInstance(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	inst, err := m.store.GetInstance(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if inst.Status != model.StatusActive || inst.ExpiresAt == nil || inst.ExpiresAt.After(m.now()) {
		return false, nil
	}
	if err := m.expire(ctx, inst); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Monitor) addStats(f func(*Stats)) {
	m.statsMu.Lock()
	f(&m.stats)
	m.statsMu.Unlock()
}

// Status returns a copy of the sweep statistics.
func (m *Monitor) Status() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

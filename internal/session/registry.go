// Package session keeps long-lived protocol handlers, one per instance,
// with idle-timeout eviction.
package session

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Handler is a stateful protocol handler for one instance. Implementations
// hold provider-specific state and must release it in Close.
type Handler interface {
	// UpdateBearer swaps the bearer token in place after a refresh.
	UpdateBearer(token string)
	// Close releases handler-held resources.
	Close() error
}

// Config carries provider settings to the handler factory.
type Config struct {
	Provider string
	Settings map[string]string
}

// Factory constructs a handler for an instance.
type Factory func(instanceID uuid.UUID, cfg Config, bearer string) (Handler, error)

// Stats reports registry contents for observability.
type Stats struct {
	ActiveSessions int
	Keys           []string
}

type entry struct {
	h            Handler
	bearer       string
	createdAt    time.Time
	lastAccessed time.Time
	metadata     Config
}

// Registry maps instance id -> live handler. At most one handler per id is
// live at a time; concurrent callers for the same id observe the same one.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	factory       Factory
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewRegistry constructs a registry. Defaults: 30m idle timeout, 5m sweep.
func NewRegistry(factory Factory, idleTimeout, sweepInterval time.Duration, logger *zap.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:       make(map[uuid.UUID]*entry),
		factory:       factory,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
	}
}

// GetOrCreate returns the live handler for an instance, constructing one if
// absent. When the bearer token changed since the handler was built, it is
// updated in place. Construction happens under the registry lock, so it is
// idempotent per id.
func (r *Registry) GetOrCreate(instanceID uuid.UUID, cfg Config, bearer string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[instanceID]; ok {
		e.lastAccessed = r.now()
		if e.bearer != bearer {
			e.h.UpdateBearer(bearer)
			e.bearer = bearer
		}
		return e.h, nil
	}

	h, err := r.factory(instanceID, cfg, bearer)
	if err != nil {
		return nil, err
	}
	now := r.now()
	r.entries[instanceID] = &entry{
		h:            h,
		bearer:       bearer,
		createdAt:    now,
		lastAccessed: now,
		metadata:     cfg,
	}
	r.logger.Info("session created",
		zap.String("instance_id", instanceID.String()),
		zap.String("provider", cfg.Provider),
	)
	return h, nil
}

// UpdateBearer swaps the bearer on a live handler after a watcher refresh,
// reporting whether a session existed. No session is created.
func (r *Registry) UpdateBearer(instanceID uuid.UUID, bearer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[instanceID]
	if !ok {
		return false
	}
	if e.bearer != bearer {
		e.h.UpdateBearer(bearer)
		e.bearer = bearer
	}
	return true
}

// Remove closes and drops the handler, reporting whether one existed.
func (r *Registry) Remove(instanceID uuid.UUID) bool {
	r.mu.Lock()
	e, ok := r.entries[instanceID]
	delete(r.entries, instanceID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := e.h.Close(); err != nil {
		r.logger.Warn("session close failed",
			zap.String("instance_id", instanceID.String()),
			zap.Error(err),
		)
	}
	return true
}

// Invalidate drops the handler on credential rotation or revocation, so a
// stale session never serves a request with a dead token.
func (r *Registry) Invalidate(instanceID uuid.UUID) { r.Remove(instanceID) }

// CleanupExpired removes sessions idle beyond the timeout and returns the
// count removed.
func (r *Registry) CleanupExpired() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var victims []uuid.UUID
	var handlers []Handler
	for id, e := range r.entries {
		if e.lastAccessed.Before(cutoff) {
			victims = append(victims, id)
			handlers = append(handlers, e.h)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for i, id := range victims {
		if err := handlers[i].Close(); err != nil {
			r.logger.Warn("idle session close failed",
				zap.String("instance_id", id.String()),
				zap.Error(err),
			)
		}
	}
	if len(victims) > 0 {
		r.logger.Info("idle sessions removed", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Start launches the periodic idle sweep.
func (r *Registry) Start() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CleanupExpired()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

// Shutdown closes every live handler.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handlers := make([]Handler, 0, len(r.entries))
	for _, e := range r.entries {
		handlers = append(handlers, e.h)
	}
	r.entries = make(map[uuid.UUID]*entry)
	r.mu.Unlock()

	for _, h := range handlers {
		_ = h.Close()
	}
}

// Stats returns current session count and keys.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for id := range r.entries {
		keys = append(keys, id.String())
	}
	return Stats{ActiveSessions: len(r.entries), Keys: keys}
}

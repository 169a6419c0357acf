package session

import (
	"sync"

	"github.com/gofrs/uuid/v5"
)

// BearerHandler is the default handler: it holds provider settings and the
// current bearer token for transports that attach it per request. Providers
// with connection state supply their own Factory instead.
type BearerHandler struct {
	mu     sync.RWMutex
	cfg    Config
	bearer string
}

// NewBearerFactory returns a Factory producing BearerHandlers.
func NewBearerFactory() Factory {
	return func(_ uuid.UUID, cfg Config, bearer string) (Handler, error) {
		return &BearerHandler{cfg: cfg, bearer: bearer}, nil
	}
}

func (h *BearerHandler) UpdateBearer(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bearer = token
}

// Bearer returns the current token.
func (h *BearerHandler) Bearer() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bearer
}

func (h *BearerHandler) Close() error { return nil }

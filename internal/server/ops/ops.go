// Package ops exposes the operational HTTP surface: component status, manual
// triggers, and admin lifecycle actions. It is not a user-facing API.
package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/aseleznov/connectord/internal/cache"
	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/monitor"
	"github.com/aseleznov/connectord/internal/service"
	"github.com/aseleznov/connectord/internal/session"
	"github.com/aseleznov/connectord/internal/watcher"
)

// Deps are the live components the router operates on.
type Deps struct {
	Watcher  *watcher.Watcher
	Monitor  *monitor.Monitor
	Registry *session.Registry
	Cache    *cache.Store
	Service  service.InstanceService
	Logger   *zap.Logger
}

// NewRouter builds the ops router.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{deps: d, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status/watcher", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Watcher.Status())
	})
	r.Get("/status/monitor", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Monitor.Status())
	})
	r.Get("/status/registry", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Registry.Stats())
	})
	r.Get("/status/cache", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Cache.Stats())
	})

	r.Post("/watcher/cycle", s.triggerCycle)

	r.Route("/instances/{id}", func(r chi.Router) {
		r.Post("/check", s.checkExpiry)
		r.Post("/activate", s.lifecycle(func(req *http.Request, userID, id uuid.UUID) error {
			return d.Service.Activate(req.Context(), userID, id)
		}))
		r.Post("/deactivate", s.lifecycle(func(req *http.Request, userID, id uuid.UUID) error {
			return d.Service.Deactivate(req.Context(), userID, id)
		}))
		r.Post("/renew", s.renew)
		r.Delete("/", s.lifecycle(func(req *http.Request, userID, id uuid.UUID) error {
			return d.Service.Revoke(req.Context(), userID, id)
		}))
	})

	return r
}

type server struct {
	deps   Deps
	logger *zap.Logger
}

func (s *server) triggerCycle(w http.ResponseWriter, req *http.Request) {
	if err := s.deps.Watcher.TriggerCycle(req.Context()); err != nil {
		s.logger.Error("manual watcher cycle failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Watcher.Status())
}

// checkExpiry runs an immediate expiry check for one instance, outside the
// sweep schedule.
func (s *server) checkExpiry(w http.ResponseWriter, req *http.Request) {
	id, userID, ok := pathIDs(w, req)
	if !ok {
		return
	}
	expired, err := s.deps.Monitor.CheckSingleInstance(req.Context(), id, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func (s *server) lifecycle(action func(req *http.Request, userID, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, userID, ok := pathIDs(w, req)
		if !ok {
			return
		}
		if err := action(req, userID, id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *server) renew(w http.ResponseWriter, req *http.Request) {
	id, userID, ok := pathIDs(w, req)
	if !ok {
		return
	}
	validity, err := time.ParseDuration(req.URL.Query().Get("validity"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid validity"})
		return
	}
	if err := s.deps.Service.Renew(req.Context(), userID, id, validity); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathIDs(w http.ResponseWriter, req *http.Request) (id, userID uuid.UUID, ok bool) {
	id, err := uuid.FromString(chi.URLParam(req, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid instance id"})
		return uuid.Nil, uuid.Nil, false
	}
	userID, err = uuid.FromString(req.URL.Query().Get("user_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user_id"})
		return uuid.Nil, uuid.Nil, false
	}
	return id, userID, true
}

func writeErr(w http.ResponseWriter, err error) {
	var ae *errs.AuthError
	switch {
	case errors.As(err, &ae):
		code := http.StatusForbidden
		if ae.Code == errs.InstanceNotFound {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"error": ae.Error(), "code": string(ae.Code)})
	case errors.Is(err, errs.ErrOAuthIncomplete):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

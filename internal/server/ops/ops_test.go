package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/aseleznov/connectord/internal/cache"
	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
	"github.com/aseleznov/connectord/internal/monitor"
	"github.com/aseleznov/connectord/internal/session"
	"github.com/aseleznov/connectord/internal/watcher"
)

type stubStore struct {
	instance *model.Instance
}

func (s *stubStore) GetInstance(_ context.Context, id, userID uuid.UUID) (*model.Instance, error) {
	if s.instance == nil || s.instance.ID != id || s.instance.UserID != userID {
		return nil, errs.ErrNotFound
	}
	cpy := *s.instance
	return &cpy, nil
}

func (s *stubStore) UpdateInstanceStatus(_ context.Context, _, _ uuid.UUID, status model.InstanceStatus) error {
	s.instance.Status = status
	return nil
}

func (s *stubStore) DeleteInstance(context.Context, uuid.UUID) error { return nil }

func (s *stubStore) ListExpiredActive(context.Context, time.Time) ([]model.Instance, error) {
	return nil, nil
}

func (s *stubStore) ListStuckOAuth(context.Context, model.OAuthStatus, time.Time) ([]model.Instance, error) {
	return nil, nil
}

func (s *stubStore) ListExpiringCredentials(context.Context, time.Time) ([]model.ExpiringCredential, error) {
	return nil, nil
}

func (s *stubStore) UpdateCredentials(context.Context, uuid.UUID, model.CredentialUpdate, time.Time) error {
	return nil
}

func (s *stubStore) SetOAuthStatus(context.Context, uuid.UUID, model.OAuthStatus) error { return nil }

type fakeService struct {
	activateErr error
	lastUser    uuid.UUID
	lastID      uuid.UUID
	renewedFor  time.Duration
}

func (f *fakeService) Activate(_ context.Context, userID, id uuid.UUID) error {
	f.lastUser, f.lastID = userID, id
	return f.activateErr
}

func (f *fakeService) Deactivate(_ context.Context, userID, id uuid.UUID) error {
	f.lastUser, f.lastID = userID, id
	return nil
}

func (f *fakeService) Renew(_ context.Context, userID, id uuid.UUID, validity time.Duration) error {
	f.lastUser, f.lastID, f.renewedFor = userID, id, validity
	return nil
}

func (f *fakeService) GetCredential(context.Context, uuid.UUID) (*model.Snapshot, error) {
	return nil, errs.ErrNotFound
}

func (f *fakeService) GetOrCreateHandler(context.Context, uuid.UUID, session.Config) (session.Handler, error) {
	return nil, errs.ErrNotFound
}

func (f *fakeService) CompleteOAuth(context.Context, uuid.UUID, uuid.UUID, *model.Credential) error {
	return nil
}

func (f *fakeService) UpdateCredentials(context.Context, uuid.UUID, uuid.UUID, *model.Credential) error {
	return nil
}

func (f *fakeService) Revoke(_ context.Context, userID, id uuid.UUID) error {
	f.lastUser, f.lastID = userID, id
	return nil
}

func newTestRouter(store *stubStore, svc *fakeService) http.Handler {
	credCache := cache.New()
	registry := session.NewRegistry(session.NewBearerFactory(), time.Minute, time.Minute, nil)
	w := watcher.New(store, nil, credCache, registry, time.Minute, time.Minute, time.Minute, nil)
	m := monitor.New(store, credCache, registry, time.Minute, time.Minute, time.Hour, nil)
	return NewRouter(Deps{
		Watcher:  w,
		Monitor:  m,
		Registry: registry,
		Cache:    credCache,
		Service:  svc,
	})
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(&stubStore{}, &fakeService{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	r := newTestRouter(&stubStore{}, &fakeService{})
	for _, path := range []string{"/status/watcher", "/status/monitor", "/status/registry", "/status/cache"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
}

func TestTriggerCycle(t *testing.T) {
	r := newTestRouter(&stubStore{}, &fakeService{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/watcher/cycle", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats watcher.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.TotalRuns)
}

func TestActivate_OK(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(&stubStore{}, svc)
	id := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+id.String()+"/activate?user_id="+userID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, svc.lastID)
	require.Equal(t, userID, svc.lastUser)
}

func TestActivate_LimitMapsToForbidden(t *testing.T) {
	svc := &fakeService{activateErr: errs.LimitReached(3, 3)}
	r := newTestRouter(&stubStore{}, svc)
	id := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+id.String()+"/activate?user_id="+userID.String(), nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ACTIVE_LIMIT_REACHED", body["code"])
}

func TestActivate_BadIDs(t *testing.T) {
	r := newTestRouter(&stubStore{}, &fakeService{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/instances/not-a-uuid/activate", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+uuid.Must(uuid.NewV4()).String()+"/activate?user_id=nope", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenew_ParsesValidity(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(&stubStore{}, svc)
	id := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+id.String()+"/renew?user_id="+userID.String()+"&validity=720h", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 720*time.Hour, svc.renewedFor)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+id.String()+"/renew?user_id="+userID.String()+"&validity=soon", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckExpiry(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())
	past := time.Now().Add(-time.Hour)
	store := &stubStore{instance: &model.Instance{
		ID: id, UserID: userID, Status: model.StatusActive, ExpiresAt: &past,
	}}
	r := newTestRouter(store, &fakeService{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+id.String()+"/check?user_id="+userID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body["expired"])
	require.Equal(t, model.StatusExpired, store.instance.Status)
}

func TestCheckExpiry_UnknownInstance(t *testing.T) {
	r := newTestRouter(&stubStore{}, &fakeService{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/instances/"+uuid.Must(uuid.NewV4()).String()+"/check?user_id="+uuid.Must(uuid.NewV4()).String(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

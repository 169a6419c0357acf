package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
	"github.com/aseleznov/connectord/internal/refresh"
	"github.com/aseleznov/connectord/internal/repository"
	"github.com/aseleznov/connectord/internal/session"
)

type fakeRepo struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*model.Instance
	creds     map[uuid.UUID]*model.Credential

	replaceErr error
	touched    int
}

var _ repository.InstanceRepository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		instances: map[uuid.UUID]*model.Instance{},
		creds:     map[uuid.UUID]*model.Credential{},
	}
}

func (f *fakeRepo) add(inst model.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := inst
	f.instances[inst.ID] = &cpy
}

func (f *fakeRepo) addCred(cred model.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := cred
	f.creds[cred.InstanceID] = &cpy
}

func (f *fakeRepo) GetInstance(_ context.Context, id, userID uuid.UUID) (*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || inst.UserID != userID {
		return nil, errs.ErrNotFound
	}
	cpy := *inst
	return &cpy, nil
}

func (f *fakeRepo) GetInstanceByID(_ context.Context, id uuid.UUID) (*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *inst
	return &cpy, nil
}

func (f *fakeRepo) GetCredential(_ context.Context, id uuid.UUID) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.creds[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *cred
	return &cpy, nil
}

func (f *fakeRepo) UpdateInstanceStatus(_ context.Context, id, userID uuid.UUID, status model.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || inst.UserID != userID {
		return errs.ErrNotFound
	}
	inst.Status = status
	return nil
}

func (f *fakeRepo) SetOAuthStatus(_ context.Context, id uuid.UUID, status model.OAuthStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return errs.ErrNotFound
	}
	inst.OAuthStatus = status
	return nil
}

func (f *fakeRepo) UpdateCredentials(_ context.Context, id uuid.UUID, upd model.CredentialUpdate, prevUpdatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return errs.ErrNotFound
	}
	if !inst.CredentialsUpdatedAt.Equal(prevUpdatedAt) {
		return errs.ErrStaleWrite
	}
	inst.CredentialsUpdatedAt = time.Now()
	cred := f.creds[id]
	cred.AccessToken = upd.AccessToken
	if upd.RefreshToken != "" {
		cred.RefreshToken = upd.RefreshToken
	}
	cred.TokenExpiresAt = upd.TokenExpiresAt
	return nil
}

func (f *fakeRepo) ReplaceCredentials(_ context.Context, cred *model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	cpy := *cred
	f.creds[cred.InstanceID] = &cpy
	if inst, ok := f.instances[cred.InstanceID]; ok {
		inst.CredentialsUpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) DeleteInstance(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return errs.ErrNotFound
	}
	delete(f.instances, id)
	delete(f.creds, id)
	return nil
}

func (f *fakeRepo) ListExpiringCredentials(_ context.Context, _ time.Time) ([]model.ExpiringCredential, error) {
	return nil, nil
}

func (f *fakeRepo) ListExpiredActive(_ context.Context, _ time.Time) ([]model.Instance, error) {
	return nil, nil
}

func (f *fakeRepo) ListStuckOAuth(_ context.Context, _ model.OAuthStatus, _ time.Time) ([]model.Instance, error) {
	return nil, nil
}

func (f *fakeRepo) TouchUsage(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

// fakeGate serializes activations with a real lock and enforces a ceiling,
// mirroring the row-locked transaction in the store.
type fakeGate struct {
	mu   sync.Mutex
	repo *fakeRepo
	max  int

	err error
}

var _ repository.PlanGate = (*fakeGate)(nil)

func (g *fakeGate) ActivateInstance(_ context.Context, userID, instanceID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	return g.flip(userID, instanceID, nil)
}

func (g *fakeGate) RenewInstance(_ context.Context, userID, instanceID uuid.UUID, newExpiry time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	return g.flip(userID, instanceID, &newExpiry)
}

func (g *fakeGate) flip(userID, instanceID uuid.UUID, newExpiry *time.Time) error {
	g.repo.mu.Lock()
	defer g.repo.mu.Unlock()
	count := 0
	for id, inst := range g.repo.instances {
		if inst.UserID == userID && inst.Status == model.StatusActive && id != instanceID {
			count++
		}
	}
	if count >= g.max {
		return errs.LimitReached(count, g.max)
	}
	inst := g.repo.instances[instanceID]
	inst.Status = model.StatusActive
	if newExpiry != nil {
		inst.ExpiresAt = newExpiry
	}
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]model.Snapshot
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[uuid.UUID]model.Snapshot{}} }

func (f *fakeCache) Get(id uuid.UUID) (model.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.entries[id]
	return snap, ok
}

func (f *fakeCache) Set(id uuid.UUID, snap model.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = snap
}

func (f *fakeCache) Invalidate(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	delete(f.entries, id)
	return ok
}

type fakeSessions struct {
	mu          sync.Mutex
	invalidated []uuid.UUID
	created     []uuid.UUID
}

func (f *fakeSessions) GetOrCreate(id uuid.UUID, _ session.Config, _ string) (session.Handler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return nil, nil
}

func (f *fakeSessions) Invalidate(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

type fakeRefresher struct {
	res    *refresh.Result
	err    error
	onCall func()
	calls  int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ refresh.Request) (*refresh.Result, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fixture struct {
	repo     *fakeRepo
	gate     *fakeGate
	cache    *fakeCache
	sessions *fakeSessions
	eng      *fakeRefresher
	svc      *InstanceServiceImpl
}

func newFixture(maxActive int) *fixture {
	repo := newFakeRepo()
	f := &fixture{
		repo:     repo,
		gate:     &fakeGate{repo: repo, max: maxActive},
		cache:    newFakeCache(),
		sessions: &fakeSessions{},
		eng:      &fakeRefresher{},
	}
	f.svc = NewInstanceService(repo, f.gate, f.cache, f.sessions, f.eng, 2*time.Minute, nil)
	return f
}

func inactiveInstance(userID uuid.UUID) model.Instance {
	return model.Instance{
		ID:                   uuid.Must(uuid.NewV4()),
		UserID:               userID,
		Provider:             "mail",
		Status:               model.StatusInactive,
		OAuthStatus:          model.OAuthCompleted,
		CredentialsUpdatedAt: time.Now().Add(-time.Hour),
	}
}

func TestActivate_OK(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	fx.repo.add(inst)

	require.NoError(t, fx.svc.Activate(context.Background(), userID, inst.ID))
	got, _ := fx.repo.GetInstance(context.Background(), inst.ID, userID)
	require.Equal(t, model.StatusActive, got.Status)
}

func TestActivate_RequiresCompletedOAuth(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.OAuthStatus = model.OAuthPending
	fx.repo.add(inst)

	err := fx.svc.Activate(context.Background(), userID, inst.ID)
	require.ErrorIs(t, err, errs.ErrOAuthIncomplete)
}

func TestActivate_APIKeyProviderNeedsNoHandshake(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.OAuthStatus = model.OAuthNone
	fx.repo.add(inst)

	require.NoError(t, fx.svc.Activate(context.Background(), userID, inst.ID))
}

func TestActivate_ExpiredRejected(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusExpired
	fx.repo.add(inst)

	err := fx.svc.Activate(context.Background(), userID, inst.ID)
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, errs.InstanceExpired, ae.Code)
}

func TestActivate_NotFound(t *testing.T) {
	fx := newFixture(5)
	err := fx.svc.Activate(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()))
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, errs.InstanceNotFound, ae.Code)
}

func TestActivate_ConcurrentBoundedByPlan(t *testing.T) {
	const maxActive = 3
	const attempts = maxActive + 5

	fx := newFixture(maxActive)
	userID := uuid.Must(uuid.NewV4())
	ids := make([]uuid.UUID, attempts)
	for i := range ids {
		inst := inactiveInstance(userID)
		fx.repo.add(inst)
		ids[i] = inst.ID
	}

	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = fx.svc.Activate(context.Background(), userID, ids[i])
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var ae *errs.AuthError
		require.ErrorAs(t, err, &ae)
		require.Equal(t, errs.ActiveLimitReached, ae.Code)
	}
	require.Equal(t, maxActive, succeeded, "exactly max_instances activations may commit")
}

func TestRenew_NonExpiredRejected(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)

	err := fx.svc.Renew(context.Background(), userID, inst.ID, time.Hour)
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, errs.InstanceNotExpired, ae.Code)
}

func TestRenew_OverLimitLeavesExpired(t *testing.T) {
	fx := newFixture(1)
	userID := uuid.Must(uuid.NewV4())

	active := inactiveInstance(userID)
	active.Status = model.StatusActive
	fx.repo.add(active)

	expired := inactiveInstance(userID)
	expired.Status = model.StatusExpired
	fx.repo.add(expired)

	err := fx.svc.Renew(context.Background(), userID, expired.ID, time.Hour)
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, errs.ActiveLimitReached, ae.Code)
	require.Equal(t, 1, ae.Count)
	require.Equal(t, 1, ae.Max)

	got, _ := fx.repo.GetInstance(context.Background(), expired.ID, userID)
	require.Equal(t, model.StatusExpired, got.Status, "failed renewal leaves the instance expired")
}

func TestRenew_OK_ConsumesSlot(t *testing.T) {
	fx := newFixture(1)
	userID := uuid.Must(uuid.NewV4())
	expired := inactiveInstance(userID)
	expired.Status = model.StatusExpired
	fx.repo.add(expired)

	require.NoError(t, fx.svc.Renew(context.Background(), userID, expired.ID, time.Hour))
	got, _ := fx.repo.GetInstance(context.Background(), expired.ID, userID)
	require.Equal(t, model.StatusActive, got.Status)
	require.NotNil(t, got.ExpiresAt)
}

func TestDeactivate_EvictsEverywhere(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)
	fx.cache.Set(inst.ID, model.Snapshot{BearerToken: "tok"})

	require.NoError(t, fx.svc.Deactivate(context.Background(), userID, inst.ID))
	_, ok := fx.cache.Get(inst.ID)
	require.False(t, ok)
	require.Contains(t, fx.sessions.invalidated, inst.ID)
}

func TestGetCredential_CacheHit(t *testing.T) {
	fx := newFixture(5)
	id := uuid.Must(uuid.NewV4())
	fx.cache.Set(id, model.Snapshot{BearerToken: "cached", ExpiresAt: time.Now().Add(time.Hour)})

	snap, err := fx.svc.GetCredential(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "cached", snap.BearerToken)
	require.Equal(t, 1, fx.repo.touched)
}

func TestGetCredential_ReadThroughPopulatesCache(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)
	exp := time.Now().Add(time.Hour)
	fx.repo.addCred(model.Credential{InstanceID: inst.ID, AccessToken: "at", TokenExpiresAt: exp})

	snap, err := fx.svc.GetCredential(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, "at", snap.BearerToken)
	require.Equal(t, exp.Add(-2*time.Minute), snap.ExpiresAt)
	require.Equal(t, userID, snap.UserID)

	cached, ok := fx.cache.Get(inst.ID)
	require.True(t, ok)
	require.Equal(t, "at", cached.BearerToken)
	require.Equal(t, 0, fx.eng.calls)
}

func TestGetCredential_ExpiredInstance(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusExpired
	fx.repo.add(inst)

	_, err := fx.svc.GetCredential(context.Background(), inst.ID)
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, errs.InstanceExpired, ae.Code)
}

func TestGetCredential_StaleTokenRefreshedInline(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)
	fx.repo.addCred(model.Credential{
		InstanceID: inst.ID, AccessToken: "dead", RefreshToken: "rt",
		TokenExpiresAt: time.Now().Add(-time.Minute),
	})
	fx.eng.res = &refresh.Result{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}

	snap, err := fx.svc.GetCredential(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh", snap.BearerToken)
	require.Equal(t, 1, fx.eng.calls)

	cred, _ := fx.repo.GetCredential(context.Background(), inst.ID)
	require.Equal(t, "fresh", cred.AccessToken)
}

func TestGetCredential_StaleNoRefreshToken(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)
	fx.repo.addCred(model.Credential{
		InstanceID: inst.ID, AccessToken: "dead",
		TokenExpiresAt: time.Now().Add(-time.Minute),
	})

	_, err := fx.svc.GetCredential(context.Background(), inst.ID)
	require.ErrorIs(t, err, errs.ErrCredentialExpired)
}

func TestGetCredential_ReauthFlagsInstance(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)
	fx.repo.addCred(model.Credential{
		InstanceID: inst.ID, AccessToken: "dead", RefreshToken: "rt",
		TokenExpiresAt: time.Now().Add(-time.Minute),
	})
	fx.eng.err = &errs.RefreshError{Kind: errs.InvalidRefreshToken}

	_, err := fx.svc.GetCredential(context.Background(), inst.ID)
	require.ErrorIs(t, err, errs.ErrCredentialExpired)

	got, _ := fx.repo.GetInstance(context.Background(), inst.ID, userID)
	require.Equal(t, model.OAuthFailed, got.OAuthStatus)
	require.Contains(t, fx.sessions.invalidated, inst.ID)
}

func TestGetCredential_LostRefreshRaceReloads(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)
	fx.repo.addCred(model.Credential{
		InstanceID: inst.ID, AccessToken: "dead", RefreshToken: "rt",
		TokenExpiresAt: time.Now().Add(-time.Minute),
	})

	// A concurrent writer commits while our refresh is in flight: our
	// conditional write then loses on the freshness marker.
	fx.eng.res = &refresh.Result{AccessToken: "loser", ExpiresAt: time.Now().Add(time.Hour)}
	fx.eng.onCall = func() {
		require.NoError(t, fx.repo.UpdateCredentials(context.Background(), inst.ID, model.CredentialUpdate{
			AccessToken: "winner", TokenExpiresAt: time.Now().Add(time.Hour),
		}, inst.CredentialsUpdatedAt))
	}

	snap, err := fx.svc.GetCredential(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, "winner", snap.BearerToken, "losing refresh adopts the committed token")
}

func TestCompleteOAuth_PendingLandsInactive(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusPendingOAuth
	inst.OAuthStatus = model.OAuthPending
	fx.repo.add(inst)

	err := fx.svc.CompleteOAuth(context.Background(), userID, inst.ID, &model.Credential{
		AccessToken: "at", RefreshToken: "rt", TokenExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	got, _ := fx.repo.GetInstance(context.Background(), inst.ID, userID)
	require.Equal(t, model.StatusInactive, got.Status)
	require.Equal(t, model.OAuthCompleted, got.OAuthStatus)
}

func TestUpdateCredentials_RotationInvalidatesSession(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	inst.Status = model.StatusActive
	fx.repo.add(inst)

	err := fx.svc.UpdateCredentials(context.Background(), userID, inst.ID, &model.Credential{
		AccessToken: "rotated", TokenExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.Contains(t, fx.sessions.invalidated, inst.ID)
	cached, ok := fx.cache.Get(inst.ID)
	require.True(t, ok)
	require.Equal(t, "rotated", cached.BearerToken)
}

func TestUpdateCredentials_StoreFailureFailsClosed(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	fx.repo.add(inst)
	fx.cache.Set(inst.ID, model.Snapshot{BearerToken: "stale"})
	fx.repo.replaceErr = errors.New("write failed")

	err := fx.svc.UpdateCredentials(context.Background(), userID, inst.ID, &model.Credential{AccessToken: "x"})
	require.Error(t, err)
	_, ok := fx.cache.Get(inst.ID)
	require.False(t, ok, "cache entry must not outlive a failed store write")
	require.Contains(t, fx.sessions.invalidated, inst.ID)
}

func TestRevoke_EvictsEverywhere(t *testing.T) {
	fx := newFixture(5)
	userID := uuid.Must(uuid.NewV4())
	inst := inactiveInstance(userID)
	fx.repo.add(inst)
	fx.repo.addCred(model.Credential{InstanceID: inst.ID, AccessToken: "at"})
	fx.cache.Set(inst.ID, model.Snapshot{})

	require.NoError(t, fx.svc.Revoke(context.Background(), userID, inst.ID))

	_, err := fx.repo.GetInstance(context.Background(), inst.ID, userID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, ok := fx.cache.Get(inst.ID)
	require.False(t, ok)
	require.Contains(t, fx.sessions.invalidated, inst.ID)
}

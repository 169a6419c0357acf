package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/aseleznov/connectord/internal/crypto"
	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
)

// InstanceRepo implements InstanceRepository and PlanGate using PostgreSQL.
// Token columns are sealed/unsealed at the SQL boundary with the instance id
// as AAD.
type InstanceRepo struct {
	db     *DB
	sealer *crypto.Sealer
}

// NewInstanceRepo constructs an instance repository.
func NewInstanceRepo(db *DB, sealer *crypto.Sealer) *InstanceRepo {
	return &InstanceRepo{db: db, sealer: sealer}
}

const instanceColumns = `id, user_id, provider, status, oauth_status, expires_at, usage_count, last_used_at, credentials_updated_at, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanInstance(row rowScanner) (*model.Instance, error) {
	var (
		inst   model.Instance
		status string
		oauth  *string
	)
	err := row.Scan(&inst.ID, &inst.UserID, &inst.Provider, &status, &oauth,
		&inst.ExpiresAt, &inst.UsageCount, &inst.LastUsedAt,
		&inst.CredentialsUpdatedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = model.InstanceStatus(status)
	if oauth != nil {
		inst.OAuthStatus = model.OAuthStatus(*oauth)
	}
	return &inst, nil
}

// GetInstance selects an instance by ID scoped to its owner.
func (r *InstanceRepo) GetInstance(ctx context.Context, id, userID uuid.UUID) (*model.Instance, error) {
	const q = `
SELECT ` + instanceColumns + `
FROM instances WHERE id=$1 AND user_id=$2`
	inst, err := scanInstance(r.db.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

// GetInstanceByID selects an instance by ID without owner scoping.
func (r *InstanceRepo) GetInstanceByID(ctx context.Context, id uuid.UUID) (*model.Instance, error) {
	const q = `
SELECT ` + instanceColumns + `
FROM instances WHERE id=$1`
	inst, err := scanInstance(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

// GetCredential selects and unseals the credential row for an instance.
func (r *InstanceRepo) GetCredential(ctx context.Context, id uuid.UUID) (*model.Credential, error) {
	const q = `
SELECT instance_id, access_token_enc, refresh_token_enc, token_expires_at, scope, client_id, client_secret_enc, token_url
FROM credentials WHERE instance_id=$1`
	var (
		cred       model.Credential
		accessEnc  []byte
		refreshEnc []byte
		secretEnc  []byte
	)
	row := r.db.Pool.QueryRow(ctx, q, id)
	err := row.Scan(&cred.InstanceID, &accessEnc, &refreshEnc, &cred.TokenExpiresAt,
		&cred.Scope, &cred.ClientID, &secretEnc, &cred.TokenURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	aad := id.Bytes()
	if cred.AccessToken, err = r.sealer.Open(aad, accessEnc); err != nil {
		return nil, err
	}
	if refreshEnc != nil {
		if cred.RefreshToken, err = r.sealer.Open(aad, refreshEnc); err != nil {
			return nil, err
		}
	}
	if secretEnc != nil {
		if cred.ClientSecret, err = r.sealer.Open(aad, secretEnc); err != nil {
			return nil, err
		}
	}
	return &cred, nil
}

// UpdateInstanceStatus flips the operational status conditional on ownership.
func (r *InstanceRepo) UpdateInstanceStatus(ctx context.Context, id, userID uuid.UUID, status model.InstanceStatus) error {
	const q = `
UPDATE instances SET status=$3, updated_at=now() WHERE id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, userID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetOAuthStatus records handshake progress.
func (r *InstanceRepo) SetOAuthStatus(ctx context.Context, id uuid.UUID, status model.OAuthStatus) error {
	const q = `
UPDATE instances SET oauth_status=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateCredentials writes a refresh result conditional on the previous
// freshness marker. A concurrent refresh that already bumped the marker wins;
// this write then returns ErrStaleWrite without touching the row.
func (r *InstanceRepo) UpdateCredentials(ctx context.Context, id uuid.UUID, upd model.CredentialUpdate, prevUpdatedAt time.Time) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const mark = `
UPDATE instances SET credentials_updated_at=now(), updated_at=now()
WHERE id=$1 AND credentials_updated_at=$2`
	tag, err := tx.Exec(ctx, mark, id, prevUpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrStaleWrite
	}

	aad := id.Bytes()
	accessEnc, err := r.sealer.Seal(aad, upd.AccessToken)
	if err != nil {
		return err
	}
	var refreshEnc []byte // nil keeps the stored refresh token (no rotation)
	if upd.RefreshToken != "" {
		if refreshEnc, err = r.sealer.Seal(aad, upd.RefreshToken); err != nil {
			return err
		}
	}

	const write = `
UPDATE credentials
SET access_token_enc=$2, refresh_token_enc=COALESCE($3, refresh_token_enc), token_expires_at=$4, scope=$5
WHERE instance_id=$1`
	if _, err = tx.Exec(ctx, write, id, accessEnc, refreshEnc, upd.TokenExpiresAt, upd.Scope); err != nil {
		return err
	}
	return nil
}

// ReplaceCredentials overwrites the credential row unconditionally and bumps
// the freshness marker. Used for user-supplied rotation and OAuth completion.
func (r *InstanceRepo) ReplaceCredentials(ctx context.Context, cred *model.Credential) (err error) {
	aad := cred.InstanceID.Bytes()
	accessEnc, err := r.sealer.Seal(aad, cred.AccessToken)
	if err != nil {
		return err
	}
	var refreshEnc []byte
	if cred.RefreshToken != "" {
		if refreshEnc, err = r.sealer.Seal(aad, cred.RefreshToken); err != nil {
			return err
		}
	}
	var secretEnc []byte
	if cred.ClientSecret != "" {
		if secretEnc, err = r.sealer.Seal(aad, cred.ClientSecret); err != nil {
			return err
		}
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const upsert = `
INSERT INTO credentials (instance_id, access_token_enc, refresh_token_enc, token_expires_at, scope, client_id, client_secret_enc, token_url)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (instance_id) DO UPDATE
SET access_token_enc=EXCLUDED.access_token_enc, refresh_token_enc=EXCLUDED.refresh_token_enc,
    token_expires_at=EXCLUDED.token_expires_at, scope=EXCLUDED.scope,
    client_id=EXCLUDED.client_id, client_secret_enc=EXCLUDED.client_secret_enc, token_url=EXCLUDED.token_url`
	if _, err = tx.Exec(ctx, upsert, cred.InstanceID, accessEnc, refreshEnc,
		cred.TokenExpiresAt, cred.Scope, cred.ClientID, secretEnc, cred.TokenURL); err != nil {
		return err
	}

	const mark = `
UPDATE instances SET credentials_updated_at=now(), updated_at=now() WHERE id=$1`
	tag, err := tx.Exec(ctx, mark, cred.InstanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteInstance removes an instance row; credentials cascade via FK.
func (r *InstanceRepo) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM instances WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListExpiringCredentials returns refreshable credentials whose token expiry
// falls before the deadline, joined with the owning instance.
func (r *InstanceRepo) ListExpiringCredentials(ctx context.Context, before time.Time) ([]model.ExpiringCredential, error) {
	const q = `
SELECT c.instance_id, i.user_id, i.provider, c.refresh_token_enc, c.client_id, c.client_secret_enc, c.token_url, c.token_expires_at, i.credentials_updated_at
FROM credentials c
JOIN instances i ON i.id = c.instance_id
WHERE i.status='active' AND c.refresh_token_enc IS NOT NULL AND c.token_expires_at < $1
ORDER BY c.token_expires_at`
	rows, err := r.db.Pool.Query(ctx, q, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExpiringCredential
	for rows.Next() {
		var (
			ec         model.ExpiringCredential
			refreshEnc []byte
			secretEnc  []byte
		)
		if err := rows.Scan(&ec.InstanceID, &ec.UserID, &ec.Provider, &refreshEnc,
			&ec.ClientID, &secretEnc, &ec.TokenURL, &ec.TokenExpiresAt, &ec.CredentialsUpdatedAt); err != nil {
			return nil, err
		}
		aad := ec.InstanceID.Bytes()
		if ec.RefreshToken, err = r.sealer.Open(aad, refreshEnc); err != nil {
			return nil, err
		}
		if secretEnc != nil {
			if ec.ClientSecret, err = r.sealer.Open(aad, secretEnc); err != nil {
				return nil, err
			}
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// ListExpiredActive returns active instances whose subscription deadline has passed.
func (r *InstanceRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]model.Instance, error) {
	const q = `
SELECT ` + instanceColumns + `
FROM instances
WHERE status='active' AND expires_at IS NOT NULL AND expires_at < $1`
	return r.listInstances(ctx, q, now)
}

// ListStuckOAuth returns instances whose handshake has sat in the given
// state since before the cutoff.
func (r *InstanceRepo) ListStuckOAuth(ctx context.Context, status model.OAuthStatus, cutoff time.Time) ([]model.Instance, error) {
	const q = `
SELECT ` + instanceColumns + `
FROM instances
WHERE oauth_status=$1 AND updated_at < $2`
	return r.listInstances(ctx, q, string(status), cutoff)
}

func (r *InstanceRepo) listInstances(ctx context.Context, q string, args ...any) ([]model.Instance, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// TouchUsage bumps usage counters for request accounting.
func (r *InstanceRepo) TouchUsage(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE instances SET usage_count = usage_count + 1, last_used_at = now() WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/aseleznov/connectord/internal/errs"
	"github.com/aseleznov/connectord/internal/model"
)

// The plan-limit gate. Correctness depends on the lock order inside one
// transaction: lock the plan row, lock the user's other active instance
// rows, count, then flip. Two concurrent activations therefore serialize on
// the plan row instead of both observing count < max.

// ActivateInstance transitions inactive -> active if the user's plan permits.
func (r *InstanceRepo) ActivateInstance(ctx context.Context, userID, instanceID uuid.UUID) error {
	return r.activate(ctx, userID, instanceID, nil)
}

// RenewInstance transitions expired -> active with a fresh subscription
// deadline. The expired instance did not count toward the limit, but renewing
// it consumes a slot, so the same gate applies.
func (r *InstanceRepo) RenewInstance(ctx context.Context, userID, instanceID uuid.UUID, newExpiry time.Time) error {
	return r.activate(ctx, userID, instanceID, &newExpiry)
}

func (r *InstanceRepo) activate(ctx context.Context, userID, instanceID uuid.UUID, newExpiry *time.Time) (err error) {
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

	const qPlan = `
SELECT plan_type, max_instances, expires_at FROM plans WHERE user_id=$1 FOR UPDATE`
	var (
		planType    string
		maxInst     *int
		planExpires *time.Time
	)
	if err = tx.QueryRow(ctx, qPlan, userID).Scan(&planType, &maxInst, &planExpires); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.Auth(errs.NoPlan)
		}
		return err
	}
	if planExpires != nil && planExpires.Before(time.Now()) {
		return errs.Auth(errs.PlanExpired)
	}

	// Expired instances never count toward the tally.
	const qLock = `
SELECT id FROM instances
WHERE user_id=$1 AND status='active' AND id<>$2
FOR UPDATE`
	rows, err := tx.Query(ctx, qLock, userID, instanceID)
	if err != nil {
		return err
	}
	count := 0
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		count++
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}

	if maxInst != nil && count >= *maxInst {
		return errs.LimitReached(count, *maxInst)
	}

	if newExpiry != nil {
		const qRenew = `
UPDATE instances SET status='active', expires_at=$3, updated_at=now()
WHERE id=$2 AND user_id=$1 AND status='expired'`
		var tag, e = tx.Exec(ctx, qRenew, userID, instanceID, *newExpiry)
		if e != nil {
			return e
		}
		if tag.RowsAffected() == 0 {
			return errs.Auth(errs.InstanceNotExpired)
		}
		return nil
	}

	// oauth_status=completed is required before active; NULL means a static
	// API-key provider with no handshake.
	const qFlip = `
UPDATE instances SET status='active', updated_at=now()
WHERE id=$2 AND user_id=$1 AND status<>'expired'
  AND (oauth_status='completed' OR oauth_status IS NULL)`
	tag, err := tx.Exec(ctx, qFlip, userID, instanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Zero rows also covers the target being deleted or expiring after
		// the caller's pre-check; re-read in the same tx to tell them apart.
		const qStatus = `
SELECT status FROM instances WHERE id=$2 AND user_id=$1`
		var status string
		if err = tx.QueryRow(ctx, qStatus, userID, instanceID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.Auth(errs.InstanceNotFound)
			}
			return err
		}
		if model.InstanceStatus(status) == model.StatusExpired {
			return errs.Auth(errs.InstanceExpired)
		}
		return errs.ErrOAuthIncomplete
	}
	return nil
}

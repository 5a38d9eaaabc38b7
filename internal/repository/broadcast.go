package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meep1w/pocketbot/internal/model"
)

// BroadcastRepository stores outbound broadcast jobs.
type BroadcastRepository interface {
	Enqueue(ctx context.Context, job *model.BroadcastJob) error
	// DequeuePending claims up to limit pending jobs in enqueue order.
	DequeuePending(ctx context.Context, limit int) ([]*model.BroadcastJob, error)
	MarkResult(ctx context.Context, id int64, result model.BroadcastResult, errMsg string) error
	// Requeue returns one claimed job to the queue untouched.
	Requeue(ctx context.Context, id int64) error
	// RequeueThrottled returns throttled jobs older than the cutoff to the queue.
	RequeueThrottled(ctx context.Context, before time.Time) (int64, error)
	// ReclaimStale releases pending claims whose outcome was never recorded,
	// e.g. after a crash between claim and MarkResult.
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)
}

// PostgresBroadcastRepository implements BroadcastRepository on sqlx.
type PostgresBroadcastRepository struct {
	db *sqlx.DB
}

func NewPostgresBroadcastRepository(db *sqlx.DB) *PostgresBroadcastRepository {
	return &PostgresBroadcastRepository{db: db}
}

func (r *PostgresBroadcastRepository) Enqueue(ctx context.Context, job *model.BroadcastJob) error {
	job.Result = model.BroadcastPending
	job.EnqueuedAt = time.Now().UTC()
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO broadcast_jobs (tenant_id, chat_id, payload, result, enqueued_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id`,
		job.TenantID, job.ChatID, job.Payload, job.Result, job.EnqueuedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("enqueue broadcast job: %w", err)
	}
	return nil
}

func (r *PostgresBroadcastRepository) DequeuePending(ctx context.Context, limit int) ([]*model.BroadcastJob, error) {
	// attempted_at doubles as the claim marker: claimed rows keep
	// result='pending' until the worker records an outcome, but a later
	// scan never picks them up again.
	var out []*model.BroadcastJob
	err := r.db.SelectContext(ctx, &out, `
		UPDATE broadcast_jobs SET attempted_at=$2
		WHERE id IN (
			SELECT id FROM broadcast_jobs
			WHERE result='pending' AND attempted_at IS NULL
			ORDER BY enqueued_at LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, chat_id, payload, result, error, enqueued_at, attempted_at`,
		limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("dequeue broadcast jobs: %w", err)
	}
	return out, nil
}

func (r *PostgresBroadcastRepository) MarkResult(ctx context.Context, id int64, result model.BroadcastResult, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_jobs SET result=$2, error=$3, attempted_at=$4 WHERE id=$1`,
		id, result, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark broadcast result: %w", err)
	}
	return nil
}

func (r *PostgresBroadcastRepository) Requeue(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_jobs SET result='pending', error='', attempted_at=NULL WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("requeue broadcast job: %w", err)
	}
	return nil
}

func (r *PostgresBroadcastRepository) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_jobs SET attempted_at=NULL
		WHERE result='pending' AND attempted_at IS NOT NULL AND attempted_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale broadcast jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *PostgresBroadcastRepository) RequeueThrottled(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_jobs SET result='pending', error='', attempted_at=NULL
		WHERE result='throttled' AND attempted_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue throttled jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

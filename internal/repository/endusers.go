package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meep1w/pocketbot/internal/model"
)

// EndUserRepository stores end users of tenant child bots.
type EndUserRepository interface {
	Get(ctx context.Context, tenantID, tgUserID int64) (*model.EndUser, error)
	Upsert(ctx context.Context, u *model.EndUser) error
	ListChatIDs(ctx context.Context, tenantID int64, minStep model.FunnelStep) ([]int64, error)
}

// PostgresEndUserRepository implements EndUserRepository on sqlx.
type PostgresEndUserRepository struct {
	db *sqlx.DB
}

func NewPostgresEndUserRepository(db *sqlx.DB) *PostgresEndUserRepository {
	return &PostgresEndUserRepository{db: db}
}

func (r *PostgresEndUserRepository) Get(ctx context.Context, tenantID, tgUserID int64) (*model.EndUser, error) {
	var u model.EndUser
	err := r.db.GetContext(ctx, &u, `
		SELECT id, tenant_id, tg_user_id, lang, step, click_id, trader_id, created_at, updated_at
		FROM end_users WHERE tenant_id=$1 AND tg_user_id=$2`, tenantID, tgUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get end user: %w", err)
	}
	return &u, nil
}

func (r *PostgresEndUserRepository) Upsert(ctx context.Context, u *model.EndUser) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Step == "" {
		u.Step = model.StepNew
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO end_users (tenant_id, tg_user_id, lang, step, click_id, trader_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, tg_user_id) DO UPDATE SET
			lang=EXCLUDED.lang,
			step=EXCLUDED.step,
			click_id=EXCLUDED.click_id,
			trader_id=EXCLUDED.trader_id,
			updated_at=EXCLUDED.updated_at
		RETURNING id`,
		u.TenantID, u.TGUserID, u.Lang, u.Step, u.ClickID, u.TraderID, u.CreatedAt, u.UpdatedAt,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("upsert end user: %w", err)
	}
	return nil
}

var funnelOrder = map[model.FunnelStep]int{
	model.StepNew:          0,
	model.StepAskedReg:     1,
	model.StepRegistered:   2,
	model.StepAskedDeposit: 3,
	model.StepDeposited:    4,
}

func (r *PostgresEndUserRepository) ListChatIDs(ctx context.Context, tenantID int64, minStep model.FunnelStep) ([]int64, error) {
	var steps []string
	min := funnelOrder[minStep]
	for step, rank := range funnelOrder {
		if rank >= min {
			steps = append(steps, string(step))
		}
	}
	query, args, err := sqlx.In(`
		SELECT tg_user_id FROM end_users WHERE tenant_id=? AND step IN (?)`, tenantID, steps)
	if err != nil {
		return nil, fmt.Errorf("build end user query: %w", err)
	}
	var out []int64
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list end users: %w", err)
	}
	return out, nil
}

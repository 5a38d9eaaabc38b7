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

// TenantRepository stores child bot tenants. Status writes come only from
// the supervisor; other components read.
type TenantRepository interface {
	Create(ctx context.Context, t *model.Tenant) error
	GetByID(ctx context.Context, id int64) (*model.Tenant, error)
	ListSupervisable(ctx context.Context) ([]*model.Tenant, error)
	UpdateStatus(ctx context.Context, id int64, status model.TenantStatus) error
	SetCrashState(ctx context.Context, id int64, count int, at time.Time) error
}

// PostgresTenantRepository implements TenantRepository on sqlx.
type PostgresTenantRepository struct {
	db *sqlx.DB
}

func NewPostgresTenantRepository(db *sqlx.DB) *PostgresTenantRepository {
	return &PostgresTenantRepository{db: db}
}

const tenantColumns = `id, owner_tg_id, bot_token, bot_username, status, postback_secret,
	ref_link, deposit_link, support_url, miniapp_url, require_deposit, min_deposit,
	crash_count, last_crash_at, created_at, updated_at`

func (r *PostgresTenantRepository) Create(ctx context.Context, t *model.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.StatusRegistered
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO tenants (owner_tg_id, bot_token, bot_username, status, postback_secret,
			ref_link, deposit_link, support_url, miniapp_url, require_deposit, min_deposit,
			crash_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13)
		RETURNING id`,
		t.OwnerTGID, t.BotToken, t.BotUsername, t.Status, t.PostbackSecret,
		t.RefLink, t.DepositLink, t.SupportURL, t.MiniappURL, t.RequireDeposit, t.MinDeposit,
		t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tenant with this bot token exists: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (r *PostgresTenantRepository) GetByID(ctx context.Context, id int64) (*model.Tenant, error) {
	var t model.Tenant
	err := r.db.GetContext(ctx, &t, `SELECT `+tenantColumns+` FROM tenants WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (r *PostgresTenantRepository) ListSupervisable(ctx context.Context) ([]*model.Tenant, error) {
	var out []*model.Tenant
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE status IN ('registered','starting','running','stopping','paused')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return out, nil
}

func (r *PostgresTenantRepository) UpdateStatus(ctx context.Context, id int64, status model.TenantStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET status=$2, updated_at=$3 WHERE id=$1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresTenantRepository) SetCrashState(ctx context.Context, id int64, count int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET crash_count=$2, last_crash_at=$3, updated_at=$4 WHERE id=$1`,
		id, count, at.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tenant crash state: %w", err)
	}
	return nil
}

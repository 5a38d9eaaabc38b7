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

// AttributionRepository stores click tokens and postback events.
type AttributionRepository interface {
	// UpsertClick issues or refreshes the click token for (tenant, uid).
	UpsertClick(ctx context.Context, tenantID, tgUserID int64, clickID string) (*model.ClickToken, error)
	GetClick(ctx context.Context, tenantID int64, clickID string) (*model.ClickToken, error)
	MarkClickConsumed(ctx context.Context, tenantID int64, clickID string, at time.Time) error

	// InsertPostback returns ErrDuplicate when (tenant_id, postback_id) already exists.
	InsertPostback(ctx context.Context, ev *model.PostbackEvent) error
	GetPostback(ctx context.Context, tenantID int64, postbackID string) (*model.PostbackEvent, error)
	// SumDeposits totals attributed deposit amounts for a click.
	SumDeposits(ctx context.Context, tenantID int64, clickID string) (int64, error)
}

// PostgresAttributionRepository implements AttributionRepository on sqlx.
type PostgresAttributionRepository struct {
	db *sqlx.DB
}

func NewPostgresAttributionRepository(db *sqlx.DB) *PostgresAttributionRepository {
	return &PostgresAttributionRepository{db: db}
}

func (r *PostgresAttributionRepository) UpsertClick(ctx context.Context, tenantID, tgUserID int64, clickID string) (*model.ClickToken, error) {
	var tok model.ClickToken
	err := r.db.GetContext(ctx, &tok, `
		INSERT INTO click_tokens (tenant_id, tg_user_id, click_id, consumed, created_at)
		VALUES ($1,$2,$3,false,$4)
		ON CONFLICT (tenant_id, tg_user_id) DO UPDATE SET created_at=EXCLUDED.created_at
		RETURNING tenant_id, tg_user_id, click_id, consumed, created_at, consumed_at`,
		tenantID, tgUserID, clickID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert click token: %w", err)
	}
	return &tok, nil
}

func (r *PostgresAttributionRepository) GetClick(ctx context.Context, tenantID int64, clickID string) (*model.ClickToken, error) {
	var tok model.ClickToken
	err := r.db.GetContext(ctx, &tok, `
		SELECT tenant_id, tg_user_id, click_id, consumed, created_at, consumed_at
		FROM click_tokens WHERE tenant_id=$1 AND click_id=$2`, tenantID, clickID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get click token: %w", err)
	}
	return &tok, nil
}

func (r *PostgresAttributionRepository) MarkClickConsumed(ctx context.Context, tenantID int64, clickID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE click_tokens SET consumed=true, consumed_at=$3
		WHERE tenant_id=$1 AND click_id=$2`, tenantID, clickID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark click consumed: %w", err)
	}
	return nil
}

func (r *PostgresAttributionRepository) InsertPostback(ctx context.Context, ev *model.PostbackEvent) error {
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO postback_events (tenant_id, postback_id, click_id, trader_id,
			event_type, amount, secret_valid, attributed, raw_query, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`,
		ev.TenantID, ev.PostbackID, ev.ClickID, ev.TraderID,
		ev.EventType, ev.Amount, ev.SecretValid, ev.Attributed, ev.RawQuery, ev.ReceivedAt,
	).Scan(&ev.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert postback: %w", err)
	}
	return nil
}

func (r *PostgresAttributionRepository) GetPostback(ctx context.Context, tenantID int64, postbackID string) (*model.PostbackEvent, error) {
	var ev model.PostbackEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT id, tenant_id, postback_id, click_id, trader_id, event_type, amount,
			secret_valid, attributed, raw_query, received_at
		FROM postback_events WHERE tenant_id=$1 AND postback_id=$2`, tenantID, postbackID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get postback: %w", err)
	}
	return &ev, nil
}

func (r *PostgresAttributionRepository) SumDeposits(ctx context.Context, tenantID int64, clickID string) (int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM postback_events
		WHERE tenant_id=$1 AND click_id=$2 AND event_type='deposit' AND secret_valid`,
		tenantID, clickID)
	if err != nil {
		return 0, fmt.Errorf("sum deposits: %w", err)
	}
	return total, nil
}

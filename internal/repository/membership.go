package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meep1w/pocketbot/internal/model"
)

// MembershipRepository stores the latest channel membership per owner.
type MembershipRepository interface {
	Get(ctx context.Context, ownerTGID int64) (*model.MembershipRecord, error)
	Upsert(ctx context.Context, rec *model.MembershipRecord) error
}

// PostgresMembershipRepository implements MembershipRepository on sqlx.
type PostgresMembershipRepository struct {
	db *sqlx.DB
}

func NewPostgresMembershipRepository(db *sqlx.DB) *PostgresMembershipRepository {
	return &PostgresMembershipRepository{db: db}
}

func (r *PostgresMembershipRepository) Get(ctx context.Context, ownerTGID int64) (*model.MembershipRecord, error) {
	var rec model.MembershipRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT owner_tg_id, is_member, checked_at FROM memberships WHERE owner_tg_id=$1`, ownerTGID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &rec, nil
}

func (r *PostgresMembershipRepository) Upsert(ctx context.Context, rec *model.MembershipRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memberships (owner_tg_id, is_member, checked_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (owner_tg_id) DO UPDATE SET
			is_member=EXCLUDED.is_member,
			checked_at=EXCLUDED.checked_at`,
		rec.OwnerTGID, rec.IsMember, rec.CheckedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

package model

import "time"

// TenantStatus is the lifecycle state of a child bot tenant.
// Status transitions are owned exclusively by the supervisor.
type TenantStatus string

const (
	// StatusRegistered means the tenant exists but its worker never ran;
	// the first positive membership check promotes it to STARTING.
	StatusRegistered TenantStatus = "registered"
	// StatusStarting means a worker start attempt is in flight.
	StatusStarting TenantStatus = "starting"
	// StatusRunning means the worker is up and the owner is a channel member.
	StatusRunning TenantStatus = "running"
	// StatusStopping means a worker stop attempt is in flight.
	StatusStopping TenantStatus = "stopping"
	// StatusPaused means the worker was stopped because the owner left the channel.
	StatusPaused TenantStatus = "paused"
	// StatusStopped is terminal: the tenant was revoked by an operator.
	StatusStopped TenantStatus = "stopped"
	// StatusError is terminal until operator action: unrecoverable start failure
	// or crash loop.
	StatusError TenantStatus = "error"
)

// Supervisable reports whether the membership monitor should track the
// tenant's owner. Stopped and errored tenants are left alone.
func (s TenantStatus) Supervisable() bool {
	switch s {
	case StatusRegistered, StatusStarting, StatusRunning, StatusStopping, StatusPaused:
		return true
	}
	return false
}

// Tenant is one child bot instance owned by a Telegram user.
type Tenant struct {
	ID          int64        `db:"id"`
	OwnerTGID   int64        `db:"owner_tg_id"`
	BotToken    string       `db:"bot_token"`
	BotUsername string       `db:"bot_username"`
	Status      TenantStatus `db:"status"`

	PostbackSecret string `db:"postback_secret"`
	RefLink        string `db:"ref_link"`
	DepositLink    string `db:"deposit_link"`
	SupportURL     string `db:"support_url"`
	MiniappURL     string `db:"miniapp_url"`

	RequireDeposit bool  `db:"require_deposit"`
	MinDeposit     int64 `db:"min_deposit"`

	CrashCount  int        `db:"crash_count"`
	LastCrashAt *time.Time `db:"last_crash_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MembershipRecord is the latest known channel membership of a tenant owner.
// One current record per owner, overwritten on each monitor sweep.
type MembershipRecord struct {
	OwnerTGID int64     `db:"owner_tg_id"`
	IsMember  bool      `db:"is_member"`
	CheckedAt time.Time `db:"checked_at"`
}

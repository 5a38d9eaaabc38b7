package model

import (
	"strings"
	"time"
)

// EventType classifies a conversion postback.
type EventType string

const (
	// EventRegistration reports a completed broker registration.
	EventRegistration EventType = "registration"
	// EventDeposit reports a deposit with an amount.
	EventDeposit EventType = "deposit"
)

// NormalizeEventType maps provider aliases onto canonical event types.
// Unknown values are returned lowercased so they stay visible in records.
func NormalizeEventType(raw string) EventType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reg", "registration", "signup", "sign_up":
		return EventRegistration
	case "dep", "deposit", "payment":
		return EventDeposit
	}
	return EventType(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether the event type is one the pipeline understands.
func (e EventType) Known() bool {
	return e == EventRegistration || e == EventDeposit
}

// ClickToken associates a referral click with a Telegram user.
// click_id is the decimal uid; uniqueness is per (tenant, user), so a repeat
// click refreshes CreatedAt but keeps the same click_id.
type ClickToken struct {
	TenantID   int64      `db:"tenant_id"`
	TGUserID   int64      `db:"tg_user_id"`
	ClickID    string     `db:"click_id"`
	Consumed   bool       `db:"consumed"`
	CreatedAt  time.Time  `db:"created_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
}

// PostbackEvent is one accepted conversion notification.
// (tenant_id, postback_id) is unique; replays return the stored row untouched.
type PostbackEvent struct {
	ID          int64     `db:"id"`
	TenantID    int64     `db:"tenant_id"`
	PostbackID  string    `db:"postback_id"`
	ClickID     string    `db:"click_id"`
	TraderID    string    `db:"trader_id"`
	EventType   EventType `db:"event_type"`
	Amount      int64     `db:"amount"`
	SecretValid bool      `db:"secret_valid"`
	Attributed  bool      `db:"attributed"`
	RawQuery    string    `db:"raw_query"`
	ReceivedAt  time.Time `db:"received_at"`
}

// FunnelStep tracks how far an end user progressed through the tenant's funnel.
type FunnelStep string

const (
	StepNew          FunnelStep = "new"
	StepAskedReg     FunnelStep = "asked_reg"
	StepRegistered   FunnelStep = "registered"
	StepAskedDeposit FunnelStep = "asked_deposit"
	StepDeposited    FunnelStep = "deposited"
)

// Unlocked reports whether the user has full access to the tenant's miniapp.
func (s FunnelStep) Unlocked() bool {
	return s == StepDeposited
}

// EndUser is an end user of a tenant's child bot.
type EndUser struct {
	ID       int64      `db:"id"`
	TenantID int64      `db:"tenant_id"`
	TGUserID int64      `db:"tg_user_id"`
	Lang     string     `db:"lang"`
	Step     FunnelStep `db:"step"`
	ClickID  string     `db:"click_id"`
	TraderID string     `db:"trader_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

package attribution

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

// Status is the outcome class of a postback.
type Status string

const (
	// StatusOK means the event was recorded, or an identical one already was.
	StatusOK Status = "ok"
	// StatusAuthInvalid means the provided secret did not match; nothing
	// was persisted.
	StatusAuthInvalid Status = "auth_invalid"
)

// PostbackInput is one inbound conversion notification, already parsed.
type PostbackInput struct {
	TenantID   int64
	PostbackID string
	ClickID    string
	TraderID   string
	EventType  model.EventType
	Amount     int64
	Secret     string
	RawQuery   string
}

// Result is what the provider learns about its postback. Replays return the
// originally recorded outcome with Duplicate set.
type Result struct {
	Status     Status
	Duplicate  bool
	Attributed bool
}

// DerivePostbackID builds a deterministic dedup key for providers that omit
// postback_id, preserving idempotency for identical redeliveries.
func DerivePostbackID(event model.EventType, clickID string, amount int64) string {
	return fmt.Sprintf("%s:%s:%d", event, clickID, amount)
}

// Sender pushes a bot message to an end user chat. Satisfied by a running
// child bot worker.
type Sender interface {
	Send(chatID int64, payload string) error
}

// SenderLookup resolves the live child bot for a tenant.
type SenderLookup func(tenantID int64) (Sender, bool)

// Service issues click tokens and matches conversion postbacks against them.
type Service struct {
	cfg      coreconfig.PostbackConfig
	clicks   repository.AttributionRepository
	tenants  repository.TenantRepository
	endUsers repository.EndUserRepository
	senders  SenderLookup
}

func NewService(cfg coreconfig.PostbackConfig, clicks repository.AttributionRepository, tenants repository.TenantRepository, endUsers repository.EndUserRepository, senders SenderLookup) *Service {
	return &Service{
		cfg:      cfg,
		clicks:   clicks,
		tenants:  tenants,
		endUsers: endUsers,
		senders:  senders,
	}
}

// IssueClick returns the click_id to embed in the outbound referral URL:
// the user's uid in decimal, scoped to the tenant. Idempotent; a repeat
// click refreshes the issue time only.
func (s *Service) IssueClick(ctx context.Context, tenantID, uid int64) (string, error) {
	if _, err := s.tenants.GetByID(ctx, tenantID); err != nil {
		return "", err
	}
	clickID := strconv.FormatInt(uid, 10)
	if _, err := s.clicks.UpsertClick(ctx, tenantID, uid, clickID); err != nil {
		return "", err
	}
	logger.LogEvent(ctx, logger.ATTR, slog.LevelDebug, "click.issued",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", tenantID),
		slog.String("click_id", clickID),
	)
	return clickID, nil
}

// RecordPostback validates, deduplicates and persists a conversion event,
// then advances the matched end user through the funnel.
//
// Secret mismatch rejects without a trace. A duplicate (tenant, postback_id)
// returns the stored outcome unchanged. An unknown click_id is recorded with
// attributed=false rather than dropped.
func (s *Service) RecordPostback(ctx context.Context, in PostbackInput) (Result, error) {
	tenant, err := s.tenants.GetByID(ctx, in.TenantID)
	if err != nil {
		return Result{}, err
	}

	if !s.secretValid(tenant, in.Secret) {
		logger.LogEvent(ctx, logger.ATTR, slog.LevelWarn, "postback.rejected",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", in.TenantID),
			slog.String("postback_id", in.PostbackID),
		)
		return Result{Status: StatusAuthInvalid}, nil
	}

	if prior, err := s.clicks.GetPostback(ctx, in.TenantID, in.PostbackID); err == nil {
		logger.LogEvent(ctx, logger.ATTR, slog.LevelInfo, "postback.duplicate",
			slog.String("status", "dup"),
			slog.Int64("tenant_id", in.TenantID),
			slog.String("postback_id", in.PostbackID),
		)
		return Result{Status: StatusOK, Duplicate: true, Attributed: prior.Attributed}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return Result{}, err
	}

	token, err := s.clicks.GetClick(ctx, in.TenantID, in.ClickID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Result{}, err
	}
	attributed := token != nil

	ev := &model.PostbackEvent{
		TenantID:    in.TenantID,
		PostbackID:  in.PostbackID,
		ClickID:     in.ClickID,
		TraderID:    in.TraderID,
		EventType:   in.EventType,
		Amount:      in.Amount,
		SecretValid: true,
		Attributed:  attributed,
		RawQuery:    in.RawQuery,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := s.clicks.InsertPostback(ctx, ev); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost an insert race with a concurrent redelivery; the winner
			// holds the recorded outcome.
			prior, rerr := s.clicks.GetPostback(ctx, in.TenantID, in.PostbackID)
			if rerr != nil {
				return Result{}, rerr
			}
			return Result{Status: StatusOK, Duplicate: true, Attributed: prior.Attributed}, nil
		}
		return Result{}, err
	}

	if attributed {
		if err := s.clicks.MarkClickConsumed(ctx, in.TenantID, in.ClickID, ev.ReceivedAt); err != nil {
			logger.LogEvent(ctx, logger.ATTR, slog.LevelError, "click.consume.failed",
				slog.String("status", "fail"),
				slog.Int64("tenant_id", in.TenantID),
				slog.String("click_id", in.ClickID),
				slog.String("err", err.Error()),
			)
		}
		s.advanceFunnel(ctx, tenant, token, in)
	} else {
		logger.LogEvent(ctx, logger.ATTR, slog.LevelWarn, "postback.unattributed",
			slog.String("status", "unattributed"),
			slog.Int64("tenant_id", in.TenantID),
			slog.String("click_id", in.ClickID),
			slog.String("postback_id", in.PostbackID),
		)
	}

	logger.LogEvent(ctx, logger.ATTR, slog.LevelInfo, "postback.recorded",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", in.TenantID),
		slog.String("postback_id", in.PostbackID),
		slog.String("event_type", string(in.EventType)),
		slog.Int64("amount", in.Amount),
	)
	return Result{Status: StatusOK, Attributed: attributed}, nil
}

func (s *Service) secretValid(tenant *model.Tenant, provided string) bool {
	want := s.cfg.GlobalSecret
	if s.cfg.SecretMode == coreconfig.SecretModePerTenant {
		want = tenant.PostbackSecret
	}
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(provided)) == 1
}

// advanceFunnel moves the matched end user forward. The step never moves
// backwards; a late registration postback cannot demote a deposited user.
// Failures here are logged only: the event row is already durable.
func (s *Service) advanceFunnel(ctx context.Context, tenant *model.Tenant, token *model.ClickToken, in PostbackInput) {
	user, err := s.endUsers.Get(ctx, tenant.ID, token.TGUserID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.LogEvent(ctx, logger.ATTR, slog.LevelError, "funnel.load.failed",
				slog.String("status", "fail"),
				slog.Int64("tenant_id", tenant.ID),
				slog.Int64("user_id", token.TGUserID),
				slog.String("err", err.Error()),
			)
			return
		}
		user = &model.EndUser{
			TenantID: tenant.ID,
			TGUserID: token.TGUserID,
			Step:     model.StepNew,
		}
	}
	user.ClickID = in.ClickID
	if in.TraderID != "" {
		user.TraderID = in.TraderID
	}

	var next model.FunnelStep
	switch in.EventType {
	case model.EventRegistration:
		next = model.StepRegistered
		if !tenant.RequireDeposit {
			next = model.StepDeposited
		}
	case model.EventDeposit:
		total, err := s.clicks.SumDeposits(ctx, tenant.ID, in.ClickID)
		if err != nil {
			logger.LogEvent(ctx, logger.ATTR, slog.LevelError, "funnel.sum.failed",
				slog.String("status", "fail"),
				slog.Int64("tenant_id", tenant.ID),
				slog.String("err", err.Error()),
			)
			return
		}
		next = model.StepAskedDeposit
		if total >= tenant.MinDeposit {
			next = model.StepDeposited
		}
	default:
		return
	}

	advanced := stepRank(next) > stepRank(user.Step)
	if advanced {
		user.Step = next
	}
	if err := s.endUsers.Upsert(ctx, user); err != nil {
		logger.LogEvent(ctx, logger.ATTR, slog.LevelError, "funnel.update.failed",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", tenant.ID),
			slog.Int64("user_id", user.TGUserID),
			slog.String("err", err.Error()),
		)
		return
	}
	logger.LogEvent(ctx, logger.ATTR, slog.LevelDebug, "funnel.advanced",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", tenant.ID),
		slog.Int64("user_id", user.TGUserID),
		slog.String("state", string(user.Step)),
	)
	if advanced {
		s.notifyProgress(ctx, tenant, user)
	}
}

// notifyProgress pushes the new funnel screen to the end user through the
// tenant's running child bot. Best effort: a paused bot just misses the push
// and the user sees the fresh menu on the next /start.
func (s *Service) notifyProgress(ctx context.Context, tenant *model.Tenant, user *model.EndUser) {
	if s.senders == nil {
		return
	}
	text := progressText(user.Step)
	if text == "" {
		return
	}
	snd, ok := s.senders(tenant.ID)
	if !ok {
		logger.LogEvent(ctx, logger.ATTR, slog.LevelDebug, "funnel.notify.skipped",
			slog.String("status", "skip"),
			slog.Int64("tenant_id", tenant.ID),
			slog.Int64("user_id", user.TGUserID),
		)
		return
	}
	if err := snd.Send(user.TGUserID, text); err != nil {
		logger.LogEvent(ctx, logger.ATTR, slog.LevelWarn, "funnel.notify.failed",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", tenant.ID),
			slog.Int64("user_id", user.TGUserID),
			slog.String("err", logger.Sanitize(err.Error())),
		)
		return
	}
	logger.LogEvent(ctx, logger.ATTR, slog.LevelDebug, "funnel.notify.sent",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", tenant.ID),
		slog.Int64("user_id", user.TGUserID),
	)
}

func progressText(step model.FunnelStep) string {
	switch step {
	case model.StepRegistered:
		return "Registration confirmed. Make a deposit to unlock the mini app."
	case model.StepAskedDeposit:
		return "Deposit received, but the minimum is not reached yet. Top up to unlock the mini app."
	case model.StepDeposited:
		return "Deposit confirmed. You have full access, open the mini app from the menu."
	}
	return ""
}

func stepRank(s model.FunnelStep) int {
	switch s {
	case model.StepNew:
		return 0
	case model.StepAskedReg:
		return 1
	case model.StepRegistered:
		return 2
	case model.StepAskedDeposit:
		return 3
	case model.StepDeposited:
		return 4
	}
	return 0
}

package parentbot

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/core/telegram"
	tghelpers "github.com/meep1w/pocketbot/core/telegram/helpers"
	"github.com/meep1w/pocketbot/core/telegram/keyboard"
	"github.com/meep1w/pocketbot/core/telegram/state"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

const stateAwaitToken state.State = "connect_await_token"

const cbTenantStop = "tenant_stop"

var botTokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{20,}$`)

func (b *Bot) handleStartCmd(c tele.Context) error {
	return c.Send("This bot hosts your own trading bot. Use /connect to plug yours in.")
}

// handleConnect gates onboarding behind channel membership, then waits for
// the owner's bot token.
func (b *Bot) handleConnect(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "connect")
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	isMember, err := b.checker.IsMember(ctx, sender.ID)
	if err != nil {
		logger.LogEvent(ctx, logger.TG, slog.LevelWarn, "connect.member.check",
			slog.String("status", "retry"),
			slog.Int64("user_id", sender.ID),
			slog.String("err", logger.Sanitize(err.Error())),
		)
		return c.Send("Could not verify your membership right now, try again in a minute.")
	}
	if !isMember {
		return c.Send("Join the private channel first, then run /connect again.")
	}

	b.sessions.SetState(sender.ID, stateAwaitToken)
	return c.Send("Send me your bot token from @BotFather.")
}

// handleTokenMessage consumes the token message while the user is in the
// connect conversation.
func (b *Bot) handleTokenMessage(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "connect.token")
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	defer b.sessions.ClearState(sender.ID)

	token := strings.TrimSpace(c.Text())
	if !botTokenRe.MatchString(token) {
		return c.Send("That does not look like a bot token. Run /connect to try again.")
	}

	// getMe both validates the token and yields the bot's username.
	probe, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: telegram.BuildHTTPClient(),
	})
	if err != nil {
		logger.LogEvent(ctx, logger.TG, slog.LevelWarn, "connect.token.invalid",
			slog.String("status", "fail"),
			slog.Int64("user_id", sender.ID),
		)
		return c.Send("Telegram rejected this token. Check it and run /connect again.")
	}

	secret, err := newSecret()
	if err != nil {
		return fmt.Errorf("generate postback secret: %w", err)
	}

	tenant := &model.Tenant{
		OwnerTGID:      sender.ID,
		BotToken:       token,
		BotUsername:    probe.Me.Username,
		Status:         model.StatusRegistered,
		PostbackSecret: secret,
	}
	if err := b.tenants.Create(ctx, tenant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return c.Send("This bot is already connected.")
		}
		logger.LogEvent(ctx, logger.TG, slog.LevelError, "connect.tenant.create",
			slog.String("status", "fail"),
			slog.Int64("user_id", sender.ID),
			slog.String("err", logger.Sanitize(err.Error())),
		)
		return c.Send("Could not save your bot, try again later.")
	}

	b.sup.Register(tenant)
	logger.LogEvent(ctx, logger.TG, slog.LevelInfo, "connect.tenant.created",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", tenant.ID),
		slog.Int64("owner_id", sender.ID),
	)

	return c.Send(fmt.Sprintf(
		"@%s is connected. It starts within a minute and keeps running while you stay in the channel.\n\nYour postback secret: %s",
		probe.Me.Username, secret,
	))
}

func (b *Bot) handleTenants(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "tenants")
	tenants, err := b.tenants.ListSupervisable(ctx)
	if err != nil {
		return c.Send("Could not load tenants.")
	}
	if len(tenants) == 0 {
		return c.Send("No active tenants.")
	}

	var sb strings.Builder
	rows := make([][]keyboard.Btn, 0, len(tenants))
	for _, t := range tenants {
		status := t.Status
		if live, ok := b.sup.Status(t.ID); ok {
			status = live
		}
		fmt.Fprintf(&sb, "#%d @%s owner=%d %s\n", t.ID, t.BotUsername, t.OwnerTGID, status)
		rows = append(rows, []keyboard.Btn{{
			Text:   fmt.Sprintf("Stop #%d", t.ID),
			Unique: cbTenantStop,
			Data:   strconv.FormatInt(t.ID, 10),
		}})
	}
	return c.Send(sb.String(), keyboard.InlineRows(rows...))
}

// handleStopCallback revokes the tenant picked from the /tenants listing.
func (b *Bot) handleStopCallback(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "tenants.stop")
	id, err := strconv.ParseInt(strings.TrimSpace(c.Callback().Data), 10, 64)
	if err != nil || id <= 0 {
		return c.Respond(&tele.CallbackResponse{Text: "Bad tenant reference"})
	}
	if _, err := b.tenants.GetByID(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.Respond(&tele.CallbackResponse{Text: "No such tenant"})
		}
		return c.Respond(&tele.CallbackResponse{Text: "Try again later"})
	}

	b.sup.Revoke(id)
	logger.LogEvent(ctx, logger.TG, slog.LevelInfo, "tenant.revoke.requested",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", id),
	)
	_ = c.Respond(&tele.CallbackResponse{Text: fmt.Sprintf("Stopping tenant #%d", id)})
	return c.Send(fmt.Sprintf("Tenant #%d is being stopped.", id))
}

func (b *Bot) handleRevoke(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "revoke")
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /revoke <tenant_id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return c.Send("Usage: /revoke <tenant_id>")
	}
	if _, err := b.tenants.GetByID(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.Send("No such tenant.")
		}
		return c.Send("Could not load the tenant.")
	}

	b.sup.Revoke(id)
	logger.LogEvent(ctx, logger.TG, slog.LevelInfo, "tenant.revoke.requested",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", id),
	)
	return c.Send(fmt.Sprintf("Tenant #%d is being stopped.", id))
}

const usageBroadcast = "Usage: /broadcast <tenant_id> [all|registered|deposited] <text>"

// broadcastSegment maps an audience keyword to the minimum funnel step it
// addresses.
func broadcastSegment(s string) (model.FunnelStep, bool) {
	switch strings.ToLower(s) {
	case "all":
		return model.StepNew, true
	case "registered":
		return model.StepRegistered, true
	case "deposited":
		return model.StepDeposited, true
	}
	return "", false
}

// handleBroadcast queues one job per end user of the chosen segment; the
// dispatcher delivers them under the tenant's hourly cap.
func (b *Bot) handleBroadcast(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "broadcast")
	args := c.Args()
	if len(args) < 2 {
		return c.Send(usageBroadcast)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return c.Send(usageBroadcast)
	}
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.Message().Payload), args[0]))
	minStep := model.StepNew
	if len(args) >= 3 {
		if step, ok := broadcastSegment(args[1]); ok {
			minStep = step
			text = strings.TrimSpace(strings.TrimPrefix(text, args[1]))
		}
	}
	if text == "" {
		return c.Send(usageBroadcast)
	}

	if _, err := b.tenants.GetByID(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.Send("No such tenant.")
		}
		return c.Send("Could not load the tenant.")
	}

	chatIDs, err := b.endUsers.ListChatIDs(ctx, id, minStep)
	if err != nil {
		logger.LogEvent(ctx, logger.TG, slog.LevelError, "broadcast.list",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", id),
			slog.String("err", logger.Sanitize(err.Error())),
		)
		return c.Send("Could not load the audience.")
	}
	if len(chatIDs) == 0 {
		return c.Send("This tenant has no users yet.")
	}

	queued := 0
	for _, chatID := range chatIDs {
		if err := b.broadcasts.Enqueue(ctx, id, chatID, text); err != nil {
			logger.LogEvent(ctx, logger.TG, slog.LevelError, "broadcast.enqueue",
				slog.String("status", "fail"),
				slog.Int64("tenant_id", id),
				slog.Int64("chat_id", chatID),
				slog.String("err", logger.Sanitize(err.Error())),
			)
			continue
		}
		queued++
	}

	logger.LogEvent(ctx, logger.TG, slog.LevelInfo, "broadcast.queued",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", id),
		slog.Int("count", queued),
	)
	return c.Send(fmt.Sprintf("Queued %d messages for tenant #%d.", queued, id))
}

func newSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

package parentbot

import (
	"context"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/telegram"
	"github.com/meep1w/pocketbot/core/telegram/commands"
	"github.com/meep1w/pocketbot/core/telegram/middleware"
	"github.com/meep1w/pocketbot/core/telegram/state"
	"github.com/meep1w/pocketbot/internal/broadcast"
	"github.com/meep1w/pocketbot/internal/repository"
	"github.com/meep1w/pocketbot/internal/supervisor"
)

// Bot is the operator-facing parent bot: onboarding via /connect, admin
// inspection, revocation and broadcast fan-out.
type Bot struct {
	cfg        *coreconfig.Config
	tenants    repository.TenantRepository
	endUsers   repository.EndUserRepository
	sup        *supervisor.Supervisor
	checker    *ChannelChecker
	broadcasts *broadcast.Dispatcher
	sessions   state.Manager
}

func New(cfg *coreconfig.Config, tenants repository.TenantRepository, endUsers repository.EndUserRepository, sup *supervisor.Supervisor, checker *ChannelChecker, broadcasts *broadcast.Dispatcher) *Bot {
	return &Bot{
		cfg:        cfg,
		tenants:    tenants,
		endUsers:   endUsers,
		sup:        sup,
		checker:    checker,
		broadcasts: broadcasts,
		sessions:   state.NewMemoryManager(),
	}
}

// Run starts the parent bot and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	reg := telegram.NewRegistry()

	adminOpts := middleware.AdminOptions{
		AdminIDs: b.cfg.Telegram.AdminIDs,
		OnReject: func(c tele.Context) error {
			return c.Send("This command is for operators only.")
		},
	}

	reg.RegisterCommand("/start", commands.Command{
		Handler:     b.handleStartCmd,
		Description: "What this bot does",
	})
	reg.RegisterCommand("/connect", commands.Command{
		Handler:     b.handleConnect,
		Description: "Connect your own bot",
	})
	reg.RegisterCommand("/tenants", commands.Command{
		Handler:     middleware.WithAdminCheck(adminOpts, true, b.handleTenants),
		Description: "List tenants",
		AdminOnly:   true,
	})
	reg.RegisterCommand("/revoke", commands.Command{
		Handler:     middleware.WithAdminCheck(adminOpts, true, b.handleRevoke),
		Description: "Revoke a tenant",
		AdminOnly:   true,
	})
	reg.RegisterCommand("/broadcast", commands.Command{
		Handler:     middleware.WithAdminCheck(adminOpts, true, b.handleBroadcast),
		Description: "Queue a broadcast to a tenant's users",
		AdminOnly:   true,
	})

	_ = reg.RegisterCallback(cbTenantStop, middleware.WithAdminCheck(adminOpts, true, b.handleStopCallback))

	state.RegisterHandler(stateAwaitToken, b.handleTokenMessage)
	reg.SetTextFallback(b.sessions.ManagerHandler)

	return telegram.RunTelegram(ctx, telegram.RunOptions{
		Token:                  b.cfg.Telegram.ParentToken,
		RunMode:                b.cfg.Telegram.RunMode,
		LongPollTimeoutSeconds: b.cfg.Telegram.LongPollTimeoutSeconds,
		Webhook: telegram.WebhookOptions{
			Listen: b.cfg.Webhook.Listen,
			Port:   b.cfg.Webhook.Port,
			URL:    b.cfg.Webhook.URL,
		},
		Registry:    reg,
		Middlewares: telegram.DefaultMiddlewares(nil),
		OnStart: func(ctx context.Context, bot *tele.Bot) error {
			b.checker.attach(bot)
			return nil
		},
	})
}

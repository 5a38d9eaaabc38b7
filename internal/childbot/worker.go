package childbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/core/telegram"
	"github.com/meep1w/pocketbot/core/telegram/keyboard"
	"github.com/meep1w/pocketbot/core/telegram/middleware"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
	"github.com/meep1w/pocketbot/internal/supervisor"
)

const pollTimeout = 10 * time.Second

// NewFactory builds child bot workers bound to the shared repositories.
func NewFactory(httpCfg coreconfig.HTTPConfig, endUsers repository.EndUserRepository) supervisor.WorkerFactory {
	return supervisor.WorkerFactoryFunc(func(t *model.Tenant) (supervisor.Worker, error) {
		if t == nil || t.BotToken == "" {
			return nil, errors.New("childbot: tenant without token")
		}
		return &Worker{
			tenant:   t,
			cfg:      httpCfg,
			endUsers: endUsers,
			done:     make(chan error, 1),
		}, nil
	})
}

// Worker runs one tenant's child bot: a long-polling telebot instance with
// the referral funnel menu. It satisfies the supervisor's Worker and Sender
// capabilities.
type Worker struct {
	tenant   *model.Tenant
	cfg      coreconfig.HTTPConfig
	endUsers repository.EndUserRepository

	bot      *tele.Bot
	done     chan error
	stopOnce sync.Once
	exitOnce sync.Once
}

// Start validates the token against the Telegram API and launches the
// polling loop. An invalid token fails here, before anything is running.
func (w *Worker) Start(ctx context.Context) error {
	bot, err := tele.NewBot(tele.Settings{
		Token:  w.tenant.BotToken,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
		Client: telegram.BuildHTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("childbot: bot initialization failed: %w", err)
	}
	w.bot = bot

	bot.Use(middleware.RecoverMiddleware)
	bot.Handle("/start", w.handleStart)
	bot.Handle(tele.OnText, w.handleStart)

	go func() {
		exitErr := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("childbot: polling loop panic: %v", r)
				}
			}()
			bot.Start()
			return nil
		}()
		w.finish(exitErr)
	}()

	logger.LogEvent(ctx, logger.TG, slog.LevelInfo, "childbot.started",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", w.tenant.ID),
		slog.String("mode", "polling"),
	)
	return nil
}

// Stop shuts the polling loop down; Done is closed once the loop exits.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.bot != nil {
			w.bot.Stop()
		} else {
			w.finish(nil)
		}
	})
}

// Done reports worker exit. Closed after the polling loop returns; the
// first receive yields the exit cause.
func (w *Worker) Done() <-chan error {
	return w.done
}

// Send delivers one broadcast payload to a chat.
func (w *Worker) Send(chatID int64, payload string) error {
	if w.bot == nil {
		return errors.New("childbot: not started")
	}
	_, err := w.bot.Send(&tele.Chat{ID: chatID}, payload)
	return err
}

func (w *Worker) finish(err error) {
	w.exitOnce.Do(func() {
		if err != nil {
			w.done <- err
		}
		close(w.done)
	})
}

// handleStart records the end user and presents the funnel menu.
func (w *Worker) handleStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx := context.Background()

	user, err := w.endUsers.Get(ctx, w.tenant.ID, sender.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.LogEvent(ctx, logger.TG, slog.LevelError, "childbot.user.load",
				slog.String("status", "fail"),
				slog.Int64("tenant_id", w.tenant.ID),
				slog.Int64("user_id", sender.ID),
				slog.String("err", err.Error()),
			)
			return c.Send("Something went wrong, try again later.")
		}
		user = &model.EndUser{
			TenantID: w.tenant.ID,
			TGUserID: sender.ID,
			Step:     model.StepNew,
		}
	}
	if user.Lang == "" {
		user.Lang = sender.LanguageCode
	}
	if user.Step == model.StepNew {
		user.Step = model.StepAskedReg
	}
	if err := w.endUsers.Upsert(ctx, user); err != nil {
		logger.LogEvent(ctx, logger.TG, slog.LevelError, "childbot.user.save",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", w.tenant.ID),
			slog.Int64("user_id", sender.ID),
			slog.String("err", err.Error()),
		)
	}

	return c.Send(w.menuText(user), w.menu(sender.ID), tele.ModeHTML)
}

func (w *Worker) menuText(user *model.EndUser) string {
	switch user.Step {
	case model.StepDeposited:
		return "You have full access. Open the mini app below."
	case model.StepRegistered, model.StepAskedDeposit:
		return "Almost there. Make a deposit to unlock the mini app."
	}
	return "Welcome! Register with the broker to get started."
}

func (w *Worker) menu(userID int64) *tele.ReplyMarkup {
	uid := strconv.FormatInt(userID, 10)
	base := w.cfg.ServiceHost + "/r/" + strconv.FormatInt(w.tenant.ID, 10)

	return keyboard.Inline(
		keyboard.Btn{Text: "Register", URL: base + "/reg?uid=" + uid},
		keyboard.Btn{Text: "Deposit", URL: base + "/dep?uid=" + uid},
		keyboard.Btn{Text: "Mini app", WebApp: w.miniappURL()},
		keyboard.Btn{Text: "Support", URL: w.tenant.SupportURL},
	)
}

func (w *Worker) miniappURL() string {
	if w.tenant.MiniappURL != "" {
		return w.tenant.MiniappURL
	}
	return w.cfg.MiniappURL
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meep1w/pocketbot/core/bootstrap"
	"github.com/meep1w/pocketbot/core/buildinfo"
	corecmd "github.com/meep1w/pocketbot/core/cmd"
	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/internal/attribution"
	"github.com/meep1w/pocketbot/internal/broadcast"
	"github.com/meep1w/pocketbot/internal/childbot"
	"github.com/meep1w/pocketbot/internal/httpapi"
	"github.com/meep1w/pocketbot/internal/parentbot"
	"github.com/meep1w/pocketbot/internal/repository"
	"github.com/meep1w/pocketbot/internal/supervisor"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := run(); err != nil {
		log.Fatalf("pocketbot: %v", err)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := coreconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dbCfg, err := bootstrap.LoadDatabase(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}

	infra, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg,
		Database: dbCfg,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer infra.DB.Close()

	tenants := repository.NewPostgresTenantRepository(infra.DB)
	memberships := repository.NewPostgresMembershipRepository(infra.DB)
	clicks := repository.NewPostgresAttributionRepository(infra.DB)
	endUsers := repository.NewPostgresEndUserRepository(infra.DB)
	jobs := repository.NewPostgresBroadcastRepository(infra.DB)

	factory := childbot.NewFactory(cfg.HTTP, endUsers)
	sup := supervisor.New(cfg.Supervisor, tenants, memberships, factory)

	checker := parentbot.NewChannelChecker(cfg.Channel.PrivateChannelID)
	monitor := supervisor.NewMonitor(cfg.Supervisor, checker, tenants, memberships, sup)

	limiter := broadcast.NewLimiter(cfg.Broadcast.RatePerHour)
	dispatcher := broadcast.NewDispatcher(cfg.Broadcast, jobs, limiter, sup.SenderFor)

	service := attribution.NewService(cfg.Postback, clicks, tenants, endUsers,
		func(tenantID int64) (attribution.Sender, bool) { return sup.SenderFor(tenantID) })
	api := httpapi.NewServer(cfg.HTTP, cfg.Postback, service, tenants, endUsers)

	parent := parentbot.New(cfg, tenants, endUsers, sup, checker, dispatcher)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	group := corecmd.NewGroup(ctx)
	group.Start("supervisor", sup.Run)
	group.Start("monitor", monitor.Run)
	group.Start("broadcast", dispatcher.Run)
	group.Start("http", api.Run)
	group.Start("parentbot", parent.Run)

	logger.L.With("component", "app").Info("app ready",
		slog.String("event", "ready"),
		slog.String("version", buildinfo.Version),
		slog.String("commit", buildinfo.Commit),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)

	err = group.Wait()
	logger.L.With("component", "app").Info("shutting down...",
		slog.String("event", "shutdown"),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

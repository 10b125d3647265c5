package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/channels"
	"github.com/nextlevelbuilder/agentping/internal/channels/slack"
	"github.com/nextlevelbuilder/agentping/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentping/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/agentping/internal/config"
	"github.com/nextlevelbuilder/agentping/internal/gateway"
	"github.com/nextlevelbuilder/agentping/internal/outbox"
	"github.com/nextlevelbuilder/agentping/internal/store/sqldb"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	db, err := sqldb.Open(cfg.ResolveDatabaseURL())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	stores := db.Stores()

	events := bus.New()
	registry := channels.NewRegistry()
	engine := gateway.NewEngine(cfg, stores, registry, events)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.BotToken == "" {
			slog.Error("telegram enabled but bot token missing")
			os.Exit(1)
		}
		tg, err := telegram.New(cfg.Channels.Telegram, engine.HandleInbound)
		if err != nil {
			slog.Error("failed to create telegram channel", "error", err)
			os.Exit(1)
		}
		registry.Register(tg)
		group.Go(func() error { return tg.Run(ctx) })
	}
	if cfg.Channels.Slack.Enabled {
		registry.Register(slack.New(cfg.Channels.Slack))
	}
	if cfg.Channels.WhatsApp.Enabled {
		registry.Register(whatsapp.New(cfg.Channels.WhatsApp))
	}

	server := gateway.NewServer(cfg, engine, stores, events)
	group.Go(func() error { return server.Start(ctx) })

	worker := outbox.New(cfg.Backend, stores.Outbox, events)
	group.Go(func() error { return worker.Run(ctx) })

	slog.Info("agentping started",
		"version", Version,
		"channels", registry.Names(),
		"webhook", cfg.Backend.WebhookURL != "")

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

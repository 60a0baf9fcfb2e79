package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/application"
	"github.com/lk2023060901/danmu-garden-relay/internal/agent"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
)

func main() {
	app := application.New()
	if err := app.Run(); err != nil {
		log.Fatal("init relay agent failed", zap.Error(err))
	}

	var cfg agent.Config
	if err := app.Section("agent", &cfg); err != nil {
		log.Fatal("decode agent config failed", zap.Error(err))
	}
	if cfg.URL == "" || cfg.Identity == "" {
		log.Fatal("agent.url and agent.identity are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg)
	log.Info("relay agent starting", zap.String("url", cfg.URL), log.FieldIdentity(cfg.Identity))
	if err := a.Run(ctx); err != nil {
		log.Error("relay agent stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

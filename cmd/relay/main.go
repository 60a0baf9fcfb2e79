package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-garden-relay/application"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/internal/server"
	"github.com/lk2023060901/danmu-garden-relay/internal/transport"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		log.Error("relay exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run() error {
	app := application.New()
	if err := app.Run(); err != nil {
		return err
	}
	if _, err := maxprocs.Set(maxprocs.Logger(log.S().Infof)); err != nil {
		log.Warn("set GOMAXPROCS failed", zap.Error(err))
	}

	var (
		relayCfg     relay.Config
		transportCfg transport.Config
		serverCfg    server.Config
	)
	if err := app.Section("relay", &relayCfg); err != nil {
		return err
	}
	if err := app.Section("transport", &transportCfg); err != nil {
		return err
	}
	if err := app.Section("server", &serverCfg); err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	hub := transport.NewHub()
	engine, err := relay.New(relayCfg, hub, relay.WithSessionCloser(hub))
	if err != nil {
		return err
	}
	acceptor := transport.NewAcceptor(transportCfg, engine, hub)
	srv := server.New(serverCfg, engine, acceptor, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Start(ctx)
		<-ctx.Done()
		engine.Stop()
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	log.Info("relay started", zap.String("config", app.ConfigPath()))
	return g.Wait()
}

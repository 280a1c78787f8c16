// collabd hosts the shared-document sync hub: one websocket endpoint that
// every participant connects to, optional Postgres persistence and an
// optional Redis relay between instances.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/19G12/parallel-website-editor-webhook/internal/bridge"
	"github.com/19G12/parallel-website-editor-webhook/internal/config"
	"github.com/19G12/parallel-website-editor-webhook/internal/discovery"
	"github.com/19G12/parallel-website-editor-webhook/internal/hub"
	"github.com/19G12/parallel-website-editor-webhook/internal/server"
	"github.com/19G12/parallel-website-editor-webhook/internal/store"
)

func main() {
	configName := flag.String("config", "collabd", "config file name (without extension)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(log, *configName)
	if err != nil {
		log.Error("loading config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := hub.Options{Log: log}

	if cfg.Postgres.URL != "" {
		pg, err := store.Open(ctx, cfg.Postgres.URL, cfg.Postgres.DocumentID)
		if err != nil {
			log.Error("opening document store", slog.Any("error", err))
			os.Exit(1)
		}
		defer pg.Close()
		log.Info("document persistence enabled",
			slog.String("document", cfg.Postgres.DocumentID))
		opts.Store = pg
	}

	if cfg.Redis.Address != "" {
		relay, err := bridge.Open(ctx, cfg.Redis.Address, cfg.Redis.Channel, log)
		if err != nil {
			log.Error("opening relay", slog.Any("error", err))
			os.Exit(1)
		}
		defer relay.Close()
		log.Info("instance relay enabled", slog.String("channel", cfg.Redis.Channel))
		opts.Relay = relay
	}

	h := hub.New(opts)
	hubCtx, cancelHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		h.Run(hubCtx)
	}()

	if cfg.Discovery.Enabled {
		mdns, err := discovery.Register(cfg.Discovery.Service, cfg.Discovery.Port)
		if err != nil {
			log.Warn("mDNS registration failed", slog.Any("error", err))
		} else {
			defer mdns.Shutdown()
			log.Info("mDNS service registered", slog.String("service", cfg.Discovery.Service))
		}
	}

	srv := server.New(cfg.Server.Address, h, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", slog.Any("error", err))
	}
	cancelHub()
	<-hubDone
}

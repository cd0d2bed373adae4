package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chatrelay/pkg/api"
	"chatrelay/pkg/config"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/engine"
	"chatrelay/pkg/feed"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/profiles"
	"chatrelay/pkg/retention"
	"chatrelay/pkg/store"
)

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseConfigFlags()
	eff, err := config.LoadEffective(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := eff.Config

	logger.InitWithLevel(cfg.Logging.Level)
	logger.Info("starting", "addr", eff.Addr, "db", eff.DBPath, "config_source", eff.Source)

	s, err := store.Open(eff.DBPath)
	if err != nil {
		logger.Error("store_open_failed", "path", eff.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = s.Close() }()
	s.SetPageSizes(cfg.Storage.RoomPageSize, cfg.Storage.DirectPageSize)

	broker := feed.NewBroker(cfg.Feed.Buffer)
	defer broker.Close()
	s.SetNotify(broker.Publish)

	sender := engine.NewFallback(s, cfg.Storage.LegacyChannel)
	dir := directory.New(s, profiles.NewCached(profiles.Static{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelRetention, err := retention.Start(ctx, cfg.Retention, s)
	if err != nil {
		logger.Error("retention_start_failed", "error", err)
		os.Exit(1)
	}
	defer cancelRetention()

	a := api.New(s, sender, broker, dir, cfg.Security)
	srv := &http.Server{
		Addr:         eff.Addr,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tls := cfg.Server.TLS
		if tls.CertFile != "" && tls.KeyFile != "" {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("http_listening", "addr", eff.Addr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http_shutdown_error", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("stopped")
}

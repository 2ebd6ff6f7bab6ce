package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/bootstrap"
	"github.com/leozw/compliance-guardian/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialise", zap.Error(err))
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Scheduler.Start(ctx, cfg.Scheduler.Interval, app.Cache, cfg.Redis.LockTTL)
	}()

	logger.Info("Scheduler started", zap.Duration("interval", cfg.Scheduler.Interval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down scheduler...")
	cancel()
	<-done
	logger.Info("Scheduler stopped")
}

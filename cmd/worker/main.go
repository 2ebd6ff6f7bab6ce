package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/bootstrap"
	"github.com/leozw/compliance-guardian/internal/config"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/scheduler"
)

type batchFunc func(ctx context.Context) (delivery.Summary, error)

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

	var wg sync.WaitGroup
	loops := map[string]batchFunc{
		"outbox":       app.Outbox.ProcessBatch,
		"integrations": app.Integrations.ProcessBatch,
	}
	for name, fn := range loops {
		wg.Add(1)
		go func(name string, fn batchFunc) {
			defer wg.Done()
			poll(ctx, app, name, fn)
		}(name, fn)
	}

	go app.Metrics.StartRemoteWrite(ctx)

	logger.Info("Worker started", zap.Duration("poll_interval", cfg.Outbox.PollInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	wg.Wait()
	logger.Info("Worker exited")
}

// poll drains batches until one comes back empty, then waits for the next
// tick. Each pass holds a redis lock so only one worker drains a queue.
func poll(ctx context.Context, app *bootstrap.App, name string, fn batchFunc) {
	logger := app.Logger.With(zap.String("queue", name))
	ticker := time.NewTicker(app.Config.Outbox.PollInterval)
	defer ticker.Stop()

	for {
		err := app.Cache.WithLock(ctx, "compliance-guardian:"+name, app.Config.Redis.LockTTL, func(ctx context.Context) error {
			for ctx.Err() == nil {
				summary, err := fn(ctx)
				if err != nil {
					return err
				}
				if summary.Processed == 0 {
					return nil
				}
				logger.Info("Batch processed",
					zap.Int("processed", summary.Processed),
					zap.Int("success", summary.Success),
					zap.Int("failed", summary.Failed),
					zap.Int("dead", summary.Dead),
				)
			}
			return nil
		})
		switch {
		case errors.Is(err, scheduler.ErrLockHeld):
			logger.Debug("Batch skipped, lock held elsewhere")
		case err != nil && ctx.Err() == nil:
			logger.Error("Batch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

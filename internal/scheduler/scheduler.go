package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/metrics"
	"github.com/leozw/compliance-guardian/internal/runs"
)

const (
	RequestedBy = "scheduler"
	lockKey     = "compliance-guardian:scheduler"
)

// ErrLockHeld is returned by a Locker when another instance owns the lock.
var ErrLockHeld = redislock.ErrNotObtained

type Runner interface {
	Execute(ctx context.Context, req runs.Request) (*runs.Outcome, error)
}

type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// Locker serialises passes across instances. fn runs only while the lock is
// held.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

type Summary struct {
	Executed int `json:"executed"`
	Errors   int `json:"errors"`
}

type Scheduler struct {
	runner      Runner
	tenants     TenantLister
	metrics     *metrics.Collector
	logger      *zap.Logger
	workerCount int
	periods     []db.Period
}

func NewScheduler(runner Runner, tenants TenantLister, workerCount int, logger *zap.Logger, metrics *metrics.Collector) *Scheduler {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Scheduler{
		runner:      runner,
		tenants:     tenants,
		metrics:     metrics,
		logger:      logger.Named("scheduler"),
		workerCount: workerCount,
		periods:     db.ScheduledPeriods,
	}
}

// RunOnce invokes the coordinator for every tenant and scheduled period. A
// failing pair is counted and logged and never stops the others. Only a
// failure to enumerate tenants is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	tenantIDs, err := s.tenants.ListTenantIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list tenants: %w", err)
	}

	jobs := make(chan *Job, len(tenantIDs)*len(s.periods))
	results := make(chan jobResult, cap(jobs))

	var wg sync.WaitGroup
	for i := 0; i < s.workerCount; i++ {
		w := NewWorker(i, jobs, results, s.runner, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	for _, tenantID := range tenantIDs {
		for _, period := range s.periods {
			jobs <- &Job{TenantID: tenantID, Period: period}
		}
	}
	s.metrics.RecordSchedulerQueue(len(jobs))
	close(jobs)

	wg.Wait()
	close(results)

	var summary Summary
	for r := range results {
		if r.err != nil {
			summary.Errors++
			continue
		}
		summary.Executed++
	}
	// Jobs a cancelled pass never reached count as errors.
	if missing := len(tenantIDs)*len(s.periods) - summary.Executed - summary.Errors; missing > 0 {
		summary.Errors += missing
	}

	s.metrics.RecordSchedulerQueue(0)
	s.metrics.RecordSchedulerPass(summary.Executed, summary.Errors)
	s.logger.Info("Scheduler pass complete",
		zap.Int("tenants", len(tenantIDs)),
		zap.Int("executed", summary.Executed),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

// Start runs a pass every interval until ctx is done. With a locker, only the
// instance holding the lock runs a given pass.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, locker Locker, lockTTL time.Duration) {
	s.logger.Info("Starting scheduler",
		zap.Int("worker_count", s.workerCount),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, locker, lockTTL)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return
		case <-ticker.C:
			s.tick(ctx, locker, lockTTL)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, locker Locker, lockTTL time.Duration) {
	pass := func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	}

	var err error
	if locker != nil {
		err = locker.WithLock(ctx, lockKey, lockTTL, pass)
	} else {
		err = pass(ctx)
	}

	switch {
	case errors.Is(err, ErrLockHeld):
		s.logger.Debug("Scheduler pass skipped, lock held elsewhere")
	case err != nil:
		s.logger.Error("Scheduler pass failed", zap.Error(err))
	}
}

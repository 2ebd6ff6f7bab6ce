package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/metrics"
)

const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 10
	maxBackoffExponent = 6
	claimTimeout       = 5 * time.Minute
)

type Store interface {
	ClaimDueJobs(ctx context.Context, claimer string, now, staleBefore time.Time, limit int) ([]*db.IntegrationJob, error)
	MarkJobProcessed(ctx context.Context, job *db.IntegrationJob, at time.Time) error
	ReleaseJob(ctx context.Context, job *db.IntegrationJob, nextAttemptAt time.Time, lastError string) error
	DeadLetterJob(ctx context.Context, job *db.IntegrationJob, lastError string, at time.Time) error
	GetIntegration(ctx context.Context, tenantID string, channel db.Channel) (*db.TenantIntegration, error)
}

type Options struct {
	BatchSize     int
	MaxAttempts   int
	RatePerSecond float64
	Burst         int
}

type Dispatcher struct {
	store      Store
	transports map[db.Channel]Transport
	logger     *zap.Logger
	metrics    *metrics.Collector
	opts       Options
	claimer    string

	mu       sync.Mutex
	limiters map[db.Channel]*rate.Limiter

	now    func() time.Time
	jitter func() time.Duration
}

func NewDispatcher(store Store, transports map[db.Channel]Transport, opts Options, logger *zap.Logger, metrics *metrics.Collector) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{
		store:      store,
		transports: transports,
		logger:     logger.Named("integrations"),
		metrics:    metrics,
		opts:       opts,
		claimer:    "integrations-" + uuid.New().String(),
		limiters:   make(map[db.Channel]*rate.Limiter),
		now:        time.Now,
		jitter:     Jitter,
	}
}

// Jitter returns a random delay in [0, 1s).
func Jitter() time.Duration {
	return rand.N(time.Second)
}

// Backoff is 2^min(attempts, 6) seconds plus jitter.
func Backoff(attempts int, jitter time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	return time.Duration(1<<attempts)*time.Second + jitter
}

// ProcessBatch claims due integration jobs and sends each through its
// channel transport.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (delivery.Summary, error) {
	var summary delivery.Summary

	now := d.now()
	jobs, err := d.store.ClaimDueJobs(ctx, d.claimer, now, now.Add(-claimTimeout), d.opts.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("claim integration jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		summary.Processed++
		switch d.handle(ctx, job) {
		case outcomeSent:
			summary.Success++
		case outcomeRetry:
			summary.Failed++
		case outcomeDead:
			summary.Failed++
			summary.Dead++
		}
	}

	d.metrics.RecordBatch("integrations", summary.Processed, summary.Success, summary.Failed, summary.Dead)
	if summary.Processed > 0 {
		d.logger.Info("Integration batch processed",
			zap.Int("processed", summary.Processed),
			zap.Int("success", summary.Success),
			zap.Int("failed", summary.Failed),
			zap.Int("dead", summary.Dead),
		)
	}
	return summary, nil
}

type jobOutcome int

const (
	outcomeSent jobOutcome = iota
	outcomeRetry
	outcomeDead
)

func (d *Dispatcher) handle(ctx context.Context, job *db.IntegrationJob) jobOutcome {
	logger := d.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("channel", string(job.Channel)),
	)

	err := d.send(ctx, job)
	if err == nil {
		if markErr := d.store.MarkJobProcessed(ctx, job, d.now()); markErr != nil {
			d.bookkeepingFailed(logger, "mark processed", markErr)
		}
		return outcomeSent
	}

	job.Attempts++
	lastError := delivery.Excerpt([]byte(err.Error()))

	if delivery.IsPermanent(err) || job.Attempts >= d.opts.MaxAttempts {
		if dlqErr := d.store.DeadLetterJob(ctx, job, lastError, d.now()); dlqErr != nil {
			d.bookkeepingFailed(logger, "dead-letter", dlqErr)
			return outcomeRetry
		}
		d.metrics.RecordDeadLetter(job.TenantID, "integrations")
		logger.Warn("Integration job moved to dead-letter queue",
			zap.Int("attempts", job.Attempts),
			zap.Int("status_code", delivery.StatusCode(err)),
			zap.Error(err),
		)
		return outcomeDead
	}

	wait := Backoff(job.Attempts, d.jitter())
	if ra := delivery.RetryAfter(err); ra > wait {
		wait = ra
	}
	next := d.now().Add(wait)
	if relErr := d.store.ReleaseJob(ctx, job, next, lastError); relErr != nil {
		d.bookkeepingFailed(logger, "release", relErr)
		return outcomeRetry
	}
	logger.Info("Integration send failed, retry scheduled",
		zap.Int("attempts", job.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	return outcomeRetry
}

// send resolves the tenant's integration and transport for job. A job whose
// integration was removed or disabled is treated as delivered.
func (d *Dispatcher) send(ctx context.Context, job *db.IntegrationJob) error {
	transport, ok := d.transports[job.Channel]
	if !ok {
		return delivery.Permanent(fmt.Errorf("no transport for channel %q", job.Channel))
	}

	target, err := d.store.GetIntegration(ctx, job.TenantID, job.Channel)
	if err != nil {
		return &delivery.TransientError{Err: fmt.Errorf("load integration: %w", err)}
	}
	if target == nil || !target.Enabled {
		return nil
	}

	var msg Message
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return delivery.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	if err := d.limiter(job.Channel).Wait(ctx); err != nil {
		return &delivery.TransientError{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	resp, err := transport.Send(ctx, target, job.EventType, msg)
	d.metrics.RecordNotificationSent(job.TenantID, job.Channel, err == nil, resp.Duration.Seconds())
	if resp.StatusCode == http.StatusTooManyRequests {
		d.metrics.RecordRateLimited(job.TenantID, job.Channel)
	}
	return err
}

func (d *Dispatcher) limiter(channel db.Channel) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[channel]
	if !ok {
		limit := rate.Inf
		if d.opts.RatePerSecond > 0 {
			limit = rate.Limit(d.opts.RatePerSecond)
		}
		burst := d.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		d.limiters[channel] = l
	}
	return l
}

func (d *Dispatcher) bookkeepingFailed(logger *zap.Logger, step string, err error) {
	if errors.Is(err, db.ErrClaimLost) {
		logger.Warn("Integration claim lost before "+step, zap.Error(err))
		return
	}
	d.metrics.RecordAuditWriteFailure("integrations")
	logger.Error("Integration bookkeeping failed", zap.String("step", step), zap.Error(err))
}

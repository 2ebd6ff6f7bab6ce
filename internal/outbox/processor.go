package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/metrics"
)

const (
	DefaultBatchSize    = 100
	DefaultMaxAttempts  = 6
	DefaultClaimTimeout = 5 * time.Minute
	maxBackoffMinutes   = 60
)

type Store interface {
	ClaimDueEvents(ctx context.Context, claimer string, now, staleBefore time.Time, limit int) ([]*db.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, ev *db.OutboxEvent, at time.Time) error
	ReleaseEvent(ctx context.Context, ev *db.OutboxEvent, nextAttemptAt time.Time, lastError string) error
	DeadLetterEvent(ctx context.Context, ev *db.OutboxEvent, lastError string, at time.Time) error
}

// SettingsSource resolves a tenant's notification settings; nil means the
// tenant configured nothing.
type SettingsSource interface {
	GetNotificationSettings(ctx context.Context, tenantID string) (*db.TenantNotificationSettings, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, ev *db.OutboxEvent, settings *db.TenantNotificationSettings) error
}

type Options struct {
	BatchSize    int
	MaxAttempts  int
	ClaimTimeout time.Duration
}

type Processor struct {
	store    Store
	settings SettingsSource
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Collector
	opts     Options
	claimer  string
	now      func() time.Time
}

func NewProcessor(store Store, settings SettingsSource, notifier Notifier, opts Options, logger *zap.Logger, metrics *metrics.Collector) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	return &Processor{
		store:    store,
		settings: settings,
		notifier: notifier,
		logger:   logger.Named("outbox"),
		metrics:  metrics,
		opts:     opts,
		claimer:  "outbox-" + uuid.New().String(),
		now:      time.Now,
	}
}

// Backoff is the delay before retry number attempts: 2^attempts minutes,
// capped at one hour.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 6 {
		return maxBackoffMinutes * time.Minute
	}
	minutes := 1 << attempts
	if minutes > maxBackoffMinutes {
		minutes = maxBackoffMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// ProcessBatch claims up to one batch of due events and drives each to
// success, a scheduled retry or the dead-letter table. Only a failure to
// claim is returned as an error; everything else is counted in the summary.
func (p *Processor) ProcessBatch(ctx context.Context) (delivery.Summary, error) {
	var summary delivery.Summary

	now := p.now()
	events, err := p.store.ClaimDueEvents(ctx, p.claimer, now, now.Add(-p.opts.ClaimTimeout), p.opts.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("claim outbox events: %w", err)
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		summary.Processed++
		switch p.handle(ctx, ev) {
		case resultSuccess:
			summary.Success++
		case resultRetry:
			summary.Failed++
		case resultDead:
			summary.Failed++
			summary.Dead++
		}
	}

	p.metrics.RecordBatch("outbox", summary.Processed, summary.Success, summary.Failed, summary.Dead)
	if summary.Processed > 0 {
		p.logger.Info("Outbox batch processed",
			zap.Int("processed", summary.Processed),
			zap.Int("success", summary.Success),
			zap.Int("failed", summary.Failed),
			zap.Int("dead", summary.Dead),
		)
	}
	return summary, nil
}

type handleResult int

const (
	resultSuccess handleResult = iota
	resultRetry
	resultDead
)

func (p *Processor) handle(ctx context.Context, ev *db.OutboxEvent) handleResult {
	logger := p.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("run_id", ev.RunID),
	)

	settings, err := p.settings.GetNotificationSettings(ctx, ev.TenantID)
	if err == nil && settings != nil {
		err = p.notifier.Dispatch(ctx, ev, settings)
	}

	if err == nil {
		// No settings means nothing to deliver, which still closes the event.
		if markErr := p.store.MarkEventProcessed(ctx, ev, p.now()); markErr != nil {
			p.bookkeepingFailed(logger, "mark processed", markErr)
		}
		return resultSuccess
	}

	ev.Attempts++
	lastError := delivery.Excerpt([]byte(err.Error()))

	if delivery.IsPermanent(err) || ev.Attempts >= p.opts.MaxAttempts {
		if dlqErr := p.store.DeadLetterEvent(ctx, ev, lastError, p.now()); dlqErr != nil {
			p.bookkeepingFailed(logger, "dead-letter", dlqErr)
			return resultRetry
		}
		p.metrics.RecordDeadLetter(ev.TenantID, "outbox")
		logger.Warn("Event moved to dead-letter queue",
			zap.Int("attempts", ev.Attempts),
			zap.Bool("permanent", delivery.IsPermanent(err)),
			zap.Error(err),
		)
		return resultDead
	}

	next := p.now().Add(Backoff(ev.Attempts))
	if relErr := p.store.ReleaseEvent(ctx, ev, next, lastError); relErr != nil {
		p.bookkeepingFailed(logger, "release", relErr)
		return resultRetry
	}
	logger.Info("Event delivery failed, retry scheduled",
		zap.Int("attempts", ev.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	return resultRetry
}

func (p *Processor) bookkeepingFailed(logger *zap.Logger, step string, err error) {
	if errors.Is(err, db.ErrClaimLost) {
		logger.Warn("Outbox claim lost before "+step, zap.Error(err))
		return
	}
	p.metrics.RecordAuditWriteFailure("outbox")
	logger.Error("Outbox bookkeeping failed", zap.String("step", step), zap.Error(err))
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/integrations"
	"github.com/leozw/compliance-guardian/internal/notify"
)

// EventStore is where the enqueuer appends events and integration jobs.
type EventStore interface {
	InsertOutboxEvent(ctx context.Context, ev *db.OutboxEvent) error
	InsertIntegrationJob(ctx context.Context, job *db.IntegrationJob) (bool, error)
	ListIntegrations(ctx context.Context, tenantID string) ([]*db.TenantIntegration, error)
}

type Enqueuer struct {
	store  EventStore
	logger *zap.Logger
	now    func() time.Time
}

func NewEnqueuer(store EventStore, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{
		store:  store,
		logger: logger.Named("enqueuer"),
		now:    time.Now,
	}
}

// EnqueueRunFinished appends one due run event. Failed and partial runs also
// fan out one integration job per enabled tenant integration, keyed so that a
// repeated enqueue for the same run and channel is ignored.
func (e *Enqueuer) EnqueueRunFinished(ctx context.Context, run *db.CheckRun, rule *db.CheckRule) error {
	now := e.now()

	ev := &db.OutboxEvent{
		ID:            uuid.New().String(),
		TenantID:      run.TenantID,
		RunID:         run.ID,
		Status:        run.Status,
		RuleCode:      rule.Code,
		Attempts:      0,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := e.store.InsertOutboxEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if run.Status != db.RunStatusFailed && run.Status != db.RunStatusPartial {
		return nil
	}

	targets, err := e.store.ListIntegrations(ctx, run.TenantID)
	if err != nil {
		return fmt.Errorf("list integrations: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(integrations.MessageForRun(run, rule))
	if err != nil {
		return fmt.Errorf("marshal integration payload: %w", err)
	}

	for _, target := range targets {
		if !integrations.Supported(target.Channel) {
			continue
		}
		key := fmt.Sprintf("%s:%s", run.ID, target.Channel)
		job := &db.IntegrationJob{
			ID:            uuid.New().String(),
			TenantID:      run.TenantID,
			Channel:       target.Channel,
			EventType:     notify.EventType(run.Status),
			Payload:       payload,
			NextAttemptAt: now,
			DedupeKey:     &key,
			CreatedAt:     now,
		}
		inserted, err := e.store.InsertIntegrationJob(ctx, job)
		if err != nil {
			return fmt.Errorf("insert integration job for %s: %w", target.Channel, err)
		}
		if !inserted {
			e.logger.Debug("Integration job already queued", zap.String("dedupe_key", key))
		}
	}
	return nil
}

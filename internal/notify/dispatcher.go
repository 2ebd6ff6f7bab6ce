package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/metrics"
)

// DeliveryRecorder persists one audit row per delivery attempt.
type DeliveryRecorder interface {
	InsertDelivery(ctx context.Context, d *db.NotificationDelivery) error
}

// RunEventData is the data section of a run status webhook.
type RunEventData struct {
	EventID  string       `json:"event_id"`
	TenantID string       `json:"tenant_id"`
	RunID    string       `json:"run_id"`
	RuleCode string       `json:"rule_code"`
	Status   db.RunStatus `json:"status"`
}

// EventType names the notification emitted for a run reaching status.
func EventType(status db.RunStatus) string {
	return "run." + string(status)
}

type Dispatcher struct {
	client   delivery.Doer
	mailer   Mailer
	recorder DeliveryRecorder
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

func NewDispatcher(client delivery.Doer, mailer Mailer, recorder DeliveryRecorder, logger *zap.Logger, metrics *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		client:   client,
		mailer:   mailer,
		recorder: recorder,
		logger:   logger.Named("notify"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Dispatch delivers ev on every channel the tenant configured. The returned
// error is permanent only when every failed channel failed permanently.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *db.OutboxEvent, settings *db.TenantNotificationSettings) error {
	var errs []error

	if settings.Email != "" {
		if err := d.sendEmail(ctx, ev, settings.Email); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}
	if settings.WebhookURL != "" {
		if err := d.sendWebhook(ctx, ev, settings); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}

	return combine(errs)
}

func (d *Dispatcher) sendEmail(ctx context.Context, ev *db.OutboxEvent, to string) error {
	subject := fmt.Sprintf("[Compliance] Check %s finished: %s", ev.RuleCode, ev.Status)
	body := fmt.Sprintf(
		"Rule %s finished with status %s.\n\nRun: %s\nEvent: %s\n",
		ev.RuleCode, ev.Status, ev.RunID, ev.ID,
	)

	start := time.Now()
	err := d.mailer.Send(ctx, to, subject, body)
	status := 250
	if err != nil {
		status = 0
	}
	d.record(ctx, ev, db.ChannelEmail, status, time.Since(start), err)
	return err
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ev *db.OutboxEvent, settings *db.TenantNotificationSettings) error {
	allowed, err := HostAllowed(settings.WebhookURL, settings.AllowedDomains)
	if err == nil && !allowed {
		err = errors.New("webhook host not in tenant allowlist")
	}
	if err != nil {
		err = delivery.Permanent(err)
		d.record(ctx, ev, db.ChannelWebhook, 0, 0, err)
		return err
	}

	eventType := EventType(ev.Status)
	body, err := json.Marshal(NewEnvelope(eventType, RunEventData{
		EventID:  ev.ID,
		TenantID: ev.TenantID,
		RunID:    ev.RunID,
		RuleCode: ev.RuleCode,
		Status:   ev.Status,
	}, d.now()))
	if err != nil {
		err = delivery.Permanent(fmt.Errorf("marshal envelope: %w", err))
		d.record(ctx, ev, db.ChannelWebhook, 0, 0, err)
		return err
	}

	resp, err := delivery.Post(ctx, d.client, settings.WebhookURL, body, SignedHeaders(settings.WebhookSecret, eventType, body))
	d.record(ctx, ev, db.ChannelWebhook, resp.StatusCode, resp.Duration, err)
	return err
}

// record writes the audit row for one attempt. A failed write is counted and
// logged but never fails the delivery.
func (d *Dispatcher) record(ctx context.Context, ev *db.OutboxEvent, channel db.Channel, statusCode int, elapsed time.Duration, sendErr error) {
	d.metrics.RecordNotificationSent(ev.TenantID, channel, sendErr == nil, elapsed.Seconds())

	row := &db.NotificationDelivery{
		ID:         uuid.New().String(),
		TenantID:   ev.TenantID,
		EventID:    ev.ID,
		Channel:    channel,
		Success:    sendErr == nil,
		StatusCode: statusCode,
		DurationMs: int(elapsed.Milliseconds()),
		CreatedAt:  d.now(),
	}
	if sendErr != nil {
		msg := delivery.Excerpt([]byte(sendErr.Error()))
		row.Error = &msg
	}

	if err := d.recorder.InsertDelivery(ctx, row); err != nil {
		d.metrics.RecordAuditWriteFailure("notification_delivery")
		d.logger.Error("Failed to record notification delivery",
			zap.String("event_id", ev.ID),
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
	}
}

func combine(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	joined := errors.Join(errs...)
	for _, err := range errs {
		if !delivery.IsPermanent(err) {
			return &delivery.TransientError{StatusCode: delivery.StatusCode(err), Err: errors.New(joined.Error())}
		}
	}
	return &delivery.PermanentError{Err: joined}
}

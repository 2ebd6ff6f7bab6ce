package db

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrClaimLost means the row was reclaimed by another processor after its
// claim went stale; the caller must drop its bookkeeping for that row.
var ErrClaimLost = errors.New("outbox claim lost")

func (r *Repository) InsertOutboxEvent(ctx context.Context, ev *OutboxEvent) error {
	query := `
        INSERT INTO run_events_outbox (
            id, tenant_id, run_id, status, rule_code, attempts,
            next_attempt_at, created_at
        ) VALUES (
            :id, :tenant_id, :run_id, :status, :rule_code, :attempts,
            :next_attempt_at, :created_at
        )`

	_, err := r.db.NamedExecContext(ctx, query, ev)
	return err
}

// ClaimDueEvents stamps up to limit due events with claimer and returns them
// oldest-due first. Rows claimed before staleBefore are considered abandoned.
func (r *Repository) ClaimDueEvents(ctx context.Context, claimer string, now, staleBefore time.Time, limit int) ([]*OutboxEvent, error) {
	events := []*OutboxEvent{}
	query := `
        UPDATE run_events_outbox SET claimed_at = $1, claimed_by = $2
        WHERE id IN (
            SELECT id FROM run_events_outbox
            WHERE processed_at IS NULL
            AND next_attempt_at <= $1
            AND (claimed_at IS NULL OR claimed_at <= $3)
            ORDER BY next_attempt_at
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        RETURNING *`

	if err := r.db.SelectContext(ctx, &events, query, now, claimer, staleBefore, limit); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].NextAttemptAt.Before(events[j].NextAttemptAt)
	})
	return events, nil
}

func (r *Repository) MarkEventProcessed(ctx context.Context, ev *OutboxEvent, at time.Time) error {
	query := `
        UPDATE run_events_outbox SET
            processed_at = $2,
            attempts = $3,
            last_error = NULL,
            claimed_at = NULL,
            claimed_by = NULL
        WHERE id = $1 AND claimed_by IS NOT DISTINCT FROM $4`

	res, err := r.db.ExecContext(ctx, query, ev.ID, at, ev.Attempts, ev.ClaimedBy)
	return claimResult(res, err)
}

// ReleaseEvent returns a failed event to the due pool at nextAttemptAt.
func (r *Repository) ReleaseEvent(ctx context.Context, ev *OutboxEvent, nextAttemptAt time.Time, lastError string) error {
	query := `
        UPDATE run_events_outbox SET
            attempts = $2,
            next_attempt_at = $3,
            last_error = $4,
            claimed_at = NULL,
            claimed_by = NULL
        WHERE id = $1 AND claimed_by IS NOT DISTINCT FROM $5`

	res, err := r.db.ExecContext(ctx, query, ev.ID, ev.Attempts, nextAttemptAt, lastError, ev.ClaimedBy)
	return claimResult(res, err)
}

// DeadLetterEvent copies the event into the dead-letter table and closes the
// live row in one transaction.
func (r *Repository) DeadLetterEvent(ctx context.Context, ev *OutboxEvent, lastError string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE run_events_outbox SET
            processed_at = $2,
            attempts = $3,
            last_error = $4,
            claimed_at = NULL,
            claimed_by = NULL
        WHERE id = $1 AND claimed_by IS NOT DISTINCT FROM $5`,
		ev.ID, at, ev.Attempts, lastError, ev.ClaimedBy,
	)
	if err := claimResult(res, err); err != nil {
		return err
	}

	dead := &DeadLetterEvent{
		ID:        uuid.New().String(),
		EventID:   ev.ID,
		TenantID:  ev.TenantID,
		RunID:     ev.RunID,
		Status:    ev.Status,
		RuleCode:  ev.RuleCode,
		Attempts:  ev.Attempts,
		LastError: lastError,
		CreatedAt: ev.CreatedAt,
		FailedAt:  at,
	}
	_, err = tx.NamedExecContext(ctx, `
        INSERT INTO run_events_dlq (
            id, event_id, tenant_id, run_id, status, rule_code,
            attempts, last_error, created_at, failed_at
        ) VALUES (
            :id, :event_id, :tenant_id, :run_id, :status, :rule_code,
            :attempts, :last_error, :created_at, :failed_at
        ) ON CONFLICT (event_id) DO NOTHING`, dead)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*DeadLetterEvent, error) {
	events := []*DeadLetterEvent{}
	query := `
        SELECT * FROM run_events_dlq
        WHERE tenant_id = $1
        ORDER BY failed_at DESC
        LIMIT $2`
	err := r.db.SelectContext(ctx, &events, query, tenantID, limit)
	return events, err
}

// Notification settings and delivery telemetry
func (r *Repository) GetNotificationSettings(ctx context.Context, tenantID string) (*TenantNotificationSettings, error) {
	var settings TenantNotificationSettings
	err := r.db.GetContext(ctx, &settings, `SELECT * FROM tenant_notification_settings WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *Repository) InsertDelivery(ctx context.Context, d *NotificationDelivery) error {
	query := `
        INSERT INTO notification_deliveries (
            id, tenant_id, event_id, channel, success, status_code,
            duration_ms, error, created_at
        ) VALUES (
            :id, :tenant_id, :event_id, :channel, :success, :status_code,
            :duration_ms, :error, :created_at
        )`

	_, err := r.db.NamedExecContext(ctx, query, d)
	return err
}

func claimResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *Repository) GetWebhookSecret(ctx context.Context, tenantID string) (string, error) {
	var secret string
	err := r.db.GetContext(ctx, &secret, `SELECT webhook_secret FROM tenant_notification_settings WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return secret, err
}

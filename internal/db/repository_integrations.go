package db

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// InsertIntegrationJob enqueues job. It reports false when a job with the
// same dedupe key already exists.
func (r *Repository) InsertIntegrationJob(ctx context.Context, job *IntegrationJob) (bool, error) {
	query := `
        INSERT INTO integration_outbox (
            id, tenant_id, channel, event_type, payload, attempts,
            next_attempt_at, dedupe_key, created_at
        ) VALUES (
            :id, :tenant_id, :channel, :event_type, :payload, :attempts,
            :next_attempt_at, :dedupe_key, :created_at
        ) ON CONFLICT (dedupe_key) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) ClaimDueJobs(ctx context.Context, claimer string, now, staleBefore time.Time, limit int) ([]*IntegrationJob, error) {
	jobs := []*IntegrationJob{}
	query := `
        UPDATE integration_outbox SET claimed_at = $1, claimed_by = $2
        WHERE id IN (
            SELECT id FROM integration_outbox
            WHERE processed_at IS NULL
            AND next_attempt_at <= $1
            AND (claimed_at IS NULL OR claimed_at <= $3)
            ORDER BY next_attempt_at
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        RETURNING *`

	if err := r.db.SelectContext(ctx, &jobs, query, now, claimer, staleBefore, limit); err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].NextAttemptAt.Before(jobs[j].NextAttemptAt)
	})
	return jobs, nil
}

func (r *Repository) MarkJobProcessed(ctx context.Context, job *IntegrationJob, at time.Time) error {
	query := `
        UPDATE integration_outbox SET
            processed_at = $2,
            attempts = $3,
            last_error = NULL,
            claimed_at = NULL,
            claimed_by = NULL
        WHERE id = $1 AND claimed_by IS NOT DISTINCT FROM $4`

	res, err := r.db.ExecContext(ctx, query, job.ID, at, job.Attempts, job.ClaimedBy)
	return claimResult(res, err)
}

func (r *Repository) ReleaseJob(ctx context.Context, job *IntegrationJob, nextAttemptAt time.Time, lastError string) error {
	query := `
        UPDATE integration_outbox SET
            attempts = $2,
            next_attempt_at = $3,
            last_error = $4,
            claimed_at = NULL,
            claimed_by = NULL
        WHERE id = $1 AND claimed_by IS NOT DISTINCT FROM $5`

	res, err := r.db.ExecContext(ctx, query, job.ID, job.Attempts, nextAttemptAt, lastError, job.ClaimedBy)
	return claimResult(res, err)
}

func (r *Repository) DeadLetterJob(ctx context.Context, job *IntegrationJob, lastError string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE integration_outbox SET
            processed_at = $2,
            attempts = $3,
            last_error = $4,
            claimed_at = NULL,
            claimed_by = NULL
        WHERE id = $1 AND claimed_by IS NOT DISTINCT FROM $5`,
		job.ID, at, job.Attempts, lastError, job.ClaimedBy,
	)
	if err := claimResult(res, err); err != nil {
		return err
	}

	dead := &IntegrationDLQJob{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Channel:   job.Channel,
		EventType: job.EventType,
		Payload:   job.Payload,
		Attempts:  job.Attempts,
		DedupeKey: job.DedupeKey,
		LastError: lastError,
		CreatedAt: at,
	}
	_, err = tx.NamedExecContext(ctx, `
        INSERT INTO integration_dlq (
            id, job_id, tenant_id, channel, event_type, payload,
            attempts, dedupe_key, last_error, created_at
        ) VALUES (
            :id, :job_id, :tenant_id, :channel, :event_type, :payload,
            :attempts, :dedupe_key, :last_error, :created_at
        ) ON CONFLICT (job_id) DO NOTHING`, dead)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) GetIntegration(ctx context.Context, tenantID string, channel Channel) (*TenantIntegration, error) {
	var integ TenantIntegration
	err := r.db.GetContext(ctx, &integ, `SELECT * FROM tenant_integrations WHERE tenant_id = $1 AND channel = $2`, tenantID, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &integ, nil
}

func (r *Repository) ListIntegrations(ctx context.Context, tenantID string) ([]*TenantIntegration, error) {
	integrations := []*TenantIntegration{}
	query := `SELECT * FROM tenant_integrations WHERE tenant_id = $1 AND enabled = true ORDER BY channel`
	err := r.db.SelectContext(ctx, &integrations, query, tenantID)
	return integrations, err
}

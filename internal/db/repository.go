package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrUnknownCollection = errors.New("unknown collection")
)

// countableCollections maps the collection names a query rule may reference to
// the tenant tables that hold them. Anything else is rejected before it reaches SQL.
var countableCollections = map[string]string{
	"evidence":           "evidence_items",
	"policies":           "policies",
	"vendor_assessments": "vendor_assessments",
	"training_records":   "training_records",
	"risk_assessments":   "risk_assessments",
	"dpia_forms":         "dpia_forms",
}

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Tenants
func (r *Repository) ListTenantIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM tenants WHERE is_active = true ORDER BY id`)
	return ids, err
}

// Rules
func (r *Repository) ListEnabledRules(ctx context.Context, tenantID string, ruleIDs []string) ([]*CheckRule, error) {
	rules := []*CheckRule{}
	query := `
        SELECT * FROM check_rules
        WHERE tenant_id = $1 AND enabled = true AND deleted_at IS NULL`
	args := []interface{}{tenantID}

	if len(ruleIDs) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, pq.Array(ruleIDs))
	}
	query += ` ORDER BY code`

	err := r.db.SelectContext(ctx, &rules, query, args...)
	return rules, err
}

func (r *Repository) CountRecords(ctx context.Context, tenantID, controlID, collection string) (int, error) {
	table, ok := countableCollections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	var count int
	query := fmt.Sprintf(`
        SELECT COUNT(*) FROM %s
        WHERE tenant_id = $1 AND control_id = $2 AND deleted_at IS NULL`, pq.QuoteIdentifier(table))
	err := r.db.GetContext(ctx, &count, query, tenantID, controlID)
	return count, err
}

// Runs
func (r *Repository) FindRun(ctx context.Context, tenantID, ruleID string, start, end time.Time) (*CheckRun, error) {
	var run CheckRun
	query := `
        SELECT * FROM check_runs
        WHERE tenant_id = $1 AND rule_id = $2 AND window_start = $3 AND window_end = $4`
	err := r.db.GetContext(ctx, &run, query, tenantID, ruleID, start, end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repository) FindAdHocRunSince(ctx context.Context, tenantID, ruleID string, since time.Time) (*CheckRun, error) {
	var run CheckRun
	query := `
        SELECT * FROM check_runs
        WHERE tenant_id = $1 AND rule_id = $2 AND period = $3 AND window_end > $4
        ORDER BY window_end DESC
        LIMIT 1`
	err := r.db.GetContext(ctx, &run, query, tenantID, ruleID, PeriodAdHoc, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun inserts the run unless one with the same identity exists and
// returns whichever row owns the identity afterwards.
func (r *Repository) CreateRun(ctx context.Context, run *CheckRun) (*CheckRun, error) {
	query := `
        INSERT INTO check_runs (
            id, tenant_id, rule_id, period, window_start, window_end,
            status, requested_by, started_at
        ) VALUES (
            :id, :tenant_id, :rule_id, :period, :window_start, :window_end,
            :status, :requested_by, :started_at
        ) ON CONFLICT (tenant_id, rule_id, window_start, window_end) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return nil, err
	}

	stored, err := r.FindRun(ctx, run.TenantID, run.RuleID, run.WindowStart, run.WindowEnd)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrRunNotFound
	}
	return stored, nil
}

func (r *Repository) GetRun(ctx context.Context, id, tenantID string) (*CheckRun, error) {
	var run CheckRun
	err := r.db.GetContext(ctx, &run, `SELECT * FROM check_runs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FinishOpenRuns moves the still-open runs among ids to status and returns
// the ids that actually transitioned.
func (r *Repository) FinishOpenRuns(ctx context.Context, ids []string, status RunStatus, finishedAt time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	updated := []string{}
	query := `
        UPDATE check_runs SET status = $1, finished_at = $2
        WHERE id = ANY($3) AND finished_at IS NULL
        RETURNING id`
	err := r.db.SelectContext(ctx, &updated, query, status, finishedAt, pq.Array(ids))
	return updated, err
}

// Results
func (r *Repository) InsertResult(ctx context.Context, result *CheckResult) error {
	query := `
        INSERT INTO check_results (
            id, run_id, rule_id, tenant_id, outcome, message, details, created_at
        ) VALUES (
            :id, :run_id, :rule_id, :tenant_id, :outcome, :message, :details, :created_at
        )`

	_, err := r.db.NamedExecContext(ctx, query, result)
	return err
}

func (r *Repository) LatestResult(ctx context.Context, runID string) (*CheckResult, error) {
	var result CheckResult
	query := `
        SELECT * FROM check_results
        WHERE run_id = $1
        ORDER BY created_at DESC
        LIMIT 1`
	err := r.db.GetContext(ctx, &result, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Repository) ListResults(ctx context.Context, runID string) ([]*CheckResult, error) {
	results := []*CheckResult{}
	query := `SELECT * FROM check_results WHERE run_id = $1 ORDER BY created_at`
	err := r.db.SelectContext(ctx, &results, query, runID)
	return results, err
}

package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/metrics"
	"github.com/leozw/compliance-guardian/internal/rules"
)

// Store is the slice of the repository the coordinator needs.
type Store interface {
	ListEnabledRules(ctx context.Context, tenantID string, ruleIDs []string) ([]*db.CheckRule, error)
	FindRun(ctx context.Context, tenantID, ruleID string, start, end time.Time) (*db.CheckRun, error)
	FindAdHocRunSince(ctx context.Context, tenantID, ruleID string, since time.Time) (*db.CheckRun, error)
	CreateRun(ctx context.Context, run *db.CheckRun) (*db.CheckRun, error)
	InsertResult(ctx context.Context, result *db.CheckResult) error
	LatestResult(ctx context.Context, runID string) (*db.CheckResult, error)
	FinishOpenRuns(ctx context.Context, ids []string, status db.RunStatus, finishedAt time.Time) ([]string, error)
}

type RuleEvaluator interface {
	Evaluate(ctx context.Context, rule *db.CheckRule) rules.Evaluation
}

// EventEnqueuer records that a run reached a terminal status.
type EventEnqueuer interface {
	EnqueueRunFinished(ctx context.Context, run *db.CheckRun, rule *db.CheckRule) error
}

type Request struct {
	TenantID    string
	Period      db.Period
	RuleIDs     []string
	RequestedBy string
}

type RuleResult struct {
	RunID   string     `json:"run_id"`
	RuleID  string     `json:"rule_id"`
	Code    string     `json:"code"`
	Outcome db.Outcome `json:"outcome"`
	Message string     `json:"message"`
	Reused  bool       `json:"reused,omitempty"`
}

type Outcome struct {
	Window  rules.Window `json:"window"`
	Results []RuleResult `json:"results"`
	Status  db.RunStatus `json:"status,omitempty"`
}

type Coordinator struct {
	store     Store
	evaluator RuleEvaluator
	enqueuer  EventEnqueuer
	location  *time.Location
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

func NewCoordinator(store Store, evaluator RuleEvaluator, enqueuer EventEnqueuer, loc *time.Location, logger *zap.Logger, metrics *metrics.Collector) *Coordinator {
	if loc == nil {
		loc = time.UTC
	}
	return &Coordinator{
		store:     store,
		evaluator: evaluator,
		enqueuer:  enqueuer,
		location:  loc,
		logger:    logger.Named("coordinator"),
		metrics:   metrics,
		now:       time.Now,
	}
}

type touchedRun struct {
	run  *db.CheckRun
	rule *db.CheckRule
}

// Execute runs one evaluation pass for a tenant and period. Rules whose run
// for the window is already terminal are reported without re-evaluation. The
// aggregate status is applied only to runs that are still open when the pass
// finishes.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Outcome, error) {
	period, err := rules.ParsePeriod(string(req.Period))
	if err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		return nil, &rules.ValidationError{Field: "tenant_id", Reason: "required"}
	}

	now := c.now()
	window := rules.WindowFor(period, now, c.location)
	logger := c.logger.With(
		zap.String("tenant_id", req.TenantID),
		zap.String("period", string(period)),
		zap.Time("window_start", window.Start),
	)

	ruleList, err := c.store.ListEnabledRules(ctx, req.TenantID, req.RuleIDs)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	out := &Outcome{Window: window, Results: []RuleResult{}}
	var touched []touchedRun
	var anyFail, anyWarn bool

	for _, rule := range ruleList {
		run, err := c.resolveRun(ctx, req, period, window, rule)
		if err != nil {
			logger.Error("Failed to resolve run",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}

		if run.Status.Terminal() {
			out.Results = append(out.Results, c.reusedResult(ctx, run, rule))
			continue
		}

		ev := c.evaluator.Evaluate(ctx, rule)
		if ev.Err != nil {
			c.metrics.RecordEvaluationError(req.TenantID, rule.Code)
			logger.Warn("Rule evaluation failed",
				zap.String("rule_code", rule.Code),
				zap.Error(ev.Err),
			)
		}

		result := &db.CheckResult{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			RuleID:    rule.ID,
			TenantID:  req.TenantID,
			Outcome:   ev.Outcome,
			Message:   ev.Message,
			Details:   ev.Details,
			CreatedAt: c.now(),
		}
		if err := c.store.InsertResult(ctx, result); err != nil {
			logger.Error("Failed to save check result",
				zap.String("rule_code", rule.Code),
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
			continue
		}
		c.metrics.RecordResult(req.TenantID, period, ev.Outcome)

		switch ev.Outcome {
		case db.OutcomeFail:
			anyFail = true
		case db.OutcomeWarn:
			anyWarn = true
		}

		touched = append(touched, touchedRun{run: run, rule: rule})
		out.Results = append(out.Results, RuleResult{
			RunID:   run.ID,
			RuleID:  rule.ID,
			Code:    rule.Code,
			Outcome: ev.Outcome,
			Message: ev.Message,
		})
	}

	if len(touched) == 0 {
		return out, nil
	}

	status := Aggregate(anyFail, anyWarn)
	out.Status = status

	ids := make([]string, len(touched))
	for i, t := range touched {
		ids[i] = t.run.ID
	}
	finishedAt := c.now()
	transitioned, err := c.store.FinishOpenRuns(ctx, ids, status, finishedAt)
	if err != nil {
		return out, fmt.Errorf("finish runs: %w", err)
	}

	done := make(map[string]bool, len(transitioned))
	for _, id := range transitioned {
		done[id] = true
	}
	for _, t := range touched {
		if !done[t.run.ID] {
			continue
		}
		t.run.Status = status
		t.run.FinishedAt = &finishedAt
		c.metrics.RecordRun(req.TenantID, period, status)

		if c.enqueuer == nil {
			continue
		}
		if err := c.enqueuer.EnqueueRunFinished(ctx, t.run, t.rule); err != nil {
			c.metrics.RecordAuditWriteFailure("enqueue")
			logger.Error("Failed to enqueue run event",
				zap.String("run_id", t.run.ID),
				zap.Error(err),
			)
		}
	}

	logger.Debug("Evaluation pass complete",
		zap.Int("rules", len(ruleList)),
		zap.Int("evaluated", len(touched)),
		zap.Int("finished", len(transitioned)),
		zap.String("status", string(status)),
	)
	return out, nil
}

// Aggregate folds the outcomes of one pass into a run status.
func Aggregate(anyFail, anyWarn bool) db.RunStatus {
	switch {
	case anyFail:
		return db.RunStatusFailed
	case anyWarn:
		return db.RunStatusPartial
	default:
		return db.RunStatusSuccess
	}
}

// resolveRun returns the run owning (tenant, rule, window), creating it when
// none exists. Ad-hoc requests reuse any ad-hoc run whose window is still
// inside the collapse span.
func (c *Coordinator) resolveRun(ctx context.Context, req Request, period db.Period, window rules.Window, rule *db.CheckRule) (*db.CheckRun, error) {
	run, err := c.store.FindRun(ctx, req.TenantID, rule.ID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	if run == nil && period == db.PeriodAdHoc {
		run, err = c.store.FindAdHocRunSince(ctx, req.TenantID, rule.ID, window.Start)
		if err != nil {
			return nil, err
		}
	}
	if run != nil {
		return run, nil
	}

	return c.store.CreateRun(ctx, &db.CheckRun{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		RuleID:      rule.ID,
		Period:      period,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		Status:      db.RunStatusRunning,
		RequestedBy: req.RequestedBy,
		StartedAt:   c.now(),
	})
}

func (c *Coordinator) reusedResult(ctx context.Context, run *db.CheckRun, rule *db.CheckRule) RuleResult {
	res := RuleResult{
		RunID:  run.ID,
		RuleID: rule.ID,
		Code:   rule.Code,
		Reused: true,
	}

	if run.Status == db.RunStatusSuccess {
		res.Outcome = db.OutcomePass
		res.Message = "already evaluated for this window"
		return res
	}

	latest, err := c.store.LatestResult(ctx, run.ID)
	if err != nil {
		c.logger.Warn("Failed to load stored result", zap.String("run_id", run.ID), zap.Error(err))
	}
	if latest != nil && latest.RuleID == rule.ID {
		res.Outcome = latest.Outcome
		res.Message = latest.Message
		return res
	}

	if run.Status == db.RunStatusFailed {
		res.Outcome = db.OutcomeFail
	} else {
		res.Outcome = db.OutcomeWarn
	}
	res.Message = fmt.Sprintf("already evaluated for this window (%s)", run.Status)
	return res
}

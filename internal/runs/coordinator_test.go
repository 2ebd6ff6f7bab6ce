package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/rules"
)

type memStore struct {
	mu      sync.Mutex
	rules   []*db.CheckRule
	runs    map[string]*db.CheckRun
	results []*db.CheckResult

	listErr error
}

func newMemStore(rs ...*db.CheckRule) *memStore {
	return &memStore{rules: rs, runs: map[string]*db.CheckRun{}}
}

func (m *memStore) ListEnabledRules(ctx context.Context, tenantID string, ruleIDs []string) ([]*db.CheckRule, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	want := map[string]bool{}
	for _, id := range ruleIDs {
		want[id] = true
	}
	var out []*db.CheckRule
	for _, r := range m.rules {
		if r.TenantID != tenantID || !r.Enabled || r.DeletedAt != nil {
			continue
		}
		if len(want) > 0 && !want[r.ID] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) FindRun(ctx context.Context, tenantID, ruleID string, start, end time.Time) (*db.CheckRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.TenantID == tenantID && run.RuleID == ruleID && run.WindowStart.Equal(start) && run.WindowEnd.Equal(end) {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindAdHocRunSince(ctx context.Context, tenantID, ruleID string, since time.Time) (*db.CheckRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *db.CheckRun
	for _, run := range m.runs {
		if run.TenantID == tenantID && run.RuleID == ruleID && run.Period == db.PeriodAdHoc && run.WindowEnd.After(since) {
			if best == nil || run.WindowEnd.After(best.WindowEnd) {
				best = run
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) CreateRun(ctx context.Context, run *db.CheckRun) (*db.CheckRun, error) {
	if existing, _ := m.FindRun(ctx, run.TenantID, run.RuleID, run.WindowStart, run.WindowEnd); existing != nil {
		return existing, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) InsertResult(ctx context.Context, result *db.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memStore) LatestResult(ctx context.Context, runID string) (*db.CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.results) - 1; i >= 0; i-- {
		if m.results[i].RunID == runID {
			return m.results[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) FinishOpenRuns(ctx context.Context, ids []string, status db.RunStatus, finishedAt time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated []string
	for _, id := range ids {
		run, ok := m.runs[id]
		if !ok || run.FinishedAt != nil {
			continue
		}
		at := finishedAt
		run.Status = status
		run.FinishedAt = &at
		updated = append(updated, id)
	}
	return updated, nil
}

func (m *memStore) resultsFor(runID string) int {
	n := 0
	for _, r := range m.results {
		if r.RunID == runID {
			n++
		}
	}
	return n
}

type countingEvaluator struct {
	inner *rules.Evaluator
	calls int
}

func (c *countingEvaluator) Evaluate(ctx context.Context, rule *db.CheckRule) rules.Evaluation {
	c.calls++
	return c.inner.Evaluate(ctx, rule)
}

type recordingEnqueuer struct {
	runs []*db.CheckRun
	err  error
}

func (r *recordingEnqueuer) EnqueueRunFinished(ctx context.Context, run *db.CheckRun, rule *db.CheckRule) error {
	r.runs = append(r.runs, run)
	return r.err
}

func staticRule(id, code string, severity db.Severity, value, threshold string) *db.CheckRule {
	return &db.CheckRule{
		ID:            id,
		TenantID:      "tenant-1",
		Code:          code,
		Kind:          db.RuleKindStatic,
		Severity:      severity,
		Enabled:       true,
		Specification: types.JSONText(`{"metric":"coverage","value":` + value + `,"op":">=","threshold":` + threshold + `}`),
	}
}

var fixedNow = time.Date(2024, 5, 15, 13, 42, 0, 0, time.UTC)

func newTestCoordinator(store Store, enq EventEnqueuer) (*Coordinator, *countingEvaluator) {
	eval := &countingEvaluator{inner: rules.NewEvaluator(nil)}
	c := NewCoordinator(store, eval, enq, time.UTC, zap.NewNop(), nil)
	c.now = func() time.Time { return fixedNow }
	return c, eval
}

func TestExecuteAggregatesWorstOutcome(t *testing.T) {
	store := newMemStore(
		staticRule("a", "A", db.SeverityMedium, "0.5", "0.9"),
		staticRule("b", "B", db.SeverityCritical, "0.5", "0.9"),
	)
	enq := &recordingEnqueuer{}
	c, _ := newTestCoordinator(store, enq)

	out, err := c.Execute(context.Background(), Request{TenantID: "tenant-1", Period: db.PeriodDaily})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if out.Status != db.RunStatusFailed {
		t.Fatalf("Status = %s, want failed", out.Status)
	}
	got := map[string]db.Outcome{}
	for _, r := range out.Results {
		got[r.Code] = r.Outcome
	}
	if got["A"] != db.OutcomeWarn || got["B"] != db.OutcomeFail {
		t.Errorf("outcomes = %v, want A=warn B=fail", got)
	}
	for _, run := range store.runs {
		if run.Status != db.RunStatusFailed || run.FinishedAt == nil {
			t.Errorf("run %s: status %s finished %v", run.ID, run.Status, run.FinishedAt)
		}
	}
	if len(enq.runs) != 2 {
		t.Errorf("enqueued %d events, want 2", len(enq.runs))
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		fail, warn bool
		want       db.RunStatus
	}{
		{false, false, db.RunStatusSuccess},
		{false, true, db.RunStatusPartial},
		{true, false, db.RunStatusFailed},
		{true, true, db.RunStatusFailed},
	}
	for _, tt := range tests {
		if got := Aggregate(tt.fail, tt.warn); got != tt.want {
			t.Errorf("Aggregate(%v, %v) = %s, want %s", tt.fail, tt.warn, got, tt.want)
		}
	}
}

func TestExecuteIsIdempotentForTerminalRuns(t *testing.T) {
	store := newMemStore(staticRule("a", "A", db.SeverityHigh, "1", "0.9"))
	enq := &recordingEnqueuer{}
	c, eval := newTestCoordinator(store, enq)
	req := Request{TenantID: "tenant-1", Period: db.PeriodHourly}

	first, err := c.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	second, err := c.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if eval.calls != 1 {
		t.Errorf("evaluator called %d times, want 1", eval.calls)
	}
	if len(store.runs) != 1 {
		t.Fatalf("%d runs stored, want 1", len(store.runs))
	}
	runID := first.Results[0].RunID
	if n := store.resultsFor(runID); n != 1 {
		t.Errorf("%d results for run, want 1", n)
	}
	if !second.Results[0].Reused || second.Results[0].Outcome != db.OutcomePass || second.Results[0].RunID != runID {
		t.Errorf("second result = %+v, want reused pass on same run", second.Results[0])
	}
	if len(enq.runs) != 1 {
		t.Errorf("enqueued %d events, want 1", len(enq.runs))
	}
}

func TestExecuteReusedFailedRunReportsStoredOutcome(t *testing.T) {
	store := newMemStore(staticRule("a", "A", db.SeverityCritical, "0.1", "0.9"))
	c, eval := newTestCoordinator(store, nil)
	req := Request{TenantID: "tenant-1", Period: db.PeriodWeekly}

	if _, err := c.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	out, err := c.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if eval.calls != 1 {
		t.Errorf("evaluator called %d times, want 1", eval.calls)
	}
	if out.Results[0].Outcome != db.OutcomeFail {
		t.Errorf("reused outcome = %s, want fail", out.Results[0].Outcome)
	}
	if out.Status != "" {
		t.Errorf("Status = %s, want empty for a pass with nothing evaluated", out.Status)
	}
}

func TestExecuteRuleSubset(t *testing.T) {
	store := newMemStore(
		staticRule("a", "A", db.SeverityLow, "1", "0.5"),
		staticRule("b", "B", db.SeverityLow, "1", "0.5"),
	)
	c, eval := newTestCoordinator(store, nil)

	out, err := c.Execute(context.Background(), Request{TenantID: "tenant-1", Period: db.PeriodDaily, RuleIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].RuleID != "b" {
		t.Fatalf("results = %+v, want only rule b", out.Results)
	}
	if eval.calls != 1 {
		t.Errorf("evaluator called %d times, want 1", eval.calls)
	}
}

func TestExecuteAdHocCollapsesRapidReruns(t *testing.T) {
	store := newMemStore(staticRule("a", "A", db.SeverityLow, "1", "0.5"))
	c, eval := newTestCoordinator(store, nil)
	req := Request{TenantID: "tenant-1", Period: db.PeriodAdHoc}

	if _, err := c.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	c.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	out, err := c.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if eval.calls != 1 || !out.Results[0].Reused {
		t.Errorf("rerun inside span: calls=%d reused=%v, want 1 and true", eval.calls, out.Results[0].Reused)
	}

	c.now = func() time.Time { return fixedNow.Add(10 * time.Minute) }
	if _, err := c.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if eval.calls != 2 {
		t.Errorf("rerun after span: calls=%d, want 2", eval.calls)
	}
	if len(store.runs) != 2 {
		t.Errorf("%d runs, want 2", len(store.runs))
	}
}

func TestExecuteDoesNotClobberRunFinishedConcurrently(t *testing.T) {
	store := newMemStore(staticRule("a", "A", db.SeverityLow, "1", "0.5"))
	enq := &recordingEnqueuer{}
	c, _ := newTestCoordinator(&racingStore{memStore: store}, enq)

	out, err := c.Execute(context.Background(), Request{TenantID: "tenant-1", Period: db.PeriodDaily})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, run := range store.runs {
		if run.Status != db.RunStatusPartial {
			t.Errorf("run status = %s, want partial set by the other writer", run.Status)
		}
	}
	if len(enq.runs) != 0 {
		t.Errorf("enqueued %d events for a run this pass did not finish", len(enq.runs))
	}
	if out.Status != db.RunStatusSuccess {
		t.Errorf("pass status = %s, want success", out.Status)
	}
}

// racingStore finishes every run right after its result is written, the way
// a concurrent invocation would.
type racingStore struct {
	*memStore
}

func (r *racingStore) InsertResult(ctx context.Context, result *db.CheckResult) error {
	if err := r.memStore.InsertResult(ctx, result); err != nil {
		return err
	}
	_, err := r.memStore.FinishOpenRuns(ctx, []string{result.RunID}, db.RunStatusPartial, fixedNow)
	return err
}

func TestExecuteEnqueueFailureIsNotFatal(t *testing.T) {
	store := newMemStore(staticRule("a", "A", db.SeverityLow, "1", "0.5"))
	enq := &recordingEnqueuer{err: errors.New("outbox down")}
	c, _ := newTestCoordinator(store, enq)

	out, err := c.Execute(context.Background(), Request{TenantID: "tenant-1", Period: db.PeriodDaily})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != db.RunStatusSuccess {
		t.Errorf("Status = %s, want success", out.Status)
	}
}

func TestExecuteValidation(t *testing.T) {
	c, _ := newTestCoordinator(newMemStore(), nil)

	var verr *rules.ValidationError
	if _, err := c.Execute(context.Background(), Request{TenantID: "t", Period: "monthly"}); !errors.As(err, &verr) {
		t.Errorf("bad period: error = %v, want ValidationError", err)
	}
	if _, err := c.Execute(context.Background(), Request{Period: db.PeriodDaily}); !errors.As(err, &verr) {
		t.Errorf("missing tenant: error = %v, want ValidationError", err)
	}
}

func TestExecuteStoreError(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("connection refused")
	c, _ := newTestCoordinator(store, nil)

	if _, err := c.Execute(context.Background(), Request{TenantID: "t", Period: db.PeriodDaily}); err == nil {
		t.Fatal("Execute() error = nil, want store error")
	}
}

package rules

import (
	"context"
	"fmt"

	"github.com/leozw/compliance-guardian/internal/db"
)

// RecordCounter counts tenant records attached to a control.
type RecordCounter interface {
	CountRecords(ctx context.Context, tenantID, controlID, collection string) (int, error)
}

// EvaluationError wraps anything that stopped a rule from being evaluated.
// It is recorded as a fail result and never retried.
type EvaluationError struct {
	RuleCode string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate rule %s: %v", e.RuleCode, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

type Evaluation struct {
	Outcome db.Outcome
	Message string
	Details db.JSONB
	Err     error
}

type Evaluator struct {
	counter RecordCounter
}

func NewEvaluator(counter RecordCounter) *Evaluator {
	return &Evaluator{counter: counter}
}

// Evaluate runs one rule. It never returns a zero Evaluation: failures to
// evaluate come back as a fail outcome carrying the error.
func (e *Evaluator) Evaluate(ctx context.Context, rule *db.CheckRule) (ev Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			ev = failed(rule, fmt.Errorf("panic: %v", r))
		}
	}()

	spec, err := ParseSpec(rule.Kind, rule.Specification)
	if err != nil {
		return failed(rule, err)
	}

	switch s := spec.(type) {
	case StaticSpec:
		return e.evaluateStatic(rule, s)
	case QuerySpec:
		return e.evaluateQuery(ctx, rule, s)
	default:
		return failed(rule, fmt.Errorf("no evaluator for %s", spec.Kind()))
	}
}

func (e *Evaluator) evaluateStatic(rule *db.CheckRule, s StaticSpec) Evaluation {
	value, threshold := *s.Value, *s.Threshold
	details := db.JSONB{
		"metric":    s.Metric,
		"value":     value,
		"op":        string(s.Op),
		"threshold": threshold,
	}

	if s.Op.Compare(value, threshold) {
		return Evaluation{
			Outcome: db.OutcomePass,
			Message: fmt.Sprintf("%s = %g satisfies %s %g", s.Metric, value, s.Op, threshold),
			Details: details,
		}
	}
	return Evaluation{
		Outcome: FailureOutcome(rule.Severity),
		Message: fmt.Sprintf("%s = %g violates %s %g", s.Metric, value, s.Op, threshold),
		Details: details,
	}
}

func (e *Evaluator) evaluateQuery(ctx context.Context, rule *db.CheckRule, s QuerySpec) Evaluation {
	if e.counter == nil {
		return failed(rule, fmt.Errorf("no record counter configured"))
	}

	count, err := e.counter.CountRecords(ctx, rule.TenantID, rule.ControlID, s.Collection)
	if err != nil {
		return failed(rule, fmt.Errorf("count %s: %w", s.Collection, err))
	}

	details := db.JSONB{
		"collection": s.Collection,
		"count":      count,
		"min_count":  s.MinCount,
		"control_id": rule.ControlID,
	}
	if count >= s.MinCount {
		return Evaluation{
			Outcome: db.OutcomePass,
			Message: fmt.Sprintf("%d %s found, %d required", count, s.Collection, s.MinCount),
			Details: details,
		}
	}
	return Evaluation{
		Outcome: FailureOutcome(rule.Severity),
		Message: fmt.Sprintf("only %d %s found, %d required", count, s.Collection, s.MinCount),
		Details: details,
	}
}

// FailureOutcome maps a violated rule to its outcome: only high and critical
// severities are hard failures.
func FailureOutcome(severity db.Severity) db.Outcome {
	switch severity {
	case db.SeverityHigh, db.SeverityCritical:
		return db.OutcomeFail
	default:
		return db.OutcomeWarn
	}
}

func failed(rule *db.CheckRule, err error) Evaluation {
	evalErr := &EvaluationError{RuleCode: rule.Code, Err: err}
	return Evaluation{
		Outcome: db.OutcomeFail,
		Message: evalErr.Error(),
		Details: db.JSONB{"error": err.Error()},
		Err:     evalErr,
	}
}

package integrations

import (
	"fmt"
	"strings"
	"time"

	"github.com/leozw/compliance-guardian/internal/db"
)

// Message is the channel-neutral shape every integration job carries. Each
// transport maps it onto its target's schema.
type Message struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	IssueType   string       `json:"issue_type,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	TenantID    string       `json:"tenant_id"`
	RunID       string       `json:"run_id"`
	RuleCode    string       `json:"rule_code"`
	Severity    db.Severity  `json:"severity"`
	Status      db.RunStatus `json:"status"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
}

// MessageForRun describes a finished run for third-party systems.
func MessageForRun(run *db.CheckRun, rule *db.CheckRule) Message {
	name := rule.Name
	if name == "" {
		name = rule.Code
	}

	issueType := "Task"
	if run.Status == db.RunStatusFailed {
		issueType = "Bug"
	}

	return Message{
		Title: fmt.Sprintf("[%s] %s check %s", strings.ToUpper(string(rule.Severity)), name, run.Status),
		Description: fmt.Sprintf(
			"Compliance check %s (%s) finished with status %s for the %s window %s to %s.\nRun ID: %s",
			rule.Code, name, run.Status, run.Period,
			run.WindowStart.UTC().Format(time.RFC3339), run.WindowEnd.UTC().Format(time.RFC3339),
			run.ID,
		),
		IssueType:   issueType,
		Labels:      []string{"compliance", "severity-" + string(rule.Severity), "rule-" + strings.ToLower(rule.Code)},
		TenantID:    run.TenantID,
		RunID:       run.ID,
		RuleCode:    rule.Code,
		Severity:    rule.Severity,
		Status:      run.Status,
		WindowStart: run.WindowStart,
		WindowEnd:   run.WindowEnd,
	}
}

package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type RuleKind string

const (
	RuleKindStatic RuleKind = "static"
	RuleKindQuery  RuleKind = "query"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Period string

const (
	PeriodHourly Period = "hourly"
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
	PeriodAdHoc  Period = "ad-hoc"
)

// ScheduledPeriods are the periods the scheduler drives for every tenant.
var ScheduledPeriods = []Period{PeriodHourly, PeriodDaily, PeriodWeekly}

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusPartial RunStatus = "partial"
)

// Terminal reports whether no further evaluation may happen for the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusPartial
}

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeWarn Outcome = "warn"
)

type Channel string

const (
	ChannelWebhook      Channel = "webhook"
	ChannelChat         Channel = "chat"
	ChannelIssueTracker Channel = "issue-tracker"
	ChannelEmail        Channel = "email"
)

type CheckRule struct {
	ID            string         `json:"id" db:"id"`
	TenantID      string         `json:"-" db:"tenant_id"`
	Code          string         `json:"code" db:"code"`
	Name          string         `json:"name" db:"name"`
	Kind          RuleKind       `json:"kind" db:"kind"`
	Severity      Severity       `json:"severity" db:"severity"`
	Enabled       bool           `json:"enabled" db:"enabled"`
	Specification types.JSONText `json:"specification" db:"specification"`
	ControlID     string         `json:"control_id" db:"control_id"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time     `json:"-" db:"deleted_at"`
}

type CheckRun struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"-" db:"tenant_id"`
	RuleID      string     `json:"rule_id" db:"rule_id"`
	Period      Period     `json:"period" db:"period"`
	WindowStart time.Time  `json:"window_start" db:"window_start"`
	WindowEnd   time.Time  `json:"window_end" db:"window_end"`
	Status      RunStatus  `json:"status" db:"status"`
	RequestedBy string     `json:"requested_by" db:"requested_by"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

type CheckResult struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	RuleID    string    `json:"rule_id" db:"rule_id"`
	TenantID  string    `json:"-" db:"tenant_id"`
	Outcome   Outcome   `json:"outcome" db:"outcome"`
	Message   string    `json:"message" db:"message"`
	Details   JSONB     `json:"details,omitempty" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// OutboxEvent is one pending run-status notification.
type OutboxEvent struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	RunID         string     `json:"run_id" db:"run_id"`
	Status        RunStatus  `json:"status" db:"status"`
	RuleCode      string     `json:"rule_code" db:"rule_code"`
	Attempts      int        `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`
	ClaimedAt     *time.Time `json:"-" db:"claimed_at"`
	ClaimedBy     *string    `json:"-" db:"claimed_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

type DeadLetterEvent struct {
	ID        string    `json:"id" db:"id"`
	EventID   string    `json:"event_id" db:"event_id"`
	TenantID  string    `json:"-" db:"tenant_id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Status    RunStatus `json:"status" db:"status"`
	RuleCode  string    `json:"rule_code" db:"rule_code"`
	Attempts  int       `json:"attempts" db:"attempts"`
	LastError string    `json:"last_error" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	FailedAt  time.Time `json:"failed_at" db:"failed_at"`
}

type IntegrationJob struct {
	ID            string         `json:"id" db:"id"`
	TenantID      string         `json:"tenant_id" db:"tenant_id"`
	Channel       Channel        `json:"channel" db:"channel"`
	EventType     string         `json:"event_type" db:"event_type"`
	Payload       types.JSONText `json:"payload" db:"payload"`
	Attempts      int            `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time      `json:"-" db:"next_attempt_at"`
	ProcessedAt   *time.Time     `json:"-" db:"processed_at"`
	LastError     *string        `json:"-" db:"last_error"`
	DedupeKey     *string        `json:"-" db:"dedupe_key"`
	ClaimedAt     *time.Time     `json:"-" db:"claimed_at"`
	ClaimedBy     *string        `json:"-" db:"claimed_by"`
	CreatedAt     time.Time      `json:"-" db:"created_at"`
}

type IntegrationDLQJob struct {
	ID        string         `json:"id" db:"id"`
	JobID     string         `json:"job_id" db:"job_id"`
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	Channel   Channel        `json:"channel" db:"channel"`
	EventType string         `json:"event_type" db:"event_type"`
	Payload   types.JSONText `json:"payload" db:"payload"`
	Attempts  int            `json:"attempts" db:"attempts"`
	DedupeKey *string        `json:"dedupe_key" db:"dedupe_key"`
	LastError string         `json:"last_error" db:"last_error"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// NotificationDelivery is write-only telemetry, one row per delivery attempt.
type NotificationDelivery struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	EventID    string    `json:"event_id" db:"event_id"`
	Channel    Channel   `json:"channel" db:"channel"`
	Success    bool      `json:"success" db:"success"`
	StatusCode int       `json:"status_code" db:"status_code"`
	DurationMs int       `json:"duration_ms" db:"duration_ms"`
	Error      *string   `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type TenantNotificationSettings struct {
	TenantID       string      `json:"tenant_id" db:"tenant_id"`
	Email          string      `json:"email" db:"email"`
	WebhookURL     string      `json:"webhook_url" db:"webhook_url"`
	WebhookSecret  string      `json:"-" db:"webhook_secret"`
	AllowedDomains StringSlice `json:"allowed_domains" db:"allowed_domains"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

type TenantIntegration struct {
	ID         string  `json:"id" db:"id"`
	TenantID   string  `json:"tenant_id" db:"tenant_id"`
	Channel    Channel `json:"channel" db:"channel"`
	Endpoint   string  `json:"endpoint" db:"endpoint"`
	Username   string  `json:"username" db:"username"`
	APIToken   string  `json:"-" db:"api_token"`
	ProjectKey string  `json:"project_key" db:"project_key"`
	IssueType  string  `json:"issue_type" db:"issue_type"`
	Secret     string  `json:"-" db:"secret"`
	Enabled    bool    `json:"enabled" db:"enabled"`
}

// Custom types for JSONB columns
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, s)
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, j)
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", value)
	}
}

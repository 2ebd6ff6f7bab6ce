package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/integrations"
)

type memEventStore struct {
	events       []*db.OutboxEvent
	jobs         map[string]*db.IntegrationJob
	integrations []*db.TenantIntegration
	insertErr    error
}

func (m *memEventStore) InsertOutboxEvent(ctx context.Context, ev *db.OutboxEvent) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memEventStore) InsertIntegrationJob(ctx context.Context, job *db.IntegrationJob) (bool, error) {
	if m.jobs == nil {
		m.jobs = map[string]*db.IntegrationJob{}
	}
	if _, ok := m.jobs[*job.DedupeKey]; ok {
		return false, nil
	}
	m.jobs[*job.DedupeKey] = job
	return true, nil
}

func (m *memEventStore) ListIntegrations(ctx context.Context, tenantID string) ([]*db.TenantIntegration, error) {
	return m.integrations, nil
}

func finishedRun(status db.RunStatus) (*db.CheckRun, *db.CheckRule) {
	start := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)
	return &db.CheckRun{ID: "run-1", TenantID: "tenant-1", RuleID: "rule-1", Period: db.PeriodDaily, Status: status, WindowStart: start, WindowEnd: start.AddDate(0, 0, 1)},
		&db.CheckRule{ID: "rule-1", Code: "MFA-01", Severity: db.SeverityHigh}
}

func TestEnqueueRunFinishedWritesDueEvent(t *testing.T) {
	store := &memEventStore{}
	e := NewEnqueuer(store, zap.NewNop())
	now := time.Date(2024, 5, 15, 13, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	run, rule := finishedRun(db.RunStatusSuccess)
	if err := e.EnqueueRunFinished(context.Background(), run, rule); err != nil {
		t.Fatalf("EnqueueRunFinished() error = %v", err)
	}

	if len(store.events) != 1 {
		t.Fatalf("%d events, want 1", len(store.events))
	}
	ev := store.events[0]
	if ev.Attempts != 0 || !ev.NextAttemptAt.Equal(now) || ev.ProcessedAt != nil {
		t.Errorf("event = %+v, want due now with zero attempts", ev)
	}
	if ev.RunID != "run-1" || ev.Status != db.RunStatusSuccess || ev.RuleCode != "MFA-01" {
		t.Errorf("event = %+v", ev)
	}
	if len(store.jobs) != 0 {
		t.Errorf("integration jobs enqueued for a successful run")
	}
}

func TestEnqueueRunFinishedFansOutToIntegrations(t *testing.T) {
	store := &memEventStore{integrations: []*db.TenantIntegration{
		{Channel: db.ChannelChat, Enabled: true},
		{Channel: db.ChannelIssueTracker, Enabled: true},
		{Channel: db.ChannelEmail, Enabled: true},
	}}
	e := NewEnqueuer(store, zap.NewNop())

	run, rule := finishedRun(db.RunStatusFailed)
	for i := 0; i < 2; i++ {
		if err := e.EnqueueRunFinished(context.Background(), run, rule); err != nil {
			t.Fatalf("EnqueueRunFinished() error = %v", err)
		}
	}

	if len(store.jobs) != 2 {
		t.Fatalf("%d integration jobs, want one per supported channel", len(store.jobs))
	}
	job, ok := store.jobs["run-1:issue-tracker"]
	if !ok {
		t.Fatalf("missing dedupe key run-1:issue-tracker in %v", store.jobs)
	}
	if job.EventType != "run.failed" {
		t.Errorf("EventType = %q", job.EventType)
	}
	var msg integrations.Message
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.RunID != "run-1" || msg.RuleCode != "MFA-01" {
		t.Errorf("payload = %+v", msg)
	}
}

func TestEnqueueRunFinishedReturnsInsertError(t *testing.T) {
	store := &memEventStore{insertErr: errors.New("disk full")}
	e := NewEnqueuer(store, zap.NewNop())

	run, rule := finishedRun(db.RunStatusPartial)
	if err := e.EnqueueRunFinished(context.Background(), run, rule); err == nil {
		t.Fatal("EnqueueRunFinished() error = nil")
	}
}

package integrations

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
)

type memJobs struct {
	mu           sync.Mutex
	jobs         map[string]*db.IntegrationJob
	dead         []*db.IntegrationDLQJob
	integrations map[db.Channel]*db.TenantIntegration
}

func newMemJobs(target *db.TenantIntegration, jobs ...*db.IntegrationJob) *memJobs {
	m := &memJobs{jobs: map[string]*db.IntegrationJob{}, integrations: map[db.Channel]*db.TenantIntegration{}}
	if target != nil {
		m.integrations[target.Channel] = target
	}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) ClaimDueJobs(ctx context.Context, claimer string, now, staleBefore time.Time, limit int) ([]*db.IntegrationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.IntegrationJob
	for _, j := range m.jobs {
		if j.ProcessedAt != nil || j.NextAttemptAt.After(now) || len(out) >= limit {
			continue
		}
		if j.ClaimedAt != nil && j.ClaimedAt.After(staleBefore) {
			continue
		}
		at, by := now, claimer
		j.ClaimedAt, j.ClaimedBy = &at, &by
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobs) MarkJobProcessed(ctx context.Context, job *db.IntegrationJob, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.jobs[job.ID]
	live.ProcessedAt, live.Attempts, live.ClaimedAt, live.ClaimedBy = &at, job.Attempts, nil, nil
	return nil
}

func (m *memJobs) ReleaseJob(ctx context.Context, job *db.IntegrationJob, next time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.jobs[job.ID]
	live.Attempts, live.NextAttemptAt, live.LastError = job.Attempts, next, &lastError
	live.ClaimedAt, live.ClaimedBy = nil, nil
	return nil
}

func (m *memJobs) DeadLetterJob(ctx context.Context, job *db.IntegrationJob, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.jobs[job.ID]
	live.ProcessedAt, live.Attempts, live.LastError = &at, job.Attempts, &lastError
	live.ClaimedAt, live.ClaimedBy = nil, nil
	m.dead = append(m.dead, &db.IntegrationDLQJob{JobID: job.ID, Channel: job.Channel, Attempts: job.Attempts, LastError: lastError, DedupeKey: job.DedupeKey})
	return nil
}

func (m *memJobs) GetIntegration(ctx context.Context, tenantID string, channel db.Channel) (*db.TenantIntegration, error) {
	return m.integrations[channel], nil
}

var base = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func job(id string, channel db.Channel) *db.IntegrationJob {
	payload, _ := json.Marshal(Message{Title: "[HIGH] MFA check failed", Description: "details", Labels: []string{"compliance"}, RunID: "run-1"})
	key := "run-1:" + string(channel)
	return &db.IntegrationJob{
		ID:            id,
		TenantID:      "tenant-1",
		Channel:       channel,
		EventType:     "run.failed",
		Payload:       payload,
		NextAttemptAt: base,
		DedupeKey:     &key,
	}
}

func newTestDispatcher(store Store, client delivery.Doer, clock *time.Time) *Dispatcher {
	d := NewDispatcher(store, DefaultTransports(client), Options{}, zap.NewNop(), nil)
	d.now = func() time.Time { return *clock }
	d.jitter = func() time.Duration { return 250 * time.Millisecond }
	return d
}

func TestBackoffWithJitter(t *testing.T) {
	for attempts := 0; attempts <= 12; attempts++ {
		exp := attempts
		if exp > 6 {
			exp = 6
		}
		floor := time.Duration(1<<exp) * time.Second
		for i := 0; i < 50; i++ {
			got := Backoff(attempts, Jitter())
			if got < floor || got >= floor+time.Second {
				t.Fatalf("Backoff(%d) = %v, want in [%v, %v)", attempts, got, floor, floor+time.Second)
			}
		}
	}
	if Backoff(6, 0) != 64*time.Second || Backoff(20, 0) != 64*time.Second {
		t.Error("backoff not capped at 2^6 seconds")
	}
}

func TestProcessBatchChatSuccess(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	clock := base
	store := newMemJobs(&db.TenantIntegration{Channel: db.ChannelChat, Endpoint: srv.URL, Enabled: true}, job("j1", db.ChannelChat))
	d := newTestDispatcher(store, srv.Client(), &clock)

	summary, err := d.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if summary.Success != 1 || store.jobs["j1"].ProcessedAt == nil {
		t.Fatalf("summary = %+v, job not closed", summary)
	}
	if !strings.Contains(got["text"], "MFA check failed") {
		t.Errorf("chat text = %q", got["text"])
	}
}

func TestProcessBatchForbiddenDeadLettersImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	clock := base
	store := newMemJobs(&db.TenantIntegration{Channel: db.ChannelWebhook, Endpoint: srv.URL, Enabled: true}, job("j1", db.ChannelWebhook))
	d := newTestDispatcher(store, srv.Client(), &clock)

	summary, _ := d.ProcessBatch(context.Background())
	if summary.Dead != 1 || len(store.dead) != 1 {
		t.Fatalf("summary = %+v, want immediate dead letter", summary)
	}
	if store.dead[0].Attempts != 1 || store.dead[0].DedupeKey == nil {
		t.Errorf("dead letter = %+v", store.dead[0])
	}
}

func TestProcessBatchRateLimitedIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	clock := base
	store := newMemJobs(&db.TenantIntegration{Channel: db.ChannelWebhook, Endpoint: srv.URL, Enabled: true}, job("j1", db.ChannelWebhook))
	d := newTestDispatcher(store, srv.Client(), &clock)

	summary, _ := d.ProcessBatch(context.Background())
	if summary.Failed != 1 || summary.Dead != 0 {
		t.Fatalf("summary = %+v, want retry", summary)
	}
	j := store.jobs["j1"]
	if j.ProcessedAt != nil || j.Attempts != 1 {
		t.Fatalf("job = %+v, want open with one attempt", j)
	}
	if want := base.Add(120 * time.Second); !j.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want Retry-After honoured (%v)", j.NextAttemptAt, want)
	}
}

func TestProcessBatchServerErrorsExhaustAttempts(t *testing.T) {
	hits := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := base
	store := newMemJobs(&db.TenantIntegration{Channel: db.ChannelWebhook, Endpoint: srv.URL, Enabled: true}, job("j1", db.ChannelWebhook))
	d := newTestDispatcher(store, srv.Client(), &clock)

	for i := 1; i <= DefaultMaxAttempts; i++ {
		summary, err := d.ProcessBatch(context.Background())
		if err != nil || summary.Processed != 1 {
			t.Fatalf("attempt %d: summary = %+v err = %v", i, summary, err)
		}
		j := store.jobs["j1"]
		if i < DefaultMaxAttempts {
			exp := i
			if exp > 6 {
				exp = 6
			}
			want := clock.Add(time.Duration(1<<exp)*time.Second + 250*time.Millisecond)
			if !j.NextAttemptAt.Equal(want) {
				t.Fatalf("attempt %d: next = %v, want %v", i, j.NextAttemptAt, want)
			}
			clock = j.NextAttemptAt
		}
	}

	if len(store.dead) != 1 || store.jobs["j1"].ProcessedAt == nil {
		t.Fatalf("job not dead-lettered after %d attempts", DefaultMaxAttempts)
	}
	clock = clock.Add(time.Hour)
	if summary, _ := d.ProcessBatch(context.Background()); summary.Processed != 0 {
		t.Error("dead job attempted again")
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != DefaultMaxAttempts {
		t.Errorf("server hit %d times, want %d", hits, DefaultMaxAttempts)
	}
}

func TestProcessBatchDisabledIntegrationClosesJob(t *testing.T) {
	clock := base
	store := newMemJobs(&db.TenantIntegration{Channel: db.ChannelChat, Endpoint: "http://unused.invalid", Enabled: false}, job("j1", db.ChannelChat))
	d := newTestDispatcher(store, http.DefaultClient, &clock)

	summary, _ := d.ProcessBatch(context.Background())
	if summary.Success != 1 || store.jobs["j1"].ProcessedAt == nil {
		t.Fatalf("summary = %+v, want closed without sending", summary)
	}
}

func TestProcessBatchUnknownChannelDeadLetters(t *testing.T) {
	clock := base
	store := newMemJobs(nil, job("j1", db.ChannelEmail))
	d := newTestDispatcher(store, http.DefaultClient, &clock)

	summary, _ := d.ProcessBatch(context.Background())
	if summary.Dead != 1 {
		t.Fatalf("summary = %+v, want dead letter", summary)
	}
}

func TestIssueTrackerRequest(t *testing.T) {
	var path, auth string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	target := &db.TenantIntegration{
		Channel:    db.ChannelIssueTracker,
		Endpoint:   srv.URL + "/",
		Username:   "bot@example.com",
		APIToken:   "tok",
		ProjectKey: "SEC",
		Enabled:    true,
	}
	msg := Message{Title: "t", Description: "d", IssueType: "Bug", Labels: []string{"compliance"}}
	if _, err := NewIssueTrackerTransport(srv.Client()).Send(context.Background(), target, "run.failed", msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if path != "/rest/api/2/issue" {
		t.Errorf("path = %q", path)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("bot@example.com:tok"))
	if auth != wantAuth {
		t.Errorf("Authorization = %q, want %q", auth, wantAuth)
	}

	fields, _ := body["fields"].(map[string]interface{})
	project, _ := fields["project"].(map[string]interface{})
	issueType, _ := fields["issuetype"].(map[string]interface{})
	if project["key"] != "SEC" || fields["summary"] != "t" || fields["description"] != "d" || issueType["name"] != "Bug" {
		t.Errorf("fields = %v", fields)
	}
	if labels, _ := fields["labels"].([]interface{}); len(labels) != 1 || labels[0] != "compliance" {
		t.Errorf("labels = %v", fields["labels"])
	}
}

func TestIssuePayloadPrefersConfiguredIssueType(t *testing.T) {
	raw, err := IssuePayload(&db.TenantIntegration{ProjectKey: "OPS", IssueType: "Incident"}, Message{IssueType: "Bug"})
	if err != nil {
		t.Fatalf("IssuePayload() error = %v", err)
	}
	if !strings.Contains(string(raw), `"issuetype":{"name":"Incident"}`) {
		t.Errorf("payload = %s", raw)
	}
}

func TestMessageForRun(t *testing.T) {
	run := &db.CheckRun{ID: "run-1", TenantID: "t", Status: db.RunStatusFailed, Period: db.PeriodDaily, WindowStart: base, WindowEnd: base.Add(24 * time.Hour)}
	rule := &db.CheckRule{Code: "MFA-01", Name: "MFA coverage", Severity: db.SeverityCritical}

	msg := MessageForRun(run, rule)
	if msg.Title != "[CRITICAL] MFA coverage check failed" {
		t.Errorf("Title = %q", msg.Title)
	}
	if msg.IssueType != "Bug" || msg.RunID != "run-1" {
		t.Errorf("msg = %+v", msg)
	}
}

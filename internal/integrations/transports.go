package integrations

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/notify"
)

// Transport sends one message to one tenant integration.
type Transport interface {
	Send(ctx context.Context, target *db.TenantIntegration, eventType string, msg Message) (delivery.Response, error)
}

// WebhookTransport posts the signed envelope used by run notifications.
type WebhookTransport struct {
	client delivery.Doer
	now    func() time.Time
}

func NewWebhookTransport(client delivery.Doer) *WebhookTransport {
	return &WebhookTransport{client: client, now: time.Now}
}

func (t *WebhookTransport) Send(ctx context.Context, target *db.TenantIntegration, eventType string, msg Message) (delivery.Response, error) {
	if target.Endpoint == "" {
		return delivery.Response{}, delivery.Permanent(errors.New("webhook endpoint not configured"))
	}
	body, err := json.Marshal(notify.NewEnvelope(eventType, msg, t.now()))
	if err != nil {
		return delivery.Response{}, delivery.Permanent(err)
	}
	return delivery.Post(ctx, t.client, target.Endpoint, body, notify.SignedHeaders(target.Secret, eventType, body))
}

// ChatTransport posts an incoming-webhook style {"text": ...} message.
type ChatTransport struct {
	client delivery.Doer
}

func NewChatTransport(client delivery.Doer) *ChatTransport {
	return &ChatTransport{client: client}
}

func (t *ChatTransport) Send(ctx context.Context, target *db.TenantIntegration, eventType string, msg Message) (delivery.Response, error) {
	if target.Endpoint == "" {
		return delivery.Response{}, delivery.Permanent(errors.New("chat endpoint not configured"))
	}
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", msg.Title, msg.Description),
	})
	if err != nil {
		return delivery.Response{}, delivery.Permanent(err)
	}
	return delivery.Post(ctx, t.client, target.Endpoint, body, nil)
}

// IssueTrackerTransport creates an issue through a Jira-compatible REST API
// using basic credentials.
type IssueTrackerTransport struct {
	client delivery.Doer
}

func NewIssueTrackerTransport(client delivery.Doer) *IssueTrackerTransport {
	return &IssueTrackerTransport{client: client}
}

type issueRequest struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     issueKey  `json:"project"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	IssueType   issueName `json:"issuetype"`
	Labels      []string  `json:"labels,omitempty"`
}

type issueKey struct {
	Key string `json:"key"`
}

type issueName struct {
	Name string `json:"name"`
}

// IssuePayload maps msg onto the create-issue schema for target.
func IssuePayload(target *db.TenantIntegration, msg Message) ([]byte, error) {
	issueType := target.IssueType
	if issueType == "" {
		issueType = msg.IssueType
	}
	if issueType == "" {
		issueType = "Task"
	}
	return json.Marshal(issueRequest{
		Fields: issueFields{
			Project:     issueKey{Key: target.ProjectKey},
			Summary:     msg.Title,
			Description: msg.Description,
			IssueType:   issueName{Name: issueType},
			Labels:      msg.Labels,
		},
	})
}

func (t *IssueTrackerTransport) Send(ctx context.Context, target *db.TenantIntegration, eventType string, msg Message) (delivery.Response, error) {
	if target.Endpoint == "" || target.ProjectKey == "" {
		return delivery.Response{}, delivery.Permanent(errors.New("issue tracker endpoint and project key are required"))
	}
	body, err := IssuePayload(target, msg)
	if err != nil {
		return delivery.Response{}, delivery.Permanent(err)
	}

	url := strings.TrimRight(target.Endpoint, "/") + "/rest/api/2/issue"
	creds := base64.StdEncoding.EncodeToString([]byte(target.Username + ":" + target.APIToken))
	return delivery.Post(ctx, t.client, url, body, map[string]string{
		"Authorization": "Basic " + creds,
		"Accept":        "application/json",
	})
}

// DefaultTransports wires every supported channel to client.
func DefaultTransports(client delivery.Doer) map[db.Channel]Transport {
	return map[db.Channel]Transport{
		db.ChannelWebhook:      NewWebhookTransport(client),
		db.ChannelChat:         NewChatTransport(client),
		db.ChannelIssueTracker: NewIssueTrackerTransport(client),
	}
}

// Supported reports whether channel is delivered by this package.
func Supported(channel db.Channel) bool {
	switch channel {
	case db.ChannelWebhook, db.ChannelChat, db.ChannelIssueTracker:
		return true
	}
	return false
}

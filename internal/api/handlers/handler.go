package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/runs"
	"github.com/leozw/compliance-guardian/internal/scheduler"
)

// Repository is the read side the handlers query directly.
type Repository interface {
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, id, tenantID string) (*db.CheckRun, error)
	ListResults(ctx context.Context, runID string) ([]*db.CheckResult, error)
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*db.DeadLetterEvent, error)
}

type RunTrigger interface {
	Execute(ctx context.Context, req runs.Request) (*runs.Outcome, error)
}

// BatchProcessor drains one batch of a delivery queue.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context) (delivery.Summary, error)
}

type SchedulerPass interface {
	RunOnce(ctx context.Context) (scheduler.Summary, error)
}

type Handler struct {
	repo         Repository
	runs         RunTrigger
	outbox       BatchProcessor
	integrations BatchProcessor
	scheduler    SchedulerPass
	logger       *zap.Logger
}

func NewHandler(repo Repository, runs RunTrigger, outbox, integrations BatchProcessor, scheduler SchedulerPass, logger *zap.Logger) *Handler {
	return &Handler{
		repo:         repo,
		runs:         runs,
		outbox:       outbox,
		integrations: integrations,
		scheduler:    scheduler,
		logger:       logger,
	}
}

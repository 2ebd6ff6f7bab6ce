package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/runs"
)

// Job is one (tenant, period) coordinator invocation.
type Job struct {
	TenantID string
	Period   db.Period
}

type jobResult struct {
	job *Job
	err error
}

type Worker struct {
	id      int
	jobs    <-chan *Job
	results chan<- jobResult
	runner  Runner
	logger  *zap.Logger
}

func NewWorker(id int, jobs <-chan *Job, results chan<- jobResult, runner Runner, logger *zap.Logger) *Worker {
	return &Worker{
		id:      id,
		jobs:    jobs,
		results: results,
		runner:  runner,
		logger:  logger.With(zap.Int("worker_id", id)),
	}
}

func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			w.results <- jobResult{job: job, err: w.process(ctx, job)}
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
		if err != nil {
			w.logger.Error("Scheduled evaluation failed",
				zap.String("tenant_id", job.TenantID),
				zap.String("period", string(job.Period)),
				zap.Error(err),
			)
		}
	}()

	out, err := w.runner.Execute(ctx, runs.Request{
		TenantID:    job.TenantID,
		Period:      job.Period,
		RequestedBy: RequestedBy,
	})
	if err != nil {
		return err
	}

	w.logger.Debug("Scheduled evaluation completed",
		zap.String("tenant_id", job.TenantID),
		zap.String("period", string(job.Period)),
		zap.Int("results", len(out.Results)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// PanicError carries a panic recovered from a coordinator invocation.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during evaluation: %v", e.Value)
}

// Package worker runs queued claims through the mention recorder.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/metrics"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Config controls Worker behavior.
type Config struct {
	// ClaimTimeout bounds a single Submit. Zero means no extra bound.
	ClaimTimeout time.Duration
}

// Worker consumes queue items and records their outcome in the job store.
type Worker struct {
	id        int
	queue     webmention.Queue
	jobStore  webmention.JobStore
	submitter webmention.Submitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	queue webmention.Queue,
	jobStore webmention.JobStore,
	submitter webmention.Submitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		jobStore:  jobStore,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, webmention.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued claim", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item webmention.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("source", item.Claim.Source),
		zap.String("target", item.Claim.Target),
	)
	if w.submitter == nil {
		w.finish(ctx, logger, item.JobID, webmention.JobStatusFailed, nil, "no submitter configured")
		return
	}
	if err := w.jobStore.UpdateJob(ctx, item.JobID, webmention.JobStatusRunning, nil, ""); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		return
	}

	claimCtx := ctx
	if w.cfg.ClaimTimeout > 0 {
		var cancel context.CancelFunc
		claimCtx, cancel = context.WithTimeout(ctx, w.cfg.ClaimTimeout)
		defer cancel()
	}

	outcome, err := w.submitter.Submit(claimCtx, item.Claim)
	switch {
	case err != nil:
		logger.Error("claim processing failed", zap.Error(err))
		w.finish(ctx, logger, item.JobID, webmention.JobStatusFailed, nil, err.Error())
	case outcome.Accepted():
		w.finish(ctx, logger, item.JobID, webmention.JobStatusAccepted, &outcome, "")
	default:
		w.finish(ctx, logger, item.JobID, webmention.JobStatusRejected, &outcome, "")
	}
}

func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	jobID string,
	status webmention.JobStatus,
	outcome *webmention.Outcome,
	errText string,
) {
	metrics.ObserveJob(string(status))
	if err := w.jobStore.UpdateJob(ctx, jobID, status, outcome, errText); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
		return
	}
	logger.Info("claim finished", zap.String("status", string(status)))
}

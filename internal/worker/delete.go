package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

// DeleteWorker removes a repository: it stops queued and in-flight work,
// drops the workspace and index documents, then the status records.
//
// Ordering matters. Cancellation happens before any record is removed so a
// worker that is still winding down does not recreate a record afterwards.
type DeleteWorker struct {
	base
}

var _ dispatch.Handler = (*DeleteWorker)(nil)

func NewDeleteWorker(d Deps) *DeleteWorker {
	return &DeleteWorker{base: newBase(d, "delete_worker")}
}

// cancelOrder is the order in-flight work is cancelled before a delete.
var cancelOrder = []queue.JobType{queue.JobClone, queue.JobIndex, queue.JobUpdate}

func (w *DeleteWorker) Handle(ctx context.Context, job *queue.Job) dispatch.Outcome {
	logger := log.WithJob(w.logger, job.ID, string(job.Type), job.RepoURI)

	h, err := w.Cancel.Register(ctx, cancel.Key(string(job.Type), job.RepoURI))
	if errors.Is(err, cancel.ErrAlreadyRegistered) {
		return dispatch.Failed(fmt.Errorf("delete already in flight for %s", job.RepoURI))
	}
	if err != nil {
		return dispatch.Failed(err)
	}
	defer w.Cancel.Unregister(h)

	if err := w.markRunning(ctx, job.RepoURI, status.StageDelete); err != nil {
		return dispatch.Failed(fmt.Errorf("mark delete running: %w", err))
	}

	if err := w.remove(h.Context(), job, logger); err != nil {
		wctx := context.WithoutCancel(ctx)
		if uerr := w.Status.Update(wctx, job.RepoURI, status.StageDelete, status.Failure(err, w.Now())); uerr != nil {
			logger.Error("failed to record delete failure", "error", uerr)
		}
		if h.Cancelled() {
			return dispatch.Cancelled(err)
		}
		return dispatch.Failed(err)
	}

	logger.Info("repository deleted")
	return dispatch.Succeeded()
}

func (w *DeleteWorker) remove(ctx context.Context, job *queue.Job, logger *slog.Logger) error {
	uri := job.RepoURI

	n, err := w.Queue.CancelQueued(ctx, uri, job.ID, "repository deleted")
	if err != nil {
		return fmt.Errorf("cancel queued jobs: %w", err)
	}
	if n > 0 {
		logger.Info("cancelled queued jobs", "count", n)
	}

	for _, t := range cancelOrder {
		key := cancel.Key(string(t), uri)
		if !w.Cancel.Active(key) {
			continue
		}
		if !w.Cancel.CancelAndWait(ctx, key, w.CancelWait) {
			logger.Warn("in-flight job did not acknowledge cancellation, deleting anyway", "job_type", t, "wait", w.CancelWait)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.Workspaces.Remove(ctx, uri); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	docs, err := w.Docs.DeleteNamespace(ctx, status.IndexNamespace(uri))
	if err != nil {
		return fmt.Errorf("delete index documents: %w", err)
	}
	logger.Debug("deleted index documents", "count", docs)

	for _, stage := range []status.Stage{status.StageRepository, status.StageGitClone, status.StageLspIndex} {
		if err := w.Status.Delete(ctx, uri, stage); err != nil {
			return fmt.Errorf("delete %s record: %w", stage, err)
		}
	}

	if err := w.Status.Update(ctx, uri, status.StageDelete, completed(status.ProgressPatch{}, w.Now())); err != nil {
		return fmt.Errorf("record delete completion: %w", err)
	}
	if err := w.Status.DeleteNamespace(ctx, uri); err != nil {
		return fmt.Errorf("delete status namespace: %w", err)
	}
	return nil
}

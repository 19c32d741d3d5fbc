package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

// UpdateWorker refreshes an already cloned and indexed repository in place:
// it fetches, re-indexes changed files when the revision moved, and stamps
// the clone record, which is the update scheduler's staleness marker.
type UpdateWorker struct {
	base
}

var _ dispatch.Handler = (*UpdateWorker)(nil)

func NewUpdateWorker(d Deps) *UpdateWorker {
	return &UpdateWorker{base: newBase(d, "update_worker")}
}

func (w *UpdateWorker) Handle(ctx context.Context, job *queue.Job) dispatch.Outcome {
	logger := log.WithJob(w.logger, job.ID, string(job.Type), job.RepoURI)

	prev, err := w.Status.GetCloneStatus(ctx, job.RepoURI)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return dispatch.Failed(fmt.Errorf("repository %s has not been cloned", job.RepoURI))
		}
		return dispatch.Failed(err)
	}
	if prev.Revision == "" {
		return dispatch.Failed(fmt.Errorf("repository %s has no completed clone", job.RepoURI))
	}

	return w.runStage(ctx, job, status.StageGitClone, logger, func(ctx context.Context, h *cancel.Handle, rep *reporter) (status.ProgressPatch, error) {
		release, err := w.Workspaces.Acquire(ctx)
		if err != nil {
			return status.ProgressPatch{}, err
		}
		defer release()

		ws, err := w.Workspaces.Open(ctx, job.RepoURI)
		if err != nil {
			return status.ProgressPatch{}, err
		}
		if err := w.Cloner.Fetch(ctx, ws.Dir, func(s CloneStats) { rep.report(clonePatch(s)) }); err != nil {
			return status.ProgressPatch{}, fmt.Errorf("fetch: %w", err)
		}
		rev, err := w.Cloner.Head(ctx, ws.Dir)
		if err != nil {
			return status.ProgressPatch{}, err
		}
		if err := h.Checkpoint(); err != nil {
			return status.ProgressPatch{}, err
		}

		if rev != prev.Revision {
			logger.Info("revision moved, re-indexing changed files", "from", prev.Revision, "to", rev)
			if err := w.reindex(ctx, h, job, ws.Dir, rev); err != nil {
				return status.ProgressPatch{}, err
			}
		} else {
			logger.Info("repository already up to date", "revision", rev)
		}
		return status.ProgressPatch{Revision: &rev}, nil
	})
}

// reindex runs the indexers incrementally and records the new revision on
// the index record. Intermediate progress stays on the clone record this
// worker owns.
func (w *UpdateWorker) reindex(ctx context.Context, h *cancel.Handle, job *queue.Job, dir, rev string) error {
	rep := &reporter{base: &w.base, ctx: ctx, uri: job.RepoURI, stage: status.StageGitClone, logger: w.logger, progressOnly: true}
	res, err := w.runIndexers(ctx, h, rep, IndexRequest{
		RepoURI:     job.RepoURI,
		Dir:         dir,
		Revision:    rev,
		Namespace:   status.IndexNamespace(job.RepoURI),
		Incremental: true,
	})
	if err != nil {
		return err
	}

	patch := completed(status.ProgressPatch{
		Revision:     &rev,
		IndexedFiles: &res.IndexedFiles,
		TotalFiles:   &res.TotalFiles,
	}, w.Now())
	err = w.Status.Update(ctx, job.RepoURI, status.StageLspIndex, patch)
	if errors.Is(err, status.ErrNotFound) {
		err = w.Status.Set(ctx, job.RepoURI, status.IndexProgress{
			WorkerProgress: status.WorkerProgress{Timestamp: w.Now().UTC(), Progress: 100, State: status.StateCompleted},
			Revision:       rev,
			IndexedFiles:   res.IndexedFiles,
			TotalFiles:     res.TotalFiles,
		})
	}
	if err != nil {
		return fmt.Errorf("record index revision: %w", err)
	}
	return nil
}

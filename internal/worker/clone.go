package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

// CloneWorker checks a repository out into its workspace and, on success,
// chains exactly one index job. It never retries on its own.
type CloneWorker struct {
	base
}

var _ dispatch.Handler = (*CloneWorker)(nil)

func NewCloneWorker(d Deps) *CloneWorker {
	return &CloneWorker{base: newBase(d, "clone_worker")}
}

func (w *CloneWorker) Handle(ctx context.Context, job *queue.Job) dispatch.Outcome {
	logger := log.WithJob(w.logger, job.ID, string(job.Type), job.RepoURI)

	var payload queue.ClonePayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return dispatch.Failed(fmt.Errorf("decode clone payload: %w", err))
		}
	}

	return w.runStage(ctx, job, status.StageGitClone, logger, func(ctx context.Context, h *cancel.Handle, rep *reporter) (status.ProgressPatch, error) {
		url := payload.URL
		if url == "" {
			repo, err := w.Status.GetRepository(ctx, job.RepoURI)
			if err != nil {
				return status.ProgressPatch{}, err
			}
			url = repo.URL
		}
		if url == "" {
			return status.ProgressPatch{}, fmt.Errorf("no origin url for %s", job.RepoURI)
		}

		release, err := w.Workspaces.Acquire(ctx)
		if err != nil {
			return status.ProgressPatch{}, err
		}
		defer release()

		ws, err := w.Workspaces.Prepare(ctx, job.RepoURI)
		if err != nil {
			return status.ProgressPatch{}, err
		}

		logger.Info("cloning repository", "url", url, "dir", ws.Dir)
		if err := w.Cloner.Clone(ctx, url, ws.Dir, func(s CloneStats) { rep.report(clonePatch(s)) }); err != nil {
			return status.ProgressPatch{}, fmt.Errorf("clone %s: %w", url, err)
		}
		rev, err := w.Cloner.Head(ctx, ws.Dir)
		if err != nil {
			return status.ProgressPatch{}, err
		}

		if err := h.Checkpoint(); err != nil {
			return status.ProgressPatch{}, err
		}
		if err := w.chainIndex(ctx, job, rev); err != nil {
			return status.ProgressPatch{}, fmt.Errorf("enqueue index job: %w", err)
		}

		logger.Info("clone finished", "revision", rev)
		return status.ProgressPatch{Revision: &rev}, nil
	})
}

// chainIndex enqueues the follow-up index job, unless one is already
// pending or running.
func (w *CloneWorker) chainIndex(ctx context.Context, job *queue.Job, rev string) error {
	ok, err := w.idle(ctx, job.RepoURI, queue.JobIndex, status.StageLspIndex)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Info("index already pending, not chaining another", "repo_uri", job.RepoURI)
		return nil
	}

	_, err = w.Status.GetIndexStatus(ctx, job.RepoURI)
	if errors.Is(err, status.ErrNotFound) {
		created := status.IndexProgress{WorkerProgress: status.WorkerProgress{Timestamp: w.Now().UTC(), State: status.StateCreated}}
		err = w.Status.Set(ctx, job.RepoURI, created)
	}
	if err != nil {
		return err
	}

	payload, err := json.Marshal(queue.IndexPayload{Revision: rev})
	if err != nil {
		return err
	}
	id, err := w.enqueueChild(ctx, job, queue.JobIndex, payload)
	if err != nil {
		return err
	}
	w.logger.Info("chained index job", "repo_uri", job.RepoURI, "index_job_id", id)
	return nil
}

func clonePatch(s CloneStats) status.ProgressPatch {
	var p status.ProgressPatch
	if pct := clonePercent(s); pct > 0 {
		p.Progress = status.Ptr(pct)
	}
	if s.TotalObjects > 0 {
		p.ReceivedObjects = status.Ptr(s.ReceivedObjects)
		p.TotalObjects = status.Ptr(s.TotalObjects)
	}
	if s.ReceivedBytes > 0 {
		p.ReceivedBytes = status.Ptr(s.ReceivedBytes)
	}
	if s.IndexedObjects > 0 {
		p.IndexedObjects = status.Ptr(s.IndexedObjects)
	}
	return p
}

// clonePercent folds git's per-phase percentages into one figure: receiving
// is the first 80%, delta resolution the rest.
func clonePercent(s CloneStats) float64 {
	switch s.Phase {
	case "Receiving objects":
		return s.Percent * 0.8
	case "Resolving deltas":
		return 80 + s.Percent*0.2
	}
	return 0
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

// IndexWorker runs the configured indexers in order against a cloned tree.
// It polls for cancellation between indexers, and indexers poll between files.
type IndexWorker struct {
	base
}

var _ dispatch.Handler = (*IndexWorker)(nil)

func NewIndexWorker(d Deps) *IndexWorker {
	return &IndexWorker{base: newBase(d, "index_worker")}
}

func (w *IndexWorker) Handle(ctx context.Context, job *queue.Job) dispatch.Outcome {
	logger := log.WithJob(w.logger, job.ID, string(job.Type), job.RepoURI)

	var payload queue.IndexPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return dispatch.Failed(fmt.Errorf("decode index payload: %w", err))
		}
	}

	return w.runStage(ctx, job, status.StageLspIndex, logger, func(ctx context.Context, h *cancel.Handle, rep *reporter) (status.ProgressPatch, error) {
		release, err := w.Workspaces.Acquire(ctx)
		if err != nil {
			return status.ProgressPatch{}, err
		}
		defer release()

		ws, err := w.Workspaces.Open(ctx, job.RepoURI)
		if err != nil {
			return status.ProgressPatch{}, err
		}
		rev := payload.Revision
		if rev == "" {
			if rev, err = w.Cloner.Head(ctx, ws.Dir); err != nil {
				return status.ProgressPatch{}, err
			}
		}

		res, err := w.runIndexers(ctx, h, rep, IndexRequest{
			RepoURI:     job.RepoURI,
			Dir:         ws.Dir,
			Revision:    rev,
			Namespace:   status.IndexNamespace(job.RepoURI),
			Incremental: payload.Incremental,
		})
		if err != nil {
			return status.ProgressPatch{}, err
		}

		logger.Info("index finished", "revision", rev, "indexed_files", res.IndexedFiles, "total_files", res.TotalFiles)
		return status.ProgressPatch{
			Revision:     &rev,
			IndexedFiles: &res.IndexedFiles,
			TotalFiles:   &res.TotalFiles,
		}, nil
	})
}

// runIndexers runs every configured indexer sequentially, checking h before
// each one. Progress is spread evenly across indexers.
func (b *base) runIndexers(ctx context.Context, h *cancel.Handle, rep *reporter, req IndexRequest) (IndexResult, error) {
	var res IndexResult
	n := float64(len(b.Indexers))
	for i, nf := range b.Indexers {
		if err := h.Checkpoint(); err != nil {
			return res, err
		}
		rep.flush(status.ProgressPatch{
			Indexer:  status.Ptr(nf.Name),
			Progress: status.Ptr(float64(i) / n * 100),
		})

		ix := nf.Factory(b.Docs, b.logger)
		r, err := ix.Index(ctx, req, func(done, total int) {
			frac := 1.0
			if total > 0 {
				frac = float64(done) / float64(total)
			}
			rep.report(status.ProgressPatch{
				IndexedFiles: status.Ptr(done),
				TotalFiles:   status.Ptr(total),
				Progress:     status.Ptr((float64(i) + frac) / n * 100),
			})
		})
		if err != nil {
			if h.Cancelled() {
				return res, cancel.ErrCancelled
			}
			return res, fmt.Errorf("indexer %s: %w", nf.Name, err)
		}
		res.IndexedFiles = max(res.IndexedFiles, r.IndexedFiles)
		res.TotalFiles = max(res.TotalFiles, r.TotalFiles)
	}
	return res, nil
}

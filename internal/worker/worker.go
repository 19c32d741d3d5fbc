// Package worker holds the handlers bound to each job type: clone, index,
// update and delete. Each handler owns one stage record and never returns
// while that record is still Running.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/docstore"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
	"github.com/mattjoyce/repoflow/internal/workspace"
)

// JobQueue is the part of the queue workers use to chain jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	CountOutstandingJobs(ctx context.Context, jobType queue.JobType, repoURI string) (int, error)
	CancelQueued(ctx context.Context, repoURI, exceptID, reason string) (int, error)
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Status     *status.Store
	Docs       docstore.Client
	Queue      JobQueue
	Cancel     *cancel.Service
	Workspaces workspace.Manager
	Cloner     Cloner
	Indexers   []NamedFactory
	Logger     *slog.Logger
	// SubmittedBy tags jobs enqueued by workers.
	SubmittedBy string
	// CancelWait bounds how long Delete waits for in-flight work to stop.
	CancelWait time.Duration
	// ProgressInterval throttles intermediate progress writes.
	ProgressInterval time.Duration
	Now              func() time.Time
}

const defaultProgressInterval = time.Second

type base struct {
	Deps
	logger *slog.Logger
}

func newBase(d Deps, component string) base {
	if d.Logger == nil {
		d.Logger = log.Discard()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SubmittedBy == "" {
		d.SubmittedBy = "worker"
	}
	if d.ProgressInterval <= 0 {
		d.ProgressInterval = defaultProgressInterval
	}
	return base{Deps: d, logger: log.WithComponent(d.Logger, component)}
}

// stageFunc runs a stage under a registered cancel handle. The patch it
// returns is merged into the Completed transition.
type stageFunc func(ctx context.Context, h *cancel.Handle, rep *reporter) (status.ProgressPatch, error)

// runStage is the common worker lifecycle: register a cancel handle, move the
// stage to Running, run fn, record the terminal state, unregister.
func (b *base) runStage(ctx context.Context, job *queue.Job, stage status.Stage, logger *slog.Logger, fn stageFunc) dispatch.Outcome {
	h, err := b.Cancel.Register(ctx, cancel.Key(string(job.Type), job.RepoURI))
	if errors.Is(err, cancel.ErrAlreadyRegistered) {
		return dispatch.Failed(fmt.Errorf("%s already in flight for %s", job.Type, job.RepoURI))
	}
	if err != nil {
		return dispatch.Failed(err)
	}
	defer b.Cancel.Unregister(h)

	if _, err := b.Status.GetRepository(ctx, job.RepoURI); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return dispatch.Failed(fmt.Errorf("repository %s is not registered", job.RepoURI))
		}
		return dispatch.Failed(err)
	}

	if err := b.markRunning(ctx, job.RepoURI, stage); err != nil {
		return dispatch.Failed(fmt.Errorf("mark %s running: %w", stage, err))
	}

	rep := &reporter{base: b, ctx: h.Context(), uri: job.RepoURI, stage: stage, logger: logger}
	patch, runErr := fn(h.Context(), h, rep)

	// The terminal write must happen even when the handle was cancelled.
	wctx := context.WithoutCancel(ctx)
	now := b.Now()

	var (
		final   status.ProgressPatch
		outcome dispatch.Outcome
	)
	switch {
	case runErr == nil:
		final = completed(patch, now)
		outcome = dispatch.Succeeded()
	case h.Cancelled() || errors.Is(runErr, cancel.ErrCancelled) || errors.Is(runErr, context.Canceled):
		final = status.Transition(status.StateCancelled, now)
		outcome = dispatch.Cancelled(runErr)
	default:
		final = status.Failure(runErr, now)
		outcome = dispatch.Failed(runErr)
	}

	if err := b.Status.Update(wctx, job.RepoURI, stage, final); err != nil {
		logger.Error("failed to record terminal stage status", "stage", stage, "state", *final.State, "error", err)
		if outcome.Status == queue.StatusSucceeded {
			return dispatch.Failed(fmt.Errorf("record %s completion: %w", stage, err))
		}
	}
	return outcome
}

// markRunning moves stage to Running, creating the record if it is missing.
func (b *base) markRunning(ctx context.Context, uri string, stage status.Stage) error {
	patch := status.Transition(status.StateRunning, b.Now())
	patch.Progress = status.Ptr(0.0)
	err := b.Status.Update(ctx, uri, stage, patch)
	if !errors.Is(err, status.ErrNotFound) {
		return err
	}

	wp := status.WorkerProgress{Timestamp: b.Now().UTC(), State: status.StateRunning}
	var rec status.Record
	switch stage {
	case status.StageGitClone:
		rec = status.CloneProgress{WorkerProgress: wp}
	case status.StageLspIndex:
		rec = status.IndexProgress{WorkerProgress: wp}
	case status.StageDelete:
		rec = status.DeleteProgress{WorkerProgress: wp}
	default:
		return fmt.Errorf("stage %s has no progress record", stage)
	}
	return b.Status.Set(ctx, uri, rec)
}

func completed(p status.ProgressPatch, now time.Time) status.ProgressPatch {
	t := status.Transition(status.StateCompleted, now)
	p.Timestamp, p.State, p.Progress, p.ErrorMessage = t.Timestamp, t.State, t.Progress, t.ErrorMessage
	return p
}

// idle reports whether a jobType job may be enqueued for uri: the stage it
// drives is not Running and no job of that type is queued or running.
func (b *base) idle(ctx context.Context, uri string, jobType queue.JobType, stage status.Stage) (bool, error) {
	rec, err := b.Status.Get(ctx, uri, stage)
	switch {
	case errors.Is(err, status.ErrNotFound):
	case err != nil:
		return false, err
	default:
		if wp, ok := status.Progress(rec); ok && wp.State == status.StateRunning {
			return false, nil
		}
	}

	n, err := b.Queue.CountOutstandingJobs(ctx, jobType, uri)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (b *base) enqueueChild(ctx context.Context, parent *queue.Job, jobType queue.JobType, payload []byte) (string, error) {
	return b.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:        jobType,
		RepoURI:     parent.RepoURI,
		Payload:     payload,
		SubmittedBy: b.SubmittedBy,
		ParentJobID: &parent.ID,
	})
}

// reporter writes throttled intermediate progress for a running stage.
type reporter struct {
	base   *base
	ctx    context.Context
	uri    string
	stage  status.Stage
	logger *slog.Logger
	last   time.Time
	// progressOnly drops every field but Progress, for reporting one
	// stage's sub-task on another stage's record.
	progressOnly bool
}

// report writes p unless a write happened less than the progress interval ago.
func (r *reporter) report(p status.ProgressPatch) {
	now := r.base.Now()
	if !r.last.IsZero() && now.Sub(r.last) < r.base.ProgressInterval {
		return
	}
	r.flush(p)
}

// flush writes p immediately.
func (r *reporter) flush(p status.ProgressPatch) {
	now := r.base.Now()
	r.last = now
	if r.progressOnly {
		p = status.ProgressPatch{Progress: p.Progress}
	}
	p.Timestamp = status.Ptr(now.UTC())
	if err := r.base.Status.Update(r.ctx, r.uri, r.stage, p); err != nil && r.ctx.Err() == nil {
		r.logger.Warn("failed to record progress", "stage", r.stage, "error", err)
	}
}

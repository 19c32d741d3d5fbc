package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/repoflow/internal/events"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/metrics"
	"github.com/mattjoyce/repoflow/internal/queue"
)

const (
	defaultPollInterval = time.Second
	defaultReapInterval = 30 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Workers      int
	PollInterval time.Duration
	ReapInterval time.Duration
}

// Dispatcher dequeues jobs and hands them to the handler bound to their type.
type Dispatcher struct {
	queue   *queue.Queue
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Hub

	mu       sync.RWMutex
	handlers map[queue.JobType]Handler
	started  bool
}

func New(q *queue.Queue, opts Options, logger *slog.Logger, m *metrics.Metrics, hub *events.Hub) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Dispatcher{
		queue:    q,
		opts:     opts,
		logger:   log.WithComponent(logger, "dispatch"),
		metrics:  m,
		events:   hub,
		handlers: make(map[queue.JobType]Handler),
	}
}

// Bind registers h for jobType. Binding must happen before Start.
func (d *Dispatcher) Bind(jobType queue.JobType, h Handler) error {
	if !jobType.Valid() {
		return fmt.Errorf("cannot bind invalid job type %q", jobType)
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", jobType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("cannot bind %s: dispatcher already started", jobType)
	}
	if _, ok := d.handlers[jobType]; ok {
		return fmt.Errorf("job type %s is already bound", jobType)
	}
	d.handlers[jobType] = h
	return nil
}

// Bound returns the job types that have a handler.
func (d *Dispatcher) Bound() []queue.JobType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []queue.JobType
	for _, t := range queue.JobTypes {
		if _, ok := d.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Start runs the worker goroutines and the timeout reaper until ctx is
// cancelled. It returns nil on a clean shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	if len(d.handlers) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("no handlers bound")
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("dispatch started", "workers", d.opts.Workers, "job_types", d.Bound())
	defer d.logger.Info("dispatch stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			d.pollLoop(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		d.reapLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain without waiting while jobs are available.
		for ctx.Err() == nil {
			ran, err := d.ProcessNext(ctx)
			if err != nil {
				d.logger.Error("failed to process job", "worker", worker, "error", err)
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ReapTimedOut(ctx); err != nil {
				d.logger.Error("failed to expire timed out jobs", "error", err)
			}
		}
	}
}

// ReapTimedOut marks overdue running jobs timed_out and returns how many.
func (d *Dispatcher) ReapTimedOut(ctx context.Context) (int, error) {
	expired, err := d.queue.ExpireTimedOut(ctx)
	for _, j := range expired {
		d.logger.Warn("job exceeded its timeout", "job_id", j.ID, "job_type", j.Type, "repo_uri", j.RepoURI, "timeout", j.Timeout)
		d.metrics.JobFinished(string(j.Type), string(queue.StatusTimedOut))
		d.events.Publish(events.JobTimedOut, map[string]any{
			"job_id":   j.ID,
			"job_type": j.Type,
			"repo_uri": j.RepoURI,
		})
	}
	if err != nil {
		return len(expired), fmt.Errorf("expire timed out jobs: %w", err)
	}
	return len(expired), nil
}

// ProcessNext dequeues one job of a bound type and runs it to completion.
// It reports whether a job was run.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	types := d.Bound()
	if len(types) == 0 {
		return false, fmt.Errorf("no handlers bound")
	}

	job, err := d.queue.Dequeue(ctx, types...)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	d.executeJob(ctx, job)
	return true, nil
}

func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(d.logger, job.ID, string(job.Type), job.RepoURI)
	jobLogger.Info("executing job", "attempt", job.Attempt)
	d.events.Publish(events.JobStarted, map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"repo_uri": job.RepoURI,
		"attempt":  job.Attempt,
	})
	done := d.metrics.JobStarted(string(job.Type))

	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()

	var outcome Outcome
	if !ok {
		outcome = Failed(fmt.Errorf("no handler bound for job type %q", job.Type))
	} else {
		outcome = d.runHandler(ctx, h, job, jobLogger)
	}

	// Bookkeeping must land even when shutdown cancelled ctx.
	bctx := context.WithoutCancel(ctx)

	if outcome.Status == queue.StatusCancelled && ctx.Err() != nil {
		jobLogger.Info("job interrupted by shutdown, requeueing")
		if err := d.queue.UpdateJobForRecovery(bctx, job.ID, queue.StatusQueued, job.Attempt, ""); err != nil {
			jobLogger.Error("failed to requeue interrupted job", "error", err)
		}
		done(string(queue.StatusQueued))
		return
	}

	if !outcome.Status.Terminal() {
		outcome = Failed(fmt.Errorf("handler returned non-terminal status %q", outcome.Status))
	}

	switch outcome.Status {
	case queue.StatusSucceeded:
		jobLogger.Info("job completed successfully")
	case queue.StatusCancelled:
		jobLogger.Info("job cancelled", "reason", outcome.Err)
	default:
		jobLogger.Warn("job failed", "status", outcome.Status, "error", outcome.Err)
	}

	d.completeJob(bctx, job, outcome)
	done(string(outcome.Status))
}

func (d *Dispatcher) runHandler(ctx context.Context, h Handler, job *queue.Job, logger *slog.Logger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = Failed(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, job)
}

func (d *Dispatcher) completeJob(ctx context.Context, job *queue.Job, outcome Outcome) {
	err := d.queue.Complete(ctx, job.ID, outcome.Status, outcome.errorMessage())
	if err != nil {
		if errors.Is(err, queue.ErrJobNotRunning) {
			d.logger.Warn("job was finalized elsewhere before its handler returned", "job_id", job.ID, "error", err)
		} else {
			d.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		}
		return
	}
	d.events.Publish(events.JobCompleted, map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"repo_uri": job.RepoURI,
		"status":   outcome.Status,
	})
}

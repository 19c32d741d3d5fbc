// Package scheduler periodically re-triggers index and update jobs for
// repositories whose last run is older than the configured frequency, and
// recovers jobs orphaned by a crash.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/repoflow/internal/events"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/metrics"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

// Kind describes one refresh loop.
type Kind struct {
	Name    string
	JobType queue.JobType
	// Stage is the record whose timestamp is the staleness marker and whose
	// Running state blocks a new job.
	Stage status.Stage
	// Peer is the other refresh stage touching the same checkout. A Running
	// Peer, or any outstanding PeerJobs, also holds this loop off.
	Peer      status.Stage
	PeerJobs  []queue.JobType
	Interval  time.Duration
	Frequency time.Duration
}

// Options are the explicit settings the scheduler runs with.
type Options struct {
	Enabled bool
	// SubmittedBy tags every job the scheduler enqueues.
	SubmittedBy     string
	IndexInterval   time.Duration
	UpdateInterval  time.Duration
	IndexFrequency  time.Duration
	UpdateFrequency time.Duration
	JobLogRetention time.Duration
	Now             func() time.Time
}

// Skip reasons reported in events and metrics.
const (
	SkipRunning     = "stage_running"
	SkipOutstanding = "job_outstanding"
	SkipNotCloned   = "not_cloned"
	SkipPeerBusy    = "peer_busy"
)

const abandonedMessage = "abandoned after restart"

// Scheduler manages the refresh loops and recovery of repository jobs.
type Scheduler struct {
	opts    Options
	queue   QueueService
	status  StatusService
	events  *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(opts Options, q QueueService, st StatusService, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SubmittedBy == "" {
		opts.SubmittedBy = "scheduler"
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Scheduler{
		opts:    opts,
		queue:   q,
		status:  st,
		events:  hub,
		metrics: m,
		logger:  log.WithComponent(logger, "scheduler"),
		stopCh:  make(chan struct{}),
	}
}

// IndexKind is the loop that rebuilds indexes older than IndexFrequency.
func (s *Scheduler) IndexKind() Kind {
	return Kind{
		Name: "index", JobType: queue.JobIndex, Stage: status.StageLspIndex,
		Peer: status.StageGitClone, PeerJobs: []queue.JobType{queue.JobClone, queue.JobUpdate},
		Interval: s.opts.IndexInterval, Frequency: s.opts.IndexFrequency,
	}
}

// UpdateKind is the loop that fetches repositories not updated within
// UpdateFrequency. The clone record carries the last update time.
func (s *Scheduler) UpdateKind() Kind {
	return Kind{
		Name: "update", JobType: queue.JobUpdate, Stage: status.StageGitClone,
		Peer: status.StageLspIndex, PeerJobs: []queue.JobType{queue.JobIndex},
		Interval: s.opts.UpdateInterval, Frequency: s.opts.UpdateFrequency,
	}
}

// Start performs crash recovery and, when enabled, starts one goroutine per
// refresh loop. A disabled scheduler starts no goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}
	if err := s.recoverStages(ctx); err != nil {
		return fmt.Errorf("scheduler stage recovery failed: %w", err)
	}

	if !s.opts.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}

	s.logger.Info("starting scheduler",
		"index_interval", s.opts.IndexInterval, "index_frequency", s.opts.IndexFrequency,
		"update_interval", s.opts.UpdateInterval, "update_frequency", s.opts.UpdateFrequency)
	for _, k := range []Kind{s.IndexKind(), s.UpdateKind()} {
		s.wg.Add(1)
		go s.tickLoop(ctx, k)
	}
	return nil
}

// Stop gracefully stops the scheduler. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context, k Kind) {
	defer s.wg.Done()

	s.Tick(ctx, k)

	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx, k)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// TickReport summarizes one pass of a refresh loop.
type TickReport struct {
	Scanned  int
	Enqueued int
	Skipped  int
	Errors   int
}

// Tick performs a single scheduling pass for k. Errors for one repository are
// logged and counted without stopping the pass.
func (s *Scheduler) Tick(ctx context.Context, k Kind) TickReport {
	var rep TickReport
	now := s.opts.Now()
	s.metrics.SchedulerTick(k.Name)
	s.events.Publish(events.SchedulerTick, map[string]any{"scheduler": k.Name, "at": now.UTC()})

	repos, err := s.status.ListAllRepositories(ctx)
	if err != nil {
		s.logger.Error("failed to list repositories", "scheduler", k.Name, "error", err)
		rep.Errors++
		return rep
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		rep.Scanned++

		jobID, reason, err := s.consider(ctx, k, repo.URI, now)
		switch {
		case err != nil:
			rep.Errors++
			s.logger.Error("failed to schedule repository", "scheduler", k.Name, "repo_uri", repo.URI, "error", err)
		case jobID != "":
			rep.Enqueued++
			s.metrics.SchedulerEnqueued(k.Name)
			s.metrics.JobEnqueued(string(k.JobType), s.opts.SubmittedBy)
			s.events.Publish(events.SchedulerScheduled, map[string]any{"scheduler": k.Name, "repo_uri": repo.URI, "job_id": jobID})
			s.logger.Info("enqueued refresh job", "scheduler", k.Name, "repo_uri", repo.URI, "job_id", jobID)
		case reason != "":
			rep.Skipped++
			s.metrics.SchedulerSkipped(k.Name, reason)
			s.events.Publish(events.SchedulerSkipped, map[string]any{"scheduler": k.Name, "repo_uri": repo.URI, "reason": reason})
			s.logger.Debug("skipped repository", "scheduler", k.Name, "repo_uri", repo.URI, "reason", reason)
		}
	}

	if s.opts.JobLogRetention > 0 {
		if n, err := s.queue.PruneJobLog(ctx, s.opts.JobLogRetention); err != nil {
			s.logger.Error("failed to prune job log", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned job log", "rows", n)
		}
	}

	s.logger.Debug("scheduler tick finished", "scheduler", k.Name,
		"scanned", rep.Scanned, "enqueued", rep.Enqueued, "skipped", rep.Skipped, "errors", rep.Errors)
	return rep
}

// consider decides whether uri needs a k job. It returns the new job id, or
// a skip reason when the repository was not due for a notable reason. A
// fresh repository or one without a stage record returns neither.
func (s *Scheduler) consider(ctx context.Context, k Kind, uri string, now time.Time) (string, string, error) {
	rec, err := s.status.Get(ctx, uri, k.Stage)
	if errors.Is(err, status.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	wp, ok := status.Progress(rec)
	if !ok {
		return "", "", nil
	}
	if wp.State == status.StateRunning {
		return "", SkipRunning, nil
	}
	if k.JobType == queue.JobUpdate {
		if cp, ok := rec.(status.CloneProgress); !ok || cp.Revision == "" {
			return "", SkipNotCloned, nil
		}
	}
	if now.Sub(wp.Timestamp) <= k.Frequency {
		return "", "", nil
	}

	n, err := s.queue.CountOutstandingJobs(ctx, k.JobType, uri)
	if err != nil {
		return "", "", err
	}
	if n > 0 {
		return "", SkipOutstanding, nil
	}
	if busy, err := s.peerBusy(ctx, k, uri); err != nil {
		return "", "", err
	} else if busy {
		return "", SkipPeerBusy, nil
	}

	var payload []byte
	if k.JobType == queue.JobIndex {
		if payload, err = json.Marshal(queue.IndexPayload{}); err != nil {
			return "", "", err
		}
	}
	id, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:        k.JobType,
		RepoURI:     uri,
		Payload:     payload,
		SubmittedBy: s.opts.SubmittedBy,
	})
	if err != nil {
		return "", "", fmt.Errorf("enqueue %s job: %w", k.JobType, err)
	}
	return id, "", nil
}

// peerBusy reports whether the peer stage of k is Running for uri or a peer
// job is still queued or running.
func (s *Scheduler) peerBusy(ctx context.Context, k Kind, uri string) (bool, error) {
	if k.Peer != "" {
		rec, err := s.status.Get(ctx, uri, k.Peer)
		switch {
		case errors.Is(err, status.ErrNotFound):
		case err != nil:
			return false, err
		default:
			if wp, ok := status.Progress(rec); ok && wp.State == status.StateRunning {
				return true, nil
			}
		}
	}
	for _, jt := range k.PeerJobs {
		n, err := s.queue.CountOutstandingJobs(ctx, jt, uri)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// recoverOrphanedJobs scans for and recovers jobs marked as "running" at startup.
func (s *Scheduler) recoverOrphanedJobs(ctx context.Context) error {
	runningJobs, err := s.queue.FindJobsByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to find running jobs for recovery: %w", err)
	}
	if len(runningJobs) == 0 {
		s.logger.Info("no orphaned jobs found")
		return nil
	}

	s.logger.Warn("found orphaned jobs, attempting recovery", "count", len(runningJobs))
	for _, job := range runningJobs {
		attempt := job.Attempt + 1

		newStatus := queue.StatusQueued
		var lastError string
		if attempt > job.MaxAttempts {
			newStatus = queue.StatusDead
			lastError = fmt.Sprintf("job marked dead during crash recovery: max attempts (%d) reached", job.MaxAttempts)
			s.logger.Error("marking orphaned job as dead (max attempts reached)",
				"job_id", job.ID, "job_type", job.Type, "repo_uri", job.RepoURI, "final_attempt", attempt)
		} else {
			s.logger.Warn("re-queueing orphaned job",
				"job_id", job.ID, "job_type", job.Type, "repo_uri", job.RepoURI, "new_attempt", attempt)
		}

		if err := s.queue.UpdateJobForRecovery(ctx, job.ID, newStatus, attempt, lastError); err != nil {
			s.logger.Error("failed to update orphaned job during recovery",
				"job_id", job.ID, "desired_status", newStatus, "error", err)
			continue
		}
		s.events.Publish(events.JobRecovered, map[string]any{"job_id": job.ID, "status": newStatus, "attempt": attempt})
	}
	return nil
}

// stageOwners lists the job types that drive each progress stage.
var stageOwners = []struct {
	stage status.Stage
	types []queue.JobType
}{
	{status.StageGitClone, []queue.JobType{queue.JobClone, queue.JobUpdate}},
	{status.StageLspIndex, []queue.JobType{queue.JobIndex}},
	{status.StageDelete, []queue.JobType{queue.JobDelete}},
}

// recoverStages fails stage records left Running by a crash when no queued
// job will pick them up again. It must run after recoverOrphanedJobs and
// before any worker starts.
func (s *Scheduler) recoverStages(ctx context.Context) error {
	repos, err := s.status.ListAllRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	now := s.opts.Now()
	for _, repo := range repos {
		for _, owner := range stageOwners {
			abandoned, err := s.abandoned(ctx, repo.URI, owner.stage, owner.types)
			if err != nil {
				s.logger.Error("failed to inspect stage during recovery", "repo_uri", repo.URI, "stage", owner.stage, "error", err)
				continue
			}
			if !abandoned {
				continue
			}
			if err := s.status.Update(ctx, repo.URI, owner.stage, status.Failure(errors.New(abandonedMessage), now)); err != nil {
				s.logger.Error("failed to mark abandoned stage", "repo_uri", repo.URI, "stage", owner.stage, "error", err)
				continue
			}
			s.logger.Warn("marked abandoned stage failed", "repo_uri", repo.URI, "stage", owner.stage)
		}
	}
	return nil
}

func (s *Scheduler) abandoned(ctx context.Context, uri string, stage status.Stage, types []queue.JobType) (bool, error) {
	rec, err := s.status.Get(ctx, uri, stage)
	if errors.Is(err, status.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if wp, ok := status.Progress(rec); !ok || wp.State != status.StateRunning {
		return false, nil
	}
	for _, t := range types {
		n, err := s.queue.CountOutstandingJobs(ctx, t, uri)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Package repository is the entry point for tracking repositories: it
// registers origins, schedules their first clone, removes them and reports
// their combined state.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/repoflow/internal/events"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/metrics"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

var (
	// ErrDeleteInProgress is returned when a repository is being removed.
	ErrDeleteInProgress = errors.New("repository delete in progress")
)

// JobQueue is the part of the queue the manager needs.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	CountOutstandingJobs(ctx context.Context, jobType queue.JobType, repoURI string) (int, error)
	ListByRepo(ctx context.Context, repoURI string, limit int) ([]*queue.Job, error)
}

type Options struct {
	SubmittedBy string
	// RecentJobs is how many jobs Describe returns.
	RecentJobs int
	// LayoutVersion is stamped on newly registered repositories so startup
	// migration leaves them alone. Zero leaves them unmarked.
	LayoutVersion int
	Now           func() time.Time
}

type Manager struct {
	status  *status.Store
	queue   JobQueue
	events  *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
}

func NewManager(st *status.Store, q JobQueue, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger, opts Options) *Manager {
	if opts.SubmittedBy == "" {
		opts.SubmittedBy = "cli"
	}
	if opts.RecentJobs <= 0 {
		opts.RecentJobs = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Manager{status: st, queue: q, events: hub, metrics: m, logger: log.WithComponent(logger, "repository"), opts: opts}
}

// Registration is the result of Register.
type Registration struct {
	Repository status.Repository
	// CloneJobID is empty when a clone or update was already pending.
	CloneJobID string
}

// Register records the repository behind origin and enqueues its clone,
// unless a clone or update for it is already running or queued.
func (m *Manager) Register(ctx context.Context, origin string) (Registration, error) {
	repo, err := ParseOrigin(origin)
	if err != nil {
		return Registration{}, err
	}
	if err := m.checkNotDeleting(ctx, repo.URI); err != nil {
		return Registration{}, err
	}

	_, err = m.status.GetRepository(ctx, repo.URI)
	isNew := errors.Is(err, status.ErrNotFound)
	if err := m.status.Set(ctx, repo.URI, repo); err != nil {
		return Registration{}, err
	}
	if isNew && m.opts.LayoutVersion > 0 {
		if err := m.status.SetVersion(ctx, repo.URI, m.opts.LayoutVersion); err != nil {
			return Registration{}, err
		}
	}
	reg := Registration{Repository: repo}

	idle, err := m.cloneIdle(ctx, repo.URI)
	if err != nil {
		return reg, err
	}
	if !idle {
		m.logger.Info("clone already pending, not enqueueing another", "repo_uri", repo.URI)
		return reg, nil
	}

	created := status.CloneProgress{WorkerProgress: status.WorkerProgress{Timestamp: m.opts.Now().UTC(), State: status.StateCreated}}
	if err := m.status.Set(ctx, repo.URI, created); err != nil {
		return reg, err
	}
	payload, err := json.Marshal(queue.ClonePayload{URL: repo.URL})
	if err != nil {
		return reg, err
	}
	reg.CloneJobID, err = m.enqueue(ctx, queue.JobClone, repo.URI, payload)
	if err != nil {
		return reg, err
	}

	m.events.Publish(events.RepoRegistered, map[string]any{"repo_uri": repo.URI, "url": repo.URL, "job_id": reg.CloneJobID})
	m.logger.Info("registered repository", "repo_uri", repo.URI, "job_id", reg.CloneJobID)
	return reg, nil
}

// Remove enqueues the delete of a registered repository.
func (m *Manager) Remove(ctx context.Context, uri string) (string, error) {
	if _, err := m.status.GetRepository(ctx, uri); err != nil {
		return "", err
	}
	if err := m.checkNotDeleting(ctx, uri); err != nil {
		return "", err
	}

	created := status.DeleteProgress{WorkerProgress: status.WorkerProgress{Timestamp: m.opts.Now().UTC(), State: status.StateCreated}}
	if err := m.status.Set(ctx, uri, created); err != nil {
		return "", err
	}
	id, err := m.enqueue(ctx, queue.JobDelete, uri, nil)
	if err != nil {
		return "", err
	}

	m.events.Publish(events.RepoRemoved, map[string]any{"repo_uri": uri, "job_id": id})
	m.logger.Info("repository removal queued", "repo_uri", uri, "job_id", id)
	return id, nil
}

// Description is every stage record of one repository plus its recent jobs.
// Missing stages are nil.
type Description struct {
	Repository status.Repository      `json:"repository"`
	Clone      *status.CloneProgress  `json:"git_clone_status,omitempty"`
	Index      *status.IndexProgress  `json:"lsp_index_status,omitempty"`
	Delete     *status.DeleteProgress `json:"delete_status,omitempty"`
	Jobs       []*queue.Job           `json:"jobs,omitempty"`
}

func (m *Manager) Describe(ctx context.Context, uri string) (Description, error) {
	repo, err := m.status.GetRepository(ctx, uri)
	if err != nil {
		return Description{}, err
	}
	d := Description{Repository: repo}

	if d.Clone, err = optional(m.status.GetCloneStatus(ctx, uri)); err != nil {
		return d, err
	}
	if d.Index, err = optional(m.status.GetIndexStatus(ctx, uri)); err != nil {
		return d, err
	}
	if d.Delete, err = optional(m.status.GetDeleteStatus(ctx, uri)); err != nil {
		return d, err
	}
	if d.Jobs, err = m.queue.ListByRepo(ctx, uri, m.opts.RecentJobs); err != nil {
		return d, err
	}
	return d, nil
}

// List returns every registered repository ordered by uri.
func (m *Manager) List(ctx context.Context) ([]status.Repository, error) {
	repos, err := m.status.ListAllRepositories(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].URI < repos[j].URI })
	return repos, nil
}

func optional[T any](v T, err error) (*T, error) {
	if errors.Is(err, status.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *Manager) checkNotDeleting(ctx context.Context, uri string) error {
	ds, err := m.status.GetDeleteStatus(ctx, uri)
	if errors.Is(err, status.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ds.State == status.StateRunning || ds.State == status.StateCreated {
		return fmt.Errorf("%s: %w", uri, ErrDeleteInProgress)
	}
	return nil
}

// cloneIdle reports whether no clone or update is running or queued for uri.
func (m *Manager) cloneIdle(ctx context.Context, uri string) (bool, error) {
	cs, err := m.status.GetCloneStatus(ctx, uri)
	switch {
	case errors.Is(err, status.ErrNotFound):
	case err != nil:
		return false, err
	case cs.State == status.StateRunning:
		return false, nil
	}
	for _, t := range []queue.JobType{queue.JobClone, queue.JobUpdate} {
		n, err := m.queue.CountOutstandingJobs(ctx, t, uri)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) enqueue(ctx context.Context, jobType queue.JobType, uri string, payload []byte) (string, error) {
	id, err := m.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:        jobType,
		RepoURI:     uri,
		Payload:     payload,
		SubmittedBy: m.opts.SubmittedBy,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s for %s: %w", jobType, uri, err)
	}
	m.metrics.JobEnqueued(string(jobType), m.opts.SubmittedBy)
	return id, nil
}

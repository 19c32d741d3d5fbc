package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/repoflow/internal/scheduler QueueService,StatusService

// QueueService defines the interface for queue operations used by the scheduler.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	FindJobsByStatus(ctx context.Context, status queue.Status) ([]*queue.Job, error)
	UpdateJobForRecovery(ctx context.Context, jobID string, newStatus queue.Status, newAttempt int, lastError string) error
	CountOutstandingJobs(ctx context.Context, jobType queue.JobType, repoURI string) (int, error)
	PruneJobLog(ctx context.Context, retention time.Duration) (int64, error)
}

// StatusService is the part of the status store the scheduler reads.
type StatusService interface {
	ListAllRepositories(ctx context.Context) ([]status.Repository, error)
	Get(ctx context.Context, uri string, stage status.Stage) (status.Record, error)
	Update(ctx context.Context, uri string, stage status.Stage, patch status.Patch) error
}

package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// JobType selects the worker a job is bound to.
type JobType string

const (
	JobClone  JobType = "clone"
	JobIndex  JobType = "index"
	JobUpdate JobType = "update"
	JobDelete JobType = "delete"
)

// JobTypes lists every job type in pipeline order.
var JobTypes = []JobType{JobClone, JobIndex, JobUpdate, JobDelete}

func (t JobType) Valid() bool {
	switch t {
	case JobClone, JobIndex, JobUpdate, JobDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
	StatusDead      Status = "dead"
)

// Terminal reports whether no worker will pick the job up again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut, StatusDead:
		return true
	}
	return false
}

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        JobType         `json:"type"`
	RepoURI     string          `json:"repo_uri"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     time.Duration   `json:"timeout"`
	SubmittedBy string          `json:"submitted_by"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	ParentJobID *string         `json:"parent_job_id,omitempty"`
}

type EnqueueRequest struct {
	Type        JobType
	RepoURI     string
	Payload     json.RawMessage
	MaxAttempts int
	// Timeout overrides the queue's job timeout when positive.
	Timeout     time.Duration
	SubmittedBy string
	ParentJobID *string
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotRunning = errors.New("job is not running")
)

// ClonePayload is carried by clone jobs.
type ClonePayload struct {
	URL string `json:"url"`
}

// IndexPayload is carried by index jobs.
type IndexPayload struct {
	Revision    string `json:"revision,omitempty"`
	Incremental bool   `json:"incremental,omitempty"`
}

// Envelope is the job as handed to external callers: type, target and the
// stage-specific payload.
type Envelope struct {
	Type    JobType         `json:"type"`
	RepoURI string          `json:"repo_uri"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

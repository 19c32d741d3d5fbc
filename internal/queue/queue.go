package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout applies when neither the request nor the queue set one.
	DefaultTimeout     = time.Hour
	defaultMaxAttempts = 3
	maxErrorBytes      = 16 * 1024

	// timeLayout is fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

const jobColumns = `id, queue, job_type, repo_uri, payload, status, attempt, max_attempts, timeout_ms,
  submitted_by, created_at, started_at, completed_at, last_error, parent_job_id`

// Options configures a Queue.
type Options struct {
	// Name partitions job_queue so several queues can share one database.
	Name        string
	Timeout     time.Duration
	MaxAttempts int
}

// Queue is a durable FIFO of repository jobs stored in SQLite.
type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

func New(db *sql.DB, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "repoflow"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Queue{db: db, opts: opts, now: time.Now}
}

// Name returns the queue partition name.
func (q *Queue) Name() string { return q.opts.Name }

// Timeout returns the default job timeout.
func (q *Queue) Timeout() time.Duration { return q.opts.Timeout }

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !req.Type.Valid() {
		return "", fmt.Errorf("invalid job type %q", req.Type)
	}
	if req.RepoURI == "" {
		return "", fmt.Errorf("repo_uri is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := q.now().UTC().Format(timeLayout)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.opts.Timeout
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_queue(
  id, queue, job_type, repo_uri, payload, status, attempt, max_attempts, timeout_ms,
  submitted_by, created_at, parent_job_id
)
VALUES(?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?);
`, id, q.opts.Name, req.Type, req.RepoURI, payload, StatusQueued, maxAttempts, timeout.Milliseconds(),
		req.SubmittedBy, now, req.ParentJobID)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job of one of types (any type when none
// are given) and marks it running. Returns (nil, nil) if nothing is queued.
func (q *Queue) Dequeue(ctx context.Context, types ...JobType) (*Job, error) {
	nowS := q.now().UTC().Format(timeLayout)

	args := []any{q.opts.Name, StatusQueued}
	typeFilter := ""
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		typeFilter = " AND job_type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	args = append(args, StatusRunning, nowS)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE queue = ? AND status = ?`+typeFilter+`
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, args...)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Complete marks a running (or already timed out) job terminal and appends a
// row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		queueName   string
		jobType     string
		repoURI     string
		current     string
		attempt     int
		submittedBy string
		createdAt   string
		parentJobID sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
SELECT queue, job_type, repo_uri, status, attempt, submitted_by, created_at, parent_job_id
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&queueName, &jobType, &repoURI, &current, &attempt, &submittedBy, &createdAt, &parentJobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}
	if Status(current) != StatusRunning && Status(current) != StatusTimedOut {
		return fmt.Errorf("%w: %s is %s", ErrJobNotRunning, jobID, current)
	}

	completedAt := q.now().UTC().Format(timeLayout)
	lastError = truncate(lastError)

	if _, err := tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID); err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	logID := fmt.Sprintf("%s-%d-%s", jobID, attempt, status)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO job_log(
  id, job_id, queue, job_type, repo_uri, status, attempt, submitted_by, created_at, completed_at, last_error, parent_job_id
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET completed_at = excluded.completed_at, last_error = excluded.last_error;
`, logID, jobID, queueName, jobType, repoURI, status, attempt, submittedBy, createdAt, completedAt, lastError, parentJobID); err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM job_queue WHERE id = ?;", jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// FindJobsByStatus returns every job of this queue in status, oldest first.
func (q *Queue) FindJobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return q.list(ctx, "SELECT "+jobColumns+`
FROM job_queue
WHERE queue = ? AND status = ?
ORDER BY created_at ASC, rowid ASC;`, q.opts.Name, status)
}

// ListByRepo returns the most recent jobs for repoURI, newest first.
func (q *Queue) ListByRepo(ctx context.Context, repoURI string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	return q.list(ctx, "SELECT "+jobColumns+`
FROM job_queue
WHERE queue = ? AND repo_uri = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;`, q.opts.Name, repoURI, limit)
}

// CountOutstandingJobs counts queued or running jobs of jobType for repoURI.
func (q *Queue) CountOutstandingJobs(ctx context.Context, jobType JobType, repoURI string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM job_queue
WHERE queue = ? AND job_type = ? AND repo_uri = ? AND status IN (?, ?);
`, q.opts.Name, jobType, repoURI, StatusQueued, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding %s jobs for %s: %w", jobType, repoURI, err)
	}
	return n, nil
}

// UpdateJobForRecovery moves an orphaned job back to queued (or to dead) with
// the given attempt number.
func (q *Queue) UpdateJobForRecovery(ctx context.Context, jobID string, newStatus Status, newAttempt int, lastError string) error {
	if newStatus != StatusQueued && newStatus != StatusDead {
		return fmt.Errorf("invalid recovery status: %q", newStatus)
	}

	var lastErr any
	if lastError != "" {
		lastErr = lastError
	}
	var completedAt any
	if newStatus == StatusDead {
		completedAt = q.now().UTC().Format(timeLayout)
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = ?, started_at = NULL, completed_at = ?, last_error = COALESCE(?, last_error)
WHERE id = ?;
`, newStatus, newAttempt, completedAt, lastErr, jobID)
	if err != nil {
		return fmt.Errorf("update job for recovery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job for recovery: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// CancelQueued cancels every queued job for repoURI except exceptID and
// returns how many were cancelled. Running jobs are left to their handlers.
func (q *Queue) CancelQueued(ctx context.Context, repoURI, exceptID, reason string) (int, error) {
	nowS := q.now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE queue = ? AND repo_uri = ? AND status = ? AND id != ?;
`, StatusCancelled, nowS, reason, q.opts.Name, repoURI, StatusQueued, exceptID)
	if err != nil {
		return 0, fmt.Errorf("cancel queued jobs for %s: %w", repoURI, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel queued jobs for %s: %w", repoURI, err)
	}
	return int(n), nil
}

// ExpireTimedOut marks running jobs whose timeout has elapsed as timed_out
// and returns them. The handlers themselves are not interrupted.
func (q *Queue) ExpireTimedOut(ctx context.Context) ([]*Job, error) {
	running, err := q.FindJobsByStatus(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}

	now := q.now()
	var expired []*Job
	for _, j := range running {
		if j.StartedAt == nil || j.Timeout <= 0 || now.Sub(*j.StartedAt) < j.Timeout {
			continue
		}
		msg := fmt.Sprintf("job exceeded timeout of %s", j.Timeout)
		if err := q.Complete(ctx, j.ID, StatusTimedOut, &msg); err != nil {
			if errors.Is(err, ErrJobNotRunning) {
				continue
			}
			return expired, err
		}
		j.Status = StatusTimedOut
		j.LastError = &msg
		expired = append(expired, j)
	}
	return expired, nil
}

// PruneJobLog deletes job_log rows completed more than retention ago.
func (q *Queue) PruneJobLog(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := q.now().Add(-retention).UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx, "DELETE FROM job_log WHERE completed_at < ?;", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune job log: %w", err)
	}
	return n, nil
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j            Job
		jobType      string
		statusS      string
		payload      sql.NullString
		timeoutMS    int64
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
		parentJobID  sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Queue, &jobType, &j.RepoURI, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &timeoutMS,
		&j.SubmittedBy, &createdAtS, &startedAtS, &completedAtS, &lastError, &parentJobID,
	); err != nil {
		return nil, err
	}

	j.Type = JobType(jobType)
	j.Status = Status(statusS)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if parentJobID.Valid {
		j.ParentJobID = &parentJobID.String
	}
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func truncate(s *string) *string {
	if s == nil || len(*s) <= maxErrorBytes {
		return s
	}
	cut := (*s)[:maxErrorBytes]
	return &cut
}

package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repoflow/internal/storage"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts)
}

func enqueue(t *testing.T, q *Queue, jobType JobType, uri string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:        jobType,
		RepoURI:     uri,
		SubmittedBy: "test",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})

	id1 := enqueue(t, q, JobClone, "r1")
	id2 := enqueue(t, q, JobClone, "r2")

	j1, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusRunning || j1.StartedAt == nil {
		t.Fatalf("unexpected job1: %#v", j1)
	}
	assert.Equal(t, JobClone, j1.Type)
	assert.Equal(t, "r1", j1.RepoURI)
	assert.Equal(t, DefaultTimeout, j1.Timeout)
	assert.Equal(t, 1, j1.Attempt)

	j2, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if j2 == nil || j2.ID != id2 {
		t.Fatalf("unexpected job2: %#v", j2)
	}

	j3, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestQueueOrderSurvivesSubsecondTimestamps(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for _, offset := range []time.Duration{100 * time.Millisecond, 120 * time.Millisecond, time.Second} {
		q.now = func() time.Time { return base.Add(offset) }
		ids = append(ids, enqueue(t, q, JobIndex, "r"))
	}

	for _, want := range ids {
		j, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, want, j.ID)
	}
}

func TestDequeueFiltersByType(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})

	enqueue(t, q, JobClone, "r")
	indexID := enqueue(t, q, JobIndex, "r")

	j, err := q.Dequeue(context.Background(), JobIndex, JobUpdate)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, indexID, j.ID)

	j, err = q.Dequeue(context.Background(), JobDelete)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestQueuesArePartitionedByName(t *testing.T) {
	t.Parallel()
	a := newTestQueue(t, Options{Name: "a"})
	b := New(a.db, Options{Name: "b"})

	enqueue(t, a, JobClone, "r")

	j, err := b.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)

	n, err := b.CountOutstandingJobs(context.Background(), JobClone, "r")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"bad type", EnqueueRequest{Type: "poll", RepoURI: "r", SubmittedBy: "t"}},
		{"no repo", EnqueueRequest{Type: JobClone, SubmittedBy: "t"}},
		{"no submitter", EnqueueRequest{Type: JobClone, RepoURI: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.req)
			assert.Error(t, err)
		})
	}
}

func TestQueueCompleteWritesJobLog(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, JobClone, "r")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	lastErr := "boom"
	if err := q.Complete(ctx, id, StatusFailed, &lastErr); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var count int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM job_log WHERE job_id = ? AND job_type = 'clone';", id).Scan(&count); err != nil {
		t.Fatalf("count job_log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 job_log row, got %d", count)
	}

	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "boom", *j.LastError)
	assert.NotNil(t, j.CompletedAt)
}

func TestCompleteRequiresRunningJob(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, JobClone, "r")
	err := q.Complete(ctx, id, StatusSucceeded, nil)
	assert.ErrorIs(t, err, ErrJobNotRunning)

	err = q.Complete(ctx, "missing", StatusSucceeded, nil)
	assert.ErrorIs(t, err, ErrJobNotFound)

	err = q.Complete(ctx, id, StatusRunning, nil)
	assert.Error(t, err)
}

func TestCountOutstandingJobs(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	enqueue(t, q, JobIndex, "r")
	enqueue(t, q, JobIndex, "other")
	enqueue(t, q, JobUpdate, "r")

	n, err := q.CountOutstandingJobs(ctx, JobIndex, "r")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := q.Dequeue(ctx, JobIndex)
	require.NoError(t, err)
	n, err = q.CountOutstandingJobs(ctx, JobIndex, j.RepoURI)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "running jobs are outstanding")

	require.NoError(t, q.Complete(ctx, j.ID, StatusSucceeded, nil))
	n, err = q.CountOutstandingJobs(ctx, JobIndex, j.RepoURI)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoveryRequeuesAndKills(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, JobClone, "r")
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	running, err := q.FindJobsByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, q.UpdateJobForRecovery(ctx, id, StatusQueued, 2, ""))
	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 2, j.Attempt)
	assert.Nil(t, j.StartedAt)

	require.NoError(t, q.UpdateJobForRecovery(ctx, id, StatusDead, 4, "too many attempts"))
	j, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, j.Status)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "too many attempts", *j.LastError)

	assert.ErrorIs(t, q.UpdateJobForRecovery(ctx, "missing", StatusQueued, 1, ""), ErrJobNotFound)
	assert.Error(t, q.UpdateJobForRecovery(ctx, id, StatusSucceeded, 1, ""))
}

func TestExpireTimedOut(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{Timeout: time.Minute})
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return start }

	slow := enqueue(t, q, JobIndex, "slow")
	fast, err := q.Enqueue(ctx, EnqueueRequest{Type: JobIndex, RepoURI: "fast", SubmittedBy: "t", Timeout: time.Hour})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	q.now = func() time.Time { return start.Add(2 * time.Minute) }
	expired, err := q.ExpireTimedOut(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, slow, expired[0].ID)

	j, err := q.Get(ctx, fast)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, j.Status)

	// The handler can still report its real outcome afterwards.
	require.NoError(t, q.Complete(ctx, slow, StatusSucceeded, nil))
	j, err = q.Get(ctx, slow)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, j.Status)
}

func TestPruneJobLog(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return old }
	id := enqueue(t, q, JobClone, "r")
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, StatusSucceeded, nil))

	q.now = func() time.Time { return old.Add(48 * time.Hour) }
	n, err := q.PruneJobLog(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = q.PruneJobLog(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompleteTruncatesLongErrors(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, JobClone, "r")
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	long := strings.Repeat("x", maxErrorBytes+100)
	require.NoError(t, q.Complete(ctx, id, StatusFailed, &long))

	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, j.LastError)
	assert.Len(t, *j.LastError, maxErrorBytes)
}

func TestGetMissingJob(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})

	_, err := q.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestListByRepo(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})

	enqueue(t, q, JobClone, "r")
	enqueue(t, q, JobIndex, "r")
	enqueue(t, q, JobIndex, "other")

	jobs, err := q.ListByRepo(context.Background(), "r", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, JobIndex, jobs[0].Type)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	queued := enqueue(t, q, JobIndex, "r")
	running := enqueue(t, q, JobClone, "r")
	self := enqueue(t, q, JobDelete, "r")
	other := enqueue(t, q, JobIndex, "other")

	// Claim the clone job so it is running; the index job is older, so
	// dequeue by type.
	j, err := q.Dequeue(ctx, JobClone)
	require.NoError(t, err)
	require.Equal(t, running, j.ID)

	n, err := q.CancelQueued(ctx, "r", self, "repository deleted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "repository deleted", *got.LastError)

	for id, want := range map[string]Status{running: StatusRunning, self: StatusQueued, other: StatusQueued} {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

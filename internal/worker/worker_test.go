package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/docstore"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
	"github.com/mattjoyce/repoflow/internal/storage"
	"github.com/mattjoyce/repoflow/internal/workspace"
)

const testURI = "github.com/acme/widgets"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeCloner writes files into the workspace instead of running git.
type fakeCloner struct {
	mu       sync.Mutex
	files    map[string]string
	revision string
	cloneErr error
	fetches  int
}

func (f *fakeCloner) Clone(ctx context.Context, url, dir string, progress func(CloneStats)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cloneErr != nil {
		return f.cloneErr
	}
	progress(CloneStats{Phase: "Receiving objects", Percent: 50, ReceivedObjects: 1, TotalObjects: 2})
	return f.writeFiles(dir)
}

func (f *fakeCloner) Fetch(ctx context.Context, dir string, progress func(CloneStats)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.writeFiles(dir)
}

func (f *fakeCloner) Head(ctx context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revision, nil
}

func (f *fakeCloner) set(rev string, files map[string]string) {
	f.mu.Lock()
	f.revision, f.files = rev, files
	f.mu.Unlock()
}

func (f *fakeCloner) writeFiles(dir string) error {
	for rel, content := range f.files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// blockingIndexer parks until its context is cancelled.
type blockingIndexer struct {
	started chan struct{}
}

func (b *blockingIndexer) Name() string { return "blocking" }

func (b *blockingIndexer) Index(ctx context.Context, req IndexRequest, progress func(done, total int)) (IndexResult, error) {
	close(b.started)
	<-ctx.Done()
	return IndexResult{}, ctx.Err()
}

type fixture struct {
	t       *testing.T
	docs    *docstore.SQLiteStore
	status  *status.Store
	queue   *queue.Queue
	cancel  *cancel.Service
	ws      workspace.Manager
	wsDir   string
	cloner  *fakeCloner
	clock   *fakeClock
	deps    Deps
	nextJob int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	wsDir := filepath.Join(t.TempDir(), "workspaces")
	ws, err := workspace.NewFSManager(wsDir, 2, status.RepoHash)
	require.NoError(t, err)

	f := &fixture{
		t:      t,
		docs:   docstore.NewSQLiteStore(db),
		queue:  queue.New(db, queue.Options{}),
		cancel: cancel.New(),
		ws:     ws,
		wsDir:  wsDir,
		cloner: &fakeCloner{revision: "rev-1", files: map[string]string{"main.go": "package main\n", "README.md": "# widgets\n"}},
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.status = status.NewStore(f.docs, log.Discard())

	indexers, err := ResolveIndexers(Registry(), []string{"file", "languages"})
	require.NoError(t, err)

	f.deps = Deps{
		Status:      f.status,
		Docs:        f.docs,
		Queue:       f.queue,
		Cancel:      f.cancel,
		Workspaces:  f.ws,
		Cloner:      f.cloner,
		Indexers:    indexers,
		Logger:      log.Discard(),
		SubmittedBy: "test",
		CancelWait:  5 * time.Second,
		Now:         f.clock.Now,
	}
	return f
}

func (f *fixture) register(uri string) {
	f.t.Helper()
	require.NoError(f.t, f.status.Set(context.Background(), uri, status.Repository{
		URI: uri, URL: "https://" + uri + ".git", Name: "widgets", Org: "acme",
	}))
}

func (f *fixture) job(jobType queue.JobType, uri string, payload any) *queue.Job {
	f.t.Helper()
	f.nextJob++
	j := &queue.Job{ID: fmt.Sprintf("%s-%d", jobType, f.nextJob), Type: jobType, RepoURI: uri, Status: queue.StatusRunning}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(f.t, err)
		j.Payload = raw
	}
	return j
}

func (f *fixture) outstanding(jobType queue.JobType, uri string) int {
	f.t.Helper()
	n, err := f.queue.CountOutstandingJobs(context.Background(), jobType, uri)
	require.NoError(f.t, err)
	return n
}

// cloneAndIndex drives a repository to a Completed index.
func (f *fixture) cloneAndIndex(uri string) {
	f.t.Helper()
	ctx := context.Background()
	out := NewCloneWorker(f.deps).Handle(ctx, f.job(queue.JobClone, uri, nil))
	require.Equal(f.t, queue.StatusSucceeded, out.Status, "clone: %v", out.Err)

	next, err := f.queue.Dequeue(ctx, queue.JobIndex)
	require.NoError(f.t, err)
	require.NotNil(f.t, next)
	out = NewIndexWorker(f.deps).Handle(ctx, next)
	require.Equal(f.t, queue.StatusSucceeded, out.Status, "index: %v", out.Err)
	require.NoError(f.t, f.queue.Complete(ctx, next.ID, out.Status, nil))
}

func TestCloneSucceedsAndChainsOneIndex(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	ctx := context.Background()

	out := NewCloneWorker(f.deps).Handle(ctx, f.job(queue.JobClone, testURI, queue.ClonePayload{URL: "https://example.invalid/w.git"}))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)

	cs, err := f.status.GetCloneStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, cs.State)
	assert.Equal(t, 100.0, cs.Progress)
	assert.Equal(t, "rev-1", cs.Revision)
	assert.Empty(t, cs.ErrorMessage)

	is, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCreated, is.State)
	assert.Equal(t, 1, f.outstanding(queue.JobIndex, testURI))

	next, err := f.queue.Dequeue(ctx, queue.JobIndex)
	require.NoError(t, err)
	require.NotNil(t, next)
	var payload queue.IndexPayload
	require.NoError(t, json.Unmarshal(next.Payload, &payload))
	assert.Equal(t, "rev-1", payload.Revision)
	require.NotNil(t, next.ParentJobID)
}

func TestCloneDoesNotChainWhenIndexPending(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	ctx := context.Background()
	w := NewCloneWorker(f.deps)

	require.Equal(t, queue.StatusSucceeded, w.Handle(ctx, f.job(queue.JobClone, testURI, nil)).Status)
	require.Equal(t, queue.StatusSucceeded, w.Handle(ctx, f.job(queue.JobClone, testURI, nil)).Status)

	assert.Equal(t, 1, f.outstanding(queue.JobIndex, testURI))
}

func TestCloneDoesNotChainWhenIndexRunning(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	ctx := context.Background()

	require.NoError(t, f.status.Set(ctx, testURI, status.IndexProgress{
		WorkerProgress: status.WorkerProgress{Timestamp: f.clock.Now(), State: status.StateRunning},
	}))

	out := NewCloneWorker(f.deps).Handle(ctx, f.job(queue.JobClone, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status)
	assert.Equal(t, 0, f.outstanding(queue.JobIndex, testURI))

	is, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateRunning, is.State)
}

func TestCloneFailureChainsNothing(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	f.cloner.cloneErr = errors.New("remote hung up")
	ctx := context.Background()

	out := NewCloneWorker(f.deps).Handle(ctx, f.job(queue.JobClone, testURI, nil))
	require.Equal(t, queue.StatusFailed, out.Status)

	cs, err := f.status.GetCloneStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, cs.State)
	assert.Contains(t, cs.ErrorMessage, "remote hung up")
	assert.Equal(t, 0, f.outstanding(queue.JobIndex, testURI))

	_, err = f.status.GetIndexStatus(ctx, testURI)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestCloneUnregisteredRepositoryFails(t *testing.T) {
	f := newFixture(t)

	out := NewCloneWorker(f.deps).Handle(context.Background(), f.job(queue.JobClone, testURI, nil))
	require.Equal(t, queue.StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "not registered")
}

func TestCloneRejectsConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)

	h, err := f.cancel.Register(context.Background(), cancel.Key(string(queue.JobClone), testURI))
	require.NoError(t, err)
	defer f.cancel.Unregister(h)

	out := NewCloneWorker(f.deps).Handle(context.Background(), f.job(queue.JobClone, testURI, nil))
	require.Equal(t, queue.StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "already in flight")
}

func TestIndexWritesDocumentsAndCompletes(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	f.cloneAndIndex(testURI)
	ctx := context.Background()

	is, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, is.State)
	assert.Equal(t, "rev-1", is.Revision)
	assert.Equal(t, 2, is.IndexedFiles)
	assert.Equal(t, 2, is.TotalFiles)
	assert.Equal(t, "languages", is.Indexer)

	doc, err := f.docs.Get(ctx, status.IndexNamespace(testURI), "file:main.go")
	require.NoError(t, err)
	var fd fileDoc
	require.NoError(t, json.Unmarshal(doc.Body, &fd))
	assert.Equal(t, "go", fd.Language)
	assert.Equal(t, "rev-1", fd.Revision)

	_, err = f.docs.Get(ctx, status.IndexNamespace(testURI), "languages")
	require.NoError(t, err)
}

func TestIndexWithoutWorkspaceFails(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)

	out := NewIndexWorker(f.deps).Handle(context.Background(), f.job(queue.JobIndex, testURI, nil))
	require.Equal(t, queue.StatusFailed, out.Status)

	is, err := f.status.GetIndexStatus(context.Background(), testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, is.State)
}

func TestIndexCancelledMidFlight(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	ctx := context.Background()
	require.Equal(t, queue.StatusSucceeded, NewCloneWorker(f.deps).Handle(ctx, f.job(queue.JobClone, testURI, nil)).Status)

	blocker := &blockingIndexer{started: make(chan struct{})}
	deps := f.deps
	deps.Indexers = []NamedFactory{
		{Name: "blocking", Factory: func(docstore.Client, *slog.Logger) Indexer { return blocker }},
		{Name: "file", Factory: Registry()["file"]},
	}

	done := make(chan dispatch.Outcome, 1)
	go func() {
		done <- NewIndexWorker(deps).Handle(ctx, f.job(queue.JobIndex, testURI, nil))
	}()

	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("indexer never started")
	}
	require.True(t, f.cancel.CancelAndWait(ctx, cancel.Key(string(queue.JobIndex), testURI), 5*time.Second))

	out := <-done
	assert.Equal(t, queue.StatusCancelled, out.Status)

	is, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCancelled, is.State)

	// The second indexer never ran.
	_, err = f.docs.Get(ctx, status.IndexNamespace(testURI), "file:main.go")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestUpdateReindexesWhenRevisionMoves(t *testing.T) {
	f := newFixture(t)
	f.deps.Indexers = []NamedFactory{{Name: "file", Factory: Registry()["file"]}}
	f.register(testURI)
	f.cloneAndIndex(testURI)
	ctx := context.Background()

	before, err := f.status.GetCloneStatus(ctx, testURI)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	f.cloner.set("rev-2", map[string]string{"main.go": "package main\n\nfunc main() {}\n", "README.md": "# widgets\n"})

	out := NewUpdateWorker(f.deps).Handle(ctx, f.job(queue.JobUpdate, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)

	cs, err := f.status.GetCloneStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, cs.State)
	assert.Equal(t, "rev-2", cs.Revision)
	assert.True(t, cs.Timestamp.After(before.Timestamp))

	is, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, "rev-2", is.Revision)
	assert.Equal(t, 1, is.IndexedFiles, "only the changed file is rewritten")
	assert.Equal(t, f.clock.Now(), is.Timestamp)

	doc, err := f.docs.Get(ctx, status.IndexNamespace(testURI), "file:main.go")
	require.NoError(t, err)
	var fd fileDoc
	require.NoError(t, json.Unmarshal(doc.Body, &fd))
	assert.Equal(t, "rev-2", fd.Revision)

	// No new index job: update does its own re-index.
	assert.Equal(t, 0, f.outstanding(queue.JobIndex, testURI))
}

func TestUpdateUnchangedRevisionSkipsIndex(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	f.cloneAndIndex(testURI)
	ctx := context.Background()

	before, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	out := NewUpdateWorker(f.deps).Handle(ctx, f.job(queue.JobUpdate, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)
	assert.Equal(t, 1, f.cloner.fetches)

	cs, err := f.status.GetCloneStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), cs.Timestamp)

	after, err := f.status.GetIndexStatus(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, before.Timestamp, after.Timestamp)
}

func TestUpdateWithoutCloneFails(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)

	out := NewUpdateWorker(f.deps).Handle(context.Background(), f.job(queue.JobUpdate, testURI, nil))
	require.Equal(t, queue.StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "not been cloned")
	assert.Equal(t, 0, f.cloner.fetches)
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	f.register("github.com/acme/other")
	f.cloneAndIndex(testURI)
	ctx := context.Background()

	pending, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Type: queue.JobIndex, RepoURI: testURI, SubmittedBy: "test"})
	require.NoError(t, err)

	out := NewDeleteWorker(f.deps).Handle(ctx, f.job(queue.JobDelete, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)

	for _, stage := range status.Stages {
		_, err := f.status.Get(ctx, testURI, stage)
		assert.ErrorIs(t, err, status.ErrNotFound, "stage %s", stage)
	}
	docs, err := f.docs.Search(ctx, status.IndexNamespace(testURI), docstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = os.Stat(filepath.Join(f.wsDir, status.RepoHash(testURI)))
	assert.True(t, os.IsNotExist(err))

	j, err := f.queue.Get(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, j.Status)

	repos, err := f.status.ListAllRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "github.com/acme/other", repos[0].URI)
}

func TestDeleteCancelsInFlightWorkFirst(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	ctx := context.Background()
	require.Equal(t, queue.StatusSucceeded, NewCloneWorker(f.deps).Handle(ctx, f.job(queue.JobClone, testURI, nil)).Status)

	blocker := &blockingIndexer{started: make(chan struct{})}
	deps := f.deps
	deps.Indexers = []NamedFactory{{Name: "blocking", Factory: func(docstore.Client, *slog.Logger) Indexer { return blocker }}}

	done := make(chan dispatch.Outcome, 1)
	go func() {
		done <- NewIndexWorker(deps).Handle(ctx, f.job(queue.JobIndex, testURI, nil))
	}()
	<-blocker.started

	out := NewDeleteWorker(f.deps).Handle(ctx, f.job(queue.JobDelete, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)
	assert.Equal(t, queue.StatusCancelled, (<-done).Status)

	// The cancelled index wrote its terminal state before the records were
	// removed, so nothing is left behind.
	_, err := f.status.GetIndexStatus(ctx, testURI)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.False(t, f.cancel.Active(cancel.Key(string(queue.JobIndex), testURI)))
}

func TestDeleteProceedsWhenInFlightWorkIgnoresCancel(t *testing.T) {
	f := newFixture(t)
	f.register(testURI)
	f.cloneAndIndex(testURI)
	ctx := context.Background()

	// An index that never acknowledges the cancel signal.
	key := cancel.Key(string(queue.JobIndex), testURI)
	stuck, err := f.cancel.Register(ctx, key)
	require.NoError(t, err)
	defer f.cancel.Unregister(stuck)

	deps := f.deps
	deps.CancelWait = 50 * time.Millisecond
	start := time.Now()
	out := NewDeleteWorker(deps).Handle(ctx, f.job(queue.JobDelete, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)
	assert.GreaterOrEqual(t, time.Since(start), deps.CancelWait)
	assert.True(t, stuck.Cancelled())
	assert.True(t, f.cancel.Active(key))

	for _, stage := range status.Stages {
		_, err := f.status.Get(ctx, testURI, stage)
		assert.ErrorIs(t, err, status.ErrNotFound, "stage %s", stage)
	}
	docs, err := f.docs.Search(ctx, status.IndexNamespace(testURI), docstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, docs)
	_, err = os.Stat(filepath.Join(f.wsDir, status.RepoHash(testURI)))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteOfUnknownRepositorySucceeds(t *testing.T) {
	f := newFixture(t)

	out := NewDeleteWorker(f.deps).Handle(context.Background(), f.job(queue.JobDelete, testURI, nil))
	require.Equal(t, queue.StatusSucceeded, out.Status, "%v", out.Err)

	_, err := f.status.GetDeleteStatus(context.Background(), testURI)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

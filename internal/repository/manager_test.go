package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repoflow/internal/docstore"
	"github.com/mattjoyce/repoflow/internal/events"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
	"github.com/mattjoyce/repoflow/internal/storage"
)

type testEnv struct {
	status *status.Store
	queue  *queue.Queue
	hub    *events.Hub
	mgr    *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		status: status.NewStore(docstore.NewSQLiteStore(db), log.Discard()),
		queue:  queue.New(db, queue.Options{}),
		hub:    events.NewHub(16),
	}
	env.mgr = NewManager(env.status, env.queue, env.hub, nil, log.Discard(), Options{SubmittedBy: "test", LayoutVersion: 3})
	return env
}

func TestRegisterWritesRecordsAndEnqueuesClone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.mgr.Register(ctx, "https://github.com/acme/widgets.git")
	require.NoError(t, err)
	require.NotEmpty(t, reg.CloneJobID)
	assert.Equal(t, "github.com/acme/widgets", reg.Repository.URI)

	repo, err := env.status.GetRepository(ctx, reg.Repository.URI)
	require.NoError(t, err)
	assert.Equal(t, reg.Repository, repo)

	cs, err := env.status.GetCloneStatus(ctx, repo.URI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCreated, cs.State)

	job, err := env.queue.Get(ctx, reg.CloneJobID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobClone, job.Type)
	assert.Equal(t, "test", job.SubmittedBy)
	var payload queue.ClonePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "https://github.com/acme/widgets.git", payload.URL)

	evs := env.hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.RepoRegistered, evs[0].Type)
}

func TestRegisterTwiceEnqueuesOneClone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.mgr.Register(ctx, "git@github.com:acme/widgets.git")
	require.NoError(t, err)
	second, err := env.mgr.Register(ctx, "https://github.com/acme/widgets")
	require.NoError(t, err)

	assert.NotEmpty(t, first.CloneJobID)
	assert.Empty(t, second.CloneJobID)

	n, err := env.queue.CountOutstandingJobs(ctx, queue.JobClone, "github.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The latest origin wins.
	repo, err := env.status.GetRepository(ctx, "github.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets", repo.URL)
}

func TestRegisterStampsLayoutVersionOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const uri = "github.com/acme/widgets"

	_, err := env.mgr.Register(ctx, "https://github.com/acme/widgets.git")
	require.NoError(t, err)
	v, err := env.status.Version(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	// Re-registering an existing repository leaves its marker alone.
	require.NoError(t, env.status.SetVersion(ctx, uri, 5))
	_, err = env.mgr.Register(ctx, "https://github.com/acme/widgets.git")
	require.NoError(t, err)
	v, err = env.status.Version(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestRegisterRejectsBadOrigin(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Register(context.Background(), "not a url")
	require.Error(t, err)

	repos, err := env.mgr.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestRemoveEnqueuesDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.mgr.Register(ctx, "https://github.com/acme/widgets")
	require.NoError(t, err)

	id, err := env.mgr.Remove(ctx, reg.Repository.URI)
	require.NoError(t, err)
	job, err := env.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobDelete, job.Type)

	ds, err := env.status.GetDeleteStatus(ctx, reg.Repository.URI)
	require.NoError(t, err)
	assert.Equal(t, status.StateCreated, ds.State)

	_, err = env.mgr.Remove(ctx, reg.Repository.URI)
	assert.ErrorIs(t, err, ErrDeleteInProgress)

	_, err = env.mgr.Register(ctx, "https://github.com/acme/widgets")
	assert.ErrorIs(t, err, ErrDeleteInProgress)
}

func TestRemoveUnknownRepository(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Remove(context.Background(), "github.com/acme/nope")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestDescribeAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Register(ctx, "https://github.com/acme/zeta")
	require.NoError(t, err)
	reg, err := env.mgr.Register(ctx, "https://github.com/acme/alpha")
	require.NoError(t, err)

	d, err := env.mgr.Describe(ctx, reg.Repository.URI)
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Repository.Name)
	require.NotNil(t, d.Clone)
	assert.Equal(t, status.StateCreated, d.Clone.State)
	assert.Nil(t, d.Index)
	assert.Nil(t, d.Delete)
	require.Len(t, d.Jobs, 1)
	assert.Equal(t, reg.CloneJobID, d.Jobs[0].ID)

	repos, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "github.com/acme/alpha", repos[0].URI)
	assert.Equal(t, "github.com/acme/zeta", repos[1].URI)

	_, err = env.mgr.Describe(ctx, "github.com/acme/missing")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

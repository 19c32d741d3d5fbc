package migration

import (
	"context"
	"errors"

	"github.com/mattjoyce/repoflow/internal/repository"
	"github.com/mattjoyce/repoflow/internal/status"
)

// Steps returns the built-in migrations.
func Steps() []Step {
	return []Step{
		{Version: 1, Name: "baseline", Apply: func(context.Context, *status.Store, status.Repository) error { return nil }},
		{Version: 2, Name: "backfill repository name and org", Apply: backfillNames},
		{Version: 3, Name: "default empty stage state", Apply: defaultStageState},
	}
}

// Latest is the version a repository registered by this build starts at.
func Latest() int {
	latest := 0
	for _, s := range Steps() {
		latest = max(latest, s.Version)
	}
	return latest
}

func backfillNames(ctx context.Context, st *status.Store, repo status.Repository) error {
	if repo.Name != "" && repo.Org != "" {
		return nil
	}
	org, name := repository.SplitURI(repo.URI)
	var patch status.RepositoryPatch
	if repo.Name == "" && name != "" {
		patch.Name = &name
	}
	if repo.Org == "" && org != "" {
		patch.Org = &org
	}
	if patch.Name == nil && patch.Org == nil {
		return nil
	}
	return st.Update(ctx, repo.URI, status.StageRepository, patch)
}

// defaultStageState marks progress records written without a state as
// Created.
func defaultStageState(ctx context.Context, st *status.Store, repo status.Repository) error {
	for _, stage := range []status.Stage{status.StageGitClone, status.StageLspIndex, status.StageDelete} {
		rec, err := st.Get(ctx, repo.URI, stage)
		if errors.Is(err, status.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if wp, ok := status.Progress(rec); !ok || wp.State != "" {
			continue
		}
		if err := st.Update(ctx, repo.URI, stage, status.ProgressPatch{State: status.Ptr(status.StateCreated)}); err != nil {
			return err
		}
	}
	return nil
}

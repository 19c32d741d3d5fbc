package workspace

import (
	"context"
)

// Workspace is the on-disk working tree of one repository.
//
// Status records only carry the repository uri; the directory is always
// derived here so the workspace root can move without rewriting state.
type Workspace struct {
	RepoURI string
	Dir     string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs repository workspaces and bounds how many are in active use.
type Manager interface {
	// Prepare returns an empty directory for uri, discarding any previous tree.
	Prepare(ctx context.Context, uri string) (Workspace, error)

	// Open resolves the existing workspace for uri.
	Open(ctx context.Context, uri string) (Workspace, error)

	// Remove deletes uri's workspace. A missing workspace is not an error.
	Remove(ctx context.Context, uri string) error

	// Cleanup removes workspace directories not named in keep.
	Cleanup(ctx context.Context, keep map[string]bool) (CleanupReport, error)

	// Acquire blocks until a workspace slot is free. The returned func
	// releases it.
	Acquire(ctx context.Context) (func(), error)
}

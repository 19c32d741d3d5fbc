package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"
)

// fsWorkspaceManager keeps one directory per repository on local disk, named
// by a stable digest of the repository uri.
type fsWorkspaceManager struct {
	baseDir string
	dirName func(uri string) string
	slots   *semaphore.Weighted
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed manager rooted at baseDir.
// dirName maps a repository uri to its directory name; maxConcurrent bounds
// Acquire (values below 1 mean 1).
func NewFSManager(baseDir string, maxConcurrent int, dirName func(uri string) string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	if dirName == nil {
		return nil, fmt.Errorf("workspace naming func is nil")
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		dirName: dirName,
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
	}, nil
}

func (m *fsWorkspaceManager) Prepare(ctx context.Context, uri string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(uri)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return Workspace{}, fmt.Errorf("clear workspace for %q: %w", uri, err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for %q: %w", uri, err)
	}

	return Workspace{RepoURI: uri, Dir: path}, nil
}

func (m *fsWorkspaceManager) Open(ctx context.Context, uri string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(uri)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for %q: %w", uri, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for %q is not a directory", uri)
	}

	return Workspace{RepoURI: uri, Dir: path}, nil
}

func (m *fsWorkspaceManager) Remove(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.workspacePath(uri)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for %q: %w", uri, err)
	}
	return nil
}

// Cleanup removes every directory under the base whose name is not in keep.
// Loose files are left alone.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, keep map[string]bool) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	entries, err := os.ReadDir(m.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	report := CleanupReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsWorkspaceManager) Acquire(ctx context.Context) (func(), error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for workspace slot: %w", err)
	}
	return func() { m.slots.Release(1) }, nil
}

func (m *fsWorkspaceManager) workspacePath(uri string) (string, error) {
	if strings.TrimSpace(uri) == "" {
		return "", fmt.Errorf("repository uri is empty")
	}
	name := m.dirName(uri)
	if err := validateDirName(name); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, name), nil
}

func validateDirName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("workspace name %q is invalid", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("workspace name %q must not contain path separators", name)
	}
	if filepath.Clean(name) != name {
		return fmt.Errorf("workspace name %q is invalid", name)
	}
	return nil
}

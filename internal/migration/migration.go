// Package migration reconciles persisted repository state with the layout
// this build expects. It runs once at startup, after the SQL schema is
// current and before any worker binds.
//
// Every repository status namespace carries a version marker. Steps are
// registered by target version and applied in order to namespaces below
// that version; each step must be idempotent so an interrupted run can be
// repeated.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/status"
)

// ErrMigrationFailed wraps every error that stops a migration run.
var ErrMigrationFailed = errors.New("migration failed")

// Step upgrades one repository to Version.
type Step struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, st *status.Store, repo status.Repository) error
}

type Migrator struct {
	status *status.Store
	steps  []Step
	logger *slog.Logger
}

// New builds a Migrator over steps. Steps are sorted by version; duplicate
// or non-positive versions are rejected.
func New(st *status.Store, logger *slog.Logger, steps []Step) (*Migrator, error) {
	sorted := append([]Step(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, s := range sorted {
		if s.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", s.Name)
		}
		if i > 0 && sorted[i-1].Version == s.Version {
			return nil, fmt.Errorf("migration version %d registered twice", s.Version)
		}
		if s.Apply == nil {
			return nil, fmt.Errorf("migration %d (%s) has no apply func", s.Version, s.Name)
		}
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Migrator{status: st, steps: sorted, logger: log.WithComponent(logger, "migration")}, nil
}

// Target is the version every namespace ends up at.
func (m *Migrator) Target() int {
	if len(m.steps) == 0 {
		return 0
	}
	return m.steps[len(m.steps)-1].Version
}

// Report summarizes a run.
type Report struct {
	Repositories int
	Migrated     int
	Current      int
}

// Run brings every registered repository to Target. Already-current
// namespaces are left untouched.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	var rep Report
	repos, err := m.status.ListAllRepositories(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	rep.Repositories = len(repos)

	target := m.Target()
	for _, repo := range repos {
		current, err := m.status.Version(ctx, repo.URI)
		if err != nil {
			return rep, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
		if current >= target {
			rep.Current++
			continue
		}

		for _, step := range m.steps {
			if step.Version <= current {
				continue
			}
			if err := step.Apply(ctx, m.status, repo); err != nil {
				return rep, fmt.Errorf("%w: %s to version %d (%s): %w", ErrMigrationFailed, repo.URI, step.Version, step.Name, err)
			}
			if err := m.status.SetVersion(ctx, repo.URI, step.Version); err != nil {
				return rep, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
			}
			m.logger.Info("applied migration", "repo_uri", repo.URI, "version", step.Version, "name", step.Name)
		}
		rep.Migrated++
	}

	m.logger.Info("migrations finished", "target", target,
		"repositories", rep.Repositories, "migrated", rep.Migrated, "current", rep.Current)
	return rep, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/repoflow/internal/api"
	"github.com/mattjoyce/repoflow/internal/cancel"
	"github.com/mattjoyce/repoflow/internal/config"
	"github.com/mattjoyce/repoflow/internal/dispatch"
	"github.com/mattjoyce/repoflow/internal/docstore"
	"github.com/mattjoyce/repoflow/internal/events"
	"github.com/mattjoyce/repoflow/internal/lock"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/metrics"
	"github.com/mattjoyce/repoflow/internal/migration"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/scheduler"
	"github.com/mattjoyce/repoflow/internal/status"
	"github.com/mattjoyce/repoflow/internal/storage"
	"github.com/mattjoyce/repoflow/internal/worker"
	"github.com/mattjoyce/repoflow/internal/workspace"
)

func runStart(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("system start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := log.New(cfg.Service.LogLevel, cfg.Service.LogFormat, stderr)
	mainLog := log.WithComponent(logger, "main")
	mainLog.Info("repoflow starting", "version", version, "config", path)

	if path != defaultsLabel {
		switch err := config.VerifyChecksums(path); {
		case errors.Is(err, config.ErrNoChecksums):
			mainLog.Debug("configuration checksum not locked")
		case err != nil:
			mainLog.Error("configuration checksum verification failed", "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		mainLog.Error("repoflow failed", "error", err)
		return 1
	}
	mainLog.Info("repoflow stopped")
	return 0
}

// serve runs the service until ctx is cancelled. Startup errors, including a
// failed migration, are returned before any worker or scheduler starts.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mainLog := log.WithComponent(logger, "main")

	for setting, p := range map[string]string{"state.path": cfg.State.Path, "workspace.dir": cfg.Workspace.Dir} {
		if err := storage.RequireLocalFilesystem(p, setting); err != nil {
			return err
		}
	}

	pidLock, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		return fmt.Errorf("acquire PID lock %s (another instance may be running): %w", cfg.Service.LockPath, err)
	}
	defer pidLock.Release()
	mainLog.Info("acquired PID lock", "path", pidLock.Path())

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	defer db.Close()
	applied, err := storage.AppliedMigrations(db)
	if err != nil {
		return err
	}
	mainLog.Info("database opened", "path", cfg.State.Path, "schema_migrations", len(applied))

	docs := docstore.NewSQLiteStore(db)
	st := status.NewStore(docs, logger)

	migrator, err := migration.New(st, logger, migration.Steps())
	if err != nil {
		return err
	}
	if _, err := migrator.Run(ctx); err != nil {
		return err
	}

	q := queue.New(db, queue.Options{Name: cfg.Queue.Index, Timeout: cfg.Queue.Timeout, MaxAttempts: cfg.Queue.MaxAttempts})
	hub := events.NewHub(256)
	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ws, err := workspace.NewFSManager(cfg.Workspace.Dir, cfg.Workspace.MaxConcurrent, status.RepoHash)
	if err != nil {
		return fmt.Errorf("initialize workspace manager: %w", err)
	}

	sched := scheduler.New(scheduler.Options{
		Enabled:         cfg.Scheduler.Enabled,
		SubmittedBy:     cfg.Service.Name,
		IndexInterval:   cfg.Scheduler.IndexInterval,
		UpdateInterval:  cfg.Scheduler.UpdateInterval,
		IndexFrequency:  cfg.Scheduler.IndexFrequency,
		UpdateFrequency: cfg.Scheduler.UpdateFrequency,
		JobLogRetention: cfg.Queue.JobLogRetention,
	}, q, st, hub, m, logger)

	// Recovery runs inside Start and must finish before any job is dequeued.
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if err := cleanupWorkspaces(ctx, st, ws, mainLog); err != nil {
		return err
	}

	indexers, err := worker.ResolveIndexers(worker.Registry(), cfg.Indexers)
	if err != nil {
		return err
	}
	deps := worker.Deps{
		Status:      st,
		Docs:        docs,
		Queue:       q,
		Cancel:      cancel.New(),
		Workspaces:  ws,
		Cloner:      worker.NewGitCloner(""),
		Indexers:    indexers,
		Logger:      logger,
		SubmittedBy: cfg.Service.Name,
		CancelWait:  cfg.Delete.CancelWait,
	}

	disp := dispatch.New(q, dispatch.Options{Workers: cfg.Queue.Workers, PollInterval: cfg.Queue.PollInterval}, logger, m, hub)
	for jobType, h := range map[queue.JobType]dispatch.Handler{
		queue.JobClone:  worker.NewCloneWorker(deps),
		queue.JobIndex:  worker.NewIndexWorker(deps),
		queue.JobUpdate: worker.NewUpdateWorker(deps),
		queue.JobDelete: worker.NewDeleteWorker(deps),
	} {
		if err := disp.Bind(jobType, h); err != nil {
			return err
		}
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	errCh := make(chan error, 2)

	go logEvents(ctx, hub, log.WithComponent(logger, "events"))

	opsDone := make(chan struct{})
	if cfg.Service.MetricsListen != "" {
		ops := api.New(api.Config{Listen: cfg.Service.MetricsListen}, q, st, metrics.Handler(reg), log.WithComponent(logger, "api"))
		go func() {
			defer close(opsDone)
			if err := ops.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
	} else {
		close(opsDone)
	}

	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	mainLog.Info("repoflow running (press Ctrl+C to stop)")

	var runErr error
	select {
	case <-ctx.Done():
		mainLog.Info("received shutdown signal")
	case runErr = <-errCh:
		mainLog.Error("component failed", "error", runErr)
	}
	cancelRun()
	<-dispDone
	<-opsDone
	return runErr
}

// cleanupWorkspaces removes workspace directories of repositories that are
// no longer registered.
func cleanupWorkspaces(ctx context.Context, st *status.Store, ws workspace.Manager, logger *slog.Logger) error {
	repos, err := st.ListAllRepositories(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(repos))
	for _, r := range repos {
		keep[status.RepoHash(r.URI)] = true
	}
	rep, err := ws.Cleanup(ctx, keep)
	if err != nil {
		return fmt.Errorf("clean up workspaces: %w", err)
	}
	if rep.DeletedDirs > 0 {
		logger.Info("removed orphaned workspaces", "count", rep.DeletedDirs)
	}
	return nil
}

// logEvents mirrors hub events into the debug log.
func logEvents(ctx context.Context, hub *events.Hub, logger *slog.Logger) {
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("event", "type", ev.Type, "id", ev.ID, "data", string(ev.Data))
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/repoflow/internal/config"
	"github.com/mattjoyce/repoflow/internal/docstore"
	"github.com/mattjoyce/repoflow/internal/inspect"
	"github.com/mattjoyce/repoflow/internal/lock"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/migration"
	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/repository"
	"github.com/mattjoyce/repoflow/internal/status"
	"github.com/mattjoyce/repoflow/internal/storage"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "system":
		return runSystemNoun(rest, stdout, stderr)
	case "repo":
		return runRepoNoun(rest, stdout, stderr)
	case "job":
		return runJobNoun(rest, stdout, stderr)
	case "config":
		return runConfigNoun(rest, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "repoflow version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `repoflow - repository clone, index and refresh orchestrator

Usage:
  repoflow <noun> <action> [flags]

System Commands:
  system start           Run the service in the foreground
  system status          Show whether the service runs and queue totals

Repository Commands:
  repo add <origin>      Register a repository and queue its clone
  repo remove <uri>      Queue the delete of a repository
  repo status <uri>      Show every stage record and recent jobs
  repo list              List registered repositories

Job Commands:
  job inspect <id>       Show a job and its lineage

Config Commands:
  config check           Validate the configuration and its checksum
  config lock            Record the configuration checksum

General:
  version                Show version information
  help                   Show this help message

Every action accepts --config <path>.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: repoflow system <start|status> [--config PATH]")
		return boolExit(len(args) >= 1)
	}
	switch args[0] {
	case "start":
		return runStart(args[1:], stderr)
	case "status":
		return runSystemStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runRepoNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: repoflow repo <add|remove|status|list> [args] [--config PATH]")
		return boolExit(len(args) >= 1)
	}
	switch args[0] {
	case "add":
		return runRepoAdd(args[1:], stdout, stderr)
	case "remove", "rm":
		return runRepoRemove(args[1:], stdout, stderr)
	case "status":
		return runRepoStatus(args[1:], stdout, stderr)
	case "list", "ls":
		return runRepoList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown repo action: %s\n", args[0])
		return 1
	}
}

func runJobNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: repoflow job inspect <job_id> [--json] [--config PATH]")
		return boolExit(len(args) >= 1)
	}
	switch args[0] {
	case "inspect":
		return runJobInspect(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown job action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: repoflow config <check|lock> [--config PATH]")
		return boolExit(len(args) >= 1)
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "lock":
		return runConfigLock(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Configuration valid: %s (state=%s, workers=%d, indexers=%s)\n",
		path, cfg.State.Path, cfg.Queue.Workers, strings.Join(cfg.Indexers, ","))
	if path == defaultsLabel {
		return 0
	}
	switch err := config.VerifyChecksums(path); {
	case errors.Is(err, config.ErrNoChecksums):
		fmt.Fprintln(stdout, "Checksum: not locked")
	case err != nil:
		fmt.Fprintf(stderr, "Checksum: %v\n", err)
		return 1
	default:
		fmt.Fprintln(stdout, "Checksum: ok")
	}
	return 0
}

func runConfigLock(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	if path == defaultsLabel {
		fmt.Fprintln(stderr, "config lock: no configuration file found")
		return 1
	}
	hash, err := config.WriteChecksums(path)
	if err != nil {
		fmt.Fprintf(stderr, "config lock: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Locked %s (blake3 %s)\n", path, hash)
	return 0
}

func boolExit(helpRequested bool) int {
	if helpRequested {
		return 0
	}
	return 1
}

// --- SHARED PLUMBING ---

const defaultsLabel = "(defaults)"

// loadConfig loads path, or the discovered config, or Defaults when nothing
// is found and no path was given.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return config.Defaults(), defaultsLabel, nil
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// clientEnv is what the short-lived repo/job commands work against.
type clientEnv struct {
	cfg     *config.Config
	status  *status.Store
	queue   *queue.Queue
	manager *repository.Manager
	close   func()
}

func openClient(ctx context.Context, configPath string) (*clientEnv, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	logger := log.New("warn", "text", os.Stderr)
	st := status.NewStore(docstore.NewSQLiteStore(db), logger)
	q := queue.New(db, queue.Options{Name: cfg.Queue.Index, Timeout: cfg.Queue.Timeout, MaxAttempts: cfg.Queue.MaxAttempts})
	mgr := repository.NewManager(st, q, nil, nil, logger, repository.Options{SubmittedBy: "cli", LayoutVersion: migration.Latest()})
	return &clientEnv{cfg: cfg, status: st, queue: q, manager: mgr, close: func() { _ = db.Close() }}, nil
}

// parseOne parses flags and requires exactly one positional argument, which
// may appear before or after the flags.
func parseOne(fs *flag.FlagSet, args []string, what string) (string, error) {
	var positional []string
	for len(args) > 0 {
		if err := fs.Parse(args); err != nil {
			return "", err
		}
		args = fs.Args()
		if len(args) > 0 {
			positional = append(positional, args[0])
			args = args[1:]
		}
	}
	if len(positional) != 1 {
		return "", fmt.Errorf("expected exactly one %s", what)
	}
	return positional[0], nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ACTIONS ---

func runRepoAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("repo add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	origin, err := parseOne(fs, args, "origin url")
	if err != nil {
		fmt.Fprintf(stderr, "repo add: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openClient(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "repo add: %v\n", err)
		return 1
	}
	defer env.close()

	reg, err := env.manager.Register(ctx, origin)
	if err != nil {
		fmt.Fprintf(stderr, "repo add: %v\n", err)
		return 1
	}
	if reg.CloneJobID == "" {
		fmt.Fprintf(stdout, "%s registered; a clone is already pending\n", reg.Repository.URI)
		return 0
	}
	fmt.Fprintf(stdout, "%s registered; clone job %s queued\n", reg.Repository.URI, reg.CloneJobID)
	return 0
}

func runRepoRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("repo remove", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	uri, err := parseOne(fs, args, "repository uri")
	if err != nil {
		fmt.Fprintf(stderr, "repo remove: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openClient(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "repo remove: %v\n", err)
		return 1
	}
	defer env.close()

	id, err := env.manager.Remove(ctx, uri)
	if errors.Is(err, status.ErrNotFound) {
		fmt.Fprintf(stderr, "repo remove: %s is not registered\n", uri)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "repo remove: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "delete job %s queued for %s\n", id, uri)
	return 0
}

func runRepoStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("repo status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Print JSON")
	uri, err := parseOne(fs, args, "repository uri")
	if err != nil {
		fmt.Fprintf(stderr, "repo status: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openClient(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "repo status: %v\n", err)
		return 1
	}
	defer env.close()

	d, err := env.manager.Describe(ctx, uri)
	if errors.Is(err, status.ErrNotFound) {
		fmt.Fprintf(stderr, "repo status: %s is not registered\n", uri)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "repo status: %v\n", err)
		return 1
	}

	if *asJSON {
		if err := writeJSON(stdout, d); err != nil {
			fmt.Fprintf(stderr, "repo status: %v\n", err)
			return 1
		}
		return 0
	}
	printDescription(stdout, d)
	return 0
}

func printDescription(w io.Writer, d repository.Description) {
	fmt.Fprintf(w, "Repository: %s\n", d.Repository.URI)
	fmt.Fprintf(w, "Origin:     %s\n", d.Repository.URL)
	fmt.Fprintf(w, "Org/Name:   %s/%s\n\n", d.Repository.Org, d.Repository.Name)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATE\tPROGRESS\tUPDATED\tDETAIL")
	stageRow := func(name string, wp status.WorkerProgress, detail string) {
		if wp.ErrorMessage != "" {
			detail = strings.TrimSpace(detail + " error: " + wp.ErrorMessage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\n", name, wp.State, wp.Progress, wp.Timestamp.Format(time.RFC3339), detail)
	}
	if d.Clone != nil {
		stageRow("clone", d.Clone.WorkerProgress, shortRev(d.Clone.Revision))
	}
	if d.Index != nil {
		stageRow("index", d.Index.WorkerProgress, fmt.Sprintf("%s %d/%d files", shortRev(d.Index.Revision), d.Index.IndexedFiles, d.Index.TotalFiles))
	}
	if d.Delete != nil {
		stageRow("delete", d.Delete.WorkerProgress, "")
	}
	_ = tw.Flush()

	if len(d.Jobs) == 0 {
		return
	}
	fmt.Fprintln(w, "\nRecent jobs:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPT\tCREATED")
	for _, j := range d.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", j.ID, j.Type, j.Status, j.Attempt, j.MaxAttempts, j.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func runRepoList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("repo list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	env, err := openClient(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "repo list: %v\n", err)
		return 1
	}
	defer env.close()

	repos, err := env.manager.List(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "repo list: %v\n", err)
		return 1
	}
	if *asJSON {
		if err := writeJSON(stdout, repos); err != nil {
			fmt.Fprintf(stderr, "repo list: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URI\tORIGIN")
	for _, r := range repos {
		fmt.Fprintf(tw, "%s\t%s\n", r.URI, r.URL)
	}
	_ = tw.Flush()
	return 0
}

func runJobInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("job inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Print JSON")
	id, err := parseOne(fs, args, "job id")
	if err != nil {
		fmt.Fprintf(stderr, "job inspect: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openClient(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "job inspect: %v\n", err)
		return 1
	}
	defer env.close()

	build := inspect.BuildReport
	if *asJSON {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, env.queue, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		fmt.Fprintf(stderr, "job inspect: job %s not found\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "job inspect: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, strings.TrimRight(out, "\n"))
	return 0
}

func runSystemStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("system status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	env, err := openClient(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "system status: %v\n", err)
		return 1
	}
	defer env.close()

	if l, err := lock.Acquire(env.cfg.Service.LockPath); errors.Is(err, lock.ErrHeld) {
		pid, _ := lock.Owner(env.cfg.Service.LockPath)
		fmt.Fprintf(stdout, "service: running (pid %d)\n", pid)
	} else {
		if l != nil {
			_ = l.Release()
		}
		fmt.Fprintln(stdout, "service: not running")
	}

	for _, s := range []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusDead} {
		jobs, err := env.queue.FindJobsByStatus(ctx, s)
		if err != nil {
			fmt.Fprintf(stderr, "system status: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "jobs %s: %d\n", s, len(jobs))
	}

	repos, err := env.status.ListAllRepositories(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "system status: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "repositories: %d\n", len(repos))
	return 0
}

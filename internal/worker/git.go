package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CloneStats is one progress sample from a clone or fetch.
type CloneStats struct {
	Phase           string
	Percent         float64
	ReceivedObjects int
	TotalObjects    int
	ReceivedBytes   int64
	IndexedObjects  int
}

// Cloner performs the external source-tree operations.
type Cloner interface {
	// Clone checks url out into dir, which exists and is empty.
	Clone(ctx context.Context, url, dir string, progress func(CloneStats)) error
	// Fetch brings an existing checkout up to date with its origin.
	Fetch(ctx context.Context, dir string, progress func(CloneStats)) error
	// Head returns the revision checked out in dir.
	Head(ctx context.Context, dir string) (string, error)
}

// GitCloner drives the git binary.
type GitCloner struct {
	Binary string
}

var _ Cloner = (*GitCloner)(nil)

func NewGitCloner(binary string) *GitCloner {
	if binary == "" {
		binary = "git"
	}
	return &GitCloner{Binary: binary}
}

func (g *GitCloner) Clone(ctx context.Context, url, dir string, progress func(CloneStats)) error {
	return g.run(ctx, "", progress, "clone", "--progress", "--no-tags", "--", url, dir)
}

func (g *GitCloner) Fetch(ctx context.Context, dir string, progress func(CloneStats)) error {
	if err := g.run(ctx, dir, progress, "fetch", "--progress", "--prune", "origin"); err != nil {
		return err
	}
	return g.run(ctx, dir, nil, "reset", "--hard", "--quiet", "FETCH_HEAD")
}

func (g *GitCloner) Head(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Binary, "-C", dir, "rev-parse", "HEAD")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitCloner) run(ctx context.Context, dir string, progress func(CloneStats), args ...string) error {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, g.Binary, args...)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("git %s: stderr pipe: %w", args[0], err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("git %s: start: %w", args[0], err)
	}

	tail := scanProgress(stderr, progress)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("git %s: %w: %s", args[0], err, tail)
	}
	return nil
}

var progressLine = regexp.MustCompile(`^(?:remote: )?([A-Za-z ]+):\s+(\d+)% \((\d+)/(\d+)\)(?:, ([\d.]+) (bytes|KiB|MiB|GiB))?`)

// scanProgress feeds git's carriage-return separated progress output to
// progress and returns the last non-progress line for error reporting.
func scanProgress(r io.Reader, progress func(CloneStats)) string {
	sc := bufio.NewScanner(r)
	sc.Split(scanLinesOrCR)

	var (
		stats CloneStats
		last  string
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !parseProgressLine(line, &stats) {
			last = line
			continue
		}
		if progress != nil {
			progress(stats)
		}
	}
	return last
}

func parseProgressLine(line string, stats *CloneStats) bool {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	pct, _ := strconv.ParseFloat(m[2], 64)
	done, _ := strconv.Atoi(m[3])
	total, _ := strconv.Atoi(m[4])

	stats.Phase = strings.TrimSpace(m[1])
	stats.Percent = pct
	switch stats.Phase {
	case "Receiving objects":
		stats.ReceivedObjects = done
		stats.TotalObjects = total
		if m[5] != "" {
			stats.ReceivedBytes = parseSize(m[5], m[6])
		}
	case "Resolving deltas":
		stats.IndexedObjects = done
	}
	return true
}

func parseSize(num, unit string) int64 {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case "KiB":
		v *= 1 << 10
	case "MiB":
		v *= 1 << 20
	case "GiB":
		v *= 1 << 30
	}
	return int64(v)
}

func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

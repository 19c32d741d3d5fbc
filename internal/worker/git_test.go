package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want CloneStats
		ok   bool
	}{
		{
			name: "receiving with bytes",
			line: "Receiving objects:  45% (450/1000), 1.50 MiB | 2.00 MiB/s",
			want: CloneStats{Phase: "Receiving objects", Percent: 45, ReceivedObjects: 450, TotalObjects: 1000, ReceivedBytes: 1572864},
			ok:   true,
		},
		{
			name: "resolving deltas",
			line: "Resolving deltas: 100% (12/12), done.",
			want: CloneStats{Phase: "Resolving deltas", Percent: 100, IndexedObjects: 12},
			ok:   true,
		},
		{
			name: "remote counting",
			line: "remote: Counting objects: 10% (1/10)",
			want: CloneStats{Phase: "Counting objects", Percent: 10},
			ok:   true,
		},
		{
			name: "not progress",
			line: "fatal: repository not found",
			ok:   false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got CloneStats
			ok := parseProgressLine(tc.line, &got)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestScanProgressSplitsCarriageReturns(t *testing.T) {
	t.Parallel()

	in := "Cloning into 'x'...\nReceiving objects:  10% (1/10)\rReceiving objects:  50% (5/10)\rReceiving objects: 100% (10/10), 2.00 KiB | 1.00 MiB/s, done.\nfatal: early EOF\n"
	var seen []CloneStats
	tail := scanProgress(strings.NewReader(in), func(s CloneStats) { seen = append(seen, s) })

	require.Len(t, seen, 3)
	assert.Equal(t, 50.0, seen[1].Percent)
	assert.Equal(t, int64(2048), seen[2].ReceivedBytes)
	assert.Equal(t, "fatal: early EOF", tail)
}

func TestClonePercentFoldsPhases(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 40.0, clonePercent(CloneStats{Phase: "Receiving objects", Percent: 50}))
	assert.Equal(t, 90.0, clonePercent(CloneStats{Phase: "Resolving deltas", Percent: 50}))
	assert.Zero(t, clonePercent(CloneStats{Phase: "Counting objects", Percent: 50}))

	p := clonePatch(CloneStats{Phase: "Counting objects", Percent: 50})
	assert.Nil(t, p.Progress)
}

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir, "-c", "user.email=test@example.com", "-c", "user.name=test"}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestGitClonerCloneFetchHead(t *testing.T) {
	gitOrSkip(t)
	ctx := context.Background()

	src := t.TempDir()
	gitRun(t, src, "init", "--quiet")
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("one\n"), 0o644))
	gitRun(t, src, "add", ".")
	gitRun(t, src, "commit", "--quiet", "-m", "first")

	g := NewGitCloner("")
	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, g.Clone(ctx, src, dst, nil))

	first, err := g.Head(ctx, dst)
	require.NoError(t, err)
	assert.Len(t, first, 40)

	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("two\n"), 0o644))
	gitRun(t, src, "commit", "--quiet", "-am", "second")

	require.NoError(t, g.Fetch(ctx, dst, nil))
	second, err := g.Head(ctx, dst)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	body, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(body))
}

func TestGitClonerReportsFailure(t *testing.T) {
	gitOrSkip(t)

	g := NewGitCloner("")
	err := g.Clone(context.Background(), filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "dst"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git clone")
}

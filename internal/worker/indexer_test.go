package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repoflow/internal/docstore"
	"github.com/mattjoyce/repoflow/internal/log"
	"github.com/mattjoyce/repoflow/internal/storage"
)

func newTestDocs(t *testing.T) *docstore.SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return docstore.NewSQLiteStore(db)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestListFilesSkipsExcludes(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":                 "package main",
		"pkg/util.go":             "package pkg",
		".git/HEAD":               "ref: refs/heads/main",
		"web/node_modules/x/a.js": "x",
		"web/src/app.ts":          "y",
	})

	files, err := listFiles(context.Background(), root, DefaultExcludes)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "pkg/util.go", "web/src/app.ts"}, files)
}

func TestFileIndexerIncremental(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newTestDocs(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "a", "b.py": "b", "c.md": "c"})

	ix := NewFileIndexer(docs, log.Discard(), DefaultExcludes)
	req := IndexRequest{RepoURI: "r", Dir: root, Revision: "r1", Namespace: "index-test"}

	var calls int
	res, err := ix.Index(ctx, req, func(done, total int) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, IndexResult{IndexedFiles: 3, TotalFiles: 3}, res)
	assert.Equal(t, 3, calls)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("changed"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "c.md")))

	req.Revision, req.Incremental = "r2", true
	res, err = ix.Index(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, IndexResult{IndexedFiles: 1, TotalFiles: 2}, res)

	_, err = docs.Get(ctx, "index-test", "file:c.md")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	doc, err := docs.Get(ctx, "index-test", "file:b.py")
	require.NoError(t, err)
	var fd fileDoc
	require.NoError(t, json.Unmarshal(doc.Body, &fd))
	assert.Equal(t, "r1", fd.Revision, "unchanged file keeps its first revision")
	assert.Equal(t, "python", fd.Language)
}

func TestFileIndexerStopsOnCancel(t *testing.T) {
	t.Parallel()
	docs := newTestDocs(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileIndexer(docs, log.Discard(), nil).Index(ctx, IndexRequest{Dir: root, Namespace: "index-x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLanguageIndexerSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newTestDocs(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "a", "b.go": "b", "c.py": "c", "LICENSE": "x"})

	res, err := NewLanguageIndexer(docs, DefaultExcludes).Index(ctx, IndexRequest{Dir: root, Namespace: "index-l", Revision: "r"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalFiles)

	doc, err := docs.Get(ctx, "index-l", LanguageSummaryID)
	require.NoError(t, err)
	var summary struct {
		Languages map[string]int `json:"languages"`
		Files     int            `json:"files"`
	}
	require.NoError(t, json.Unmarshal(doc.Body, &summary))
	assert.Equal(t, map[string]int{"go": 2, "python": 1}, summary.Languages)
	assert.Equal(t, 4, summary.Files)
}

func TestResolveIndexers(t *testing.T) {
	t.Parallel()

	got, err := ResolveIndexers(Registry(), []string{"languages", "file"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "languages", got[0].Name)

	_, err = ResolveIndexers(Registry(), []string{"ctags"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known: file, languages")
}

package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/repoflow/internal/docstore"
)

// IndexRequest describes one indexing pass over a checked-out tree.
type IndexRequest struct {
	RepoURI   string
	Dir       string
	Revision  string
	Namespace string
	// Incremental lets an indexer skip content unchanged since its last pass.
	Incremental bool
}

// IndexResult summarizes an indexing pass.
type IndexResult struct {
	IndexedFiles int
	TotalFiles   int
}

// Indexer builds derived documents for a tree. Implementations must check
// ctx between files and return ctx.Err() once it is done.
type Indexer interface {
	Name() string
	Index(ctx context.Context, req IndexRequest, progress func(done, total int)) (IndexResult, error)
}

// IndexerFactory builds a fresh Indexer for one job.
type IndexerFactory func(docs docstore.Client, logger *slog.Logger) Indexer

// NamedFactory pairs a factory with its registry name.
type NamedFactory struct {
	Name    string
	Factory IndexerFactory
}

// Registry returns every built-in indexer factory keyed by name.
func Registry() map[string]IndexerFactory {
	return map[string]IndexerFactory{
		"file": func(docs docstore.Client, logger *slog.Logger) Indexer {
			return NewFileIndexer(docs, logger, DefaultExcludes)
		},
		"languages": func(docs docstore.Client, logger *slog.Logger) Indexer {
			return NewLanguageIndexer(docs, DefaultExcludes)
		},
	}
}

// ResolveIndexers looks names up in registry, keeping their order.
func ResolveIndexers(registry map[string]IndexerFactory, names []string) ([]NamedFactory, error) {
	out := make([]NamedFactory, 0, len(names))
	for _, name := range names {
		f, ok := registry[name]
		if !ok {
			known := make([]string, 0, len(registry))
			for k := range registry {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown indexer %q (known: %s)", name, strings.Join(known, ", "))
		}
		out = append(out, NamedFactory{Name: name, Factory: f})
	}
	return out, nil
}

// DefaultExcludes are skipped by the built-in indexers.
var DefaultExcludes = []string{".git/**", "**/node_modules/**"}

const fileDocPrefix = "file:"

// FileIndexer stores one document per regular file: path, size, blake3 digest
// and revision. Documents for files that disappeared are removed.
type FileIndexer struct {
	docs     docstore.Client
	logger   *slog.Logger
	excludes []string
}

func NewFileIndexer(docs docstore.Client, logger *slog.Logger, excludes []string) *FileIndexer {
	return &FileIndexer{docs: docs, logger: logger, excludes: excludes}
}

func (ix *FileIndexer) Name() string { return "file" }

type fileDoc struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Digest   string `json:"digest"`
	Revision string `json:"revision"`
	Language string `json:"language,omitempty"`
}

func (ix *FileIndexer) Index(ctx context.Context, req IndexRequest, progress func(done, total int)) (IndexResult, error) {
	files, err := listFiles(ctx, req.Dir, ix.excludes)
	if err != nil {
		return IndexResult{}, err
	}

	existing, err := ix.existingDigests(ctx, req.Namespace)
	if err != nil {
		return IndexResult{}, err
	}

	res := IndexResult{TotalFiles: len(files)}
	seen := make(map[string]bool, len(files))
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id := fileDocPrefix + rel
		seen[id] = true

		digest, size, err := digestFile(filepath.Join(req.Dir, filepath.FromSlash(rel)))
		if err != nil {
			return res, fmt.Errorf("digest %s: %w", rel, err)
		}
		if req.Incremental && existing[id] == digest {
			if progress != nil {
				progress(i+1, len(files))
			}
			continue
		}

		body, err := json.Marshal(fileDoc{Path: rel, Size: size, Digest: digest, Revision: req.Revision, Language: languageOf(rel)})
		if err != nil {
			return res, fmt.Errorf("encode %s: %w", rel, err)
		}
		if err := ix.docs.Set(ctx, req.Namespace, id, body); err != nil {
			return res, err
		}
		res.IndexedFiles++
		if progress != nil {
			progress(i+1, len(files))
		}
	}

	for id := range existing {
		if seen[id] {
			continue
		}
		if err := ix.docs.Delete(ctx, req.Namespace, id); err != nil {
			return res, err
		}
	}
	ix.logger.Debug("file index pass finished", "repo_uri", req.RepoURI, "indexed", res.IndexedFiles, "total", res.TotalFiles)
	return res, nil
}

func (ix *FileIndexer) existingDigests(ctx context.Context, namespace string) (map[string]string, error) {
	docs, err := ix.docs.Search(ctx, doublestar.EscapeMeta(namespace), docstore.Filter{Field: "digest", Limit: math.MaxInt32})
	if err != nil {
		return nil, fmt.Errorf("load existing file documents: %w", err)
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		if !strings.HasPrefix(d.ID, fileDocPrefix) {
			continue
		}
		var fd fileDoc
		if err := json.Unmarshal(d.Body, &fd); err != nil {
			continue
		}
		out[d.ID] = fd.Digest
	}
	return out, nil
}

// LanguageIndexer stores a single summary document counting files per
// language.
type LanguageIndexer struct {
	docs     docstore.Client
	excludes []string
}

func NewLanguageIndexer(docs docstore.Client, excludes []string) *LanguageIndexer {
	return &LanguageIndexer{docs: docs, excludes: excludes}
}

func (ix *LanguageIndexer) Name() string { return "languages" }

// LanguageSummaryID is the document id of the language summary.
const LanguageSummaryID = "languages"

func (ix *LanguageIndexer) Index(ctx context.Context, req IndexRequest, progress func(done, total int)) (IndexResult, error) {
	files, err := listFiles(ctx, req.Dir, ix.excludes)
	if err != nil {
		return IndexResult{}, err
	}

	counts := map[string]int{}
	for i, rel := range files {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return IndexResult{}, err
			}
			if progress != nil {
				progress(i, len(files))
			}
		}
		if lang := languageOf(rel); lang != "" {
			counts[lang]++
		}
	}

	body, err := json.Marshal(map[string]any{
		"revision":  req.Revision,
		"languages": counts,
		"files":     len(files),
	})
	if err != nil {
		return IndexResult{}, err
	}
	if err := ix.docs.Set(ctx, req.Namespace, LanguageSummaryID, body); err != nil {
		return IndexResult{}, err
	}
	if progress != nil {
		progress(len(files), len(files))
	}
	return IndexResult{IndexedFiles: len(files), TotalFiles: len(files)}, nil
}

// listFiles returns slash-separated paths of regular files under root in
// lexical order, skipping anything matching excludes.
func listFiles(ctx context.Context, root string, excludes []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excluded(rel, excludes) || excluded(rel+"/", excludes) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || excluded(rel, excludes) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func digestFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".kt":   "kotlin",
	".rs":   "rust",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".sh":   "shell",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
}

func languageOf(rel string) string {
	return languageByExt[strings.ToLower(path.Ext(rel))]
}

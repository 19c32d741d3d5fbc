// Package status is the durable per-repository progress store. Every
// repository owns a namespace in the document store holding one document per
// stage; reads and writes go straight to the store with no caching.
package status

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/repoflow/internal/docstore"
)

const (
	// NamespacePrefix starts every repository status namespace.
	NamespacePrefix = "repository-"
	// IndexNamespacePrefix starts every namespace holding derived index documents.
	IndexNamespacePrefix = "index-"

	// DefaultMaxRepositories bounds ListAllRepositories. There is no cursor.
	DefaultMaxRepositories = 10000
)

// ErrNotFound is returned when a status record does not exist. It matches
// docstore.ErrNotFound as well.
var ErrNotFound = fmt.Errorf("status record %w", docstore.ErrNotFound)

// RepoHash is the stable short digest of a repository uri used in namespace
// and workspace names.
func RepoHash(uri string) string {
	sum := blake3.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:8])
}

// Namespace returns the status namespace of uri.
func Namespace(uri string) string { return NamespacePrefix + RepoHash(uri) }

// IndexNamespace returns the namespace that holds uri's index documents.
func IndexNamespace(uri string) string { return IndexNamespacePrefix + RepoHash(uri) }

// Store reads and writes status records through a docstore.Client.
type Store struct {
	docs            docstore.Client
	logger          *slog.Logger
	maxRepositories int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRepositories overrides the ListAllRepositories bound.
func WithMaxRepositories(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRepositories = n
		}
	}
}

func NewStore(docs docstore.Client, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{docs: docs, logger: logger, maxRepositories: DefaultMaxRepositories}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxRepositories reports the enumeration bound in effect.
func (s *Store) MaxRepositories() int { return s.maxRepositories }

// Get returns the record for (uri, stage).
func (s *Store) Get(ctx context.Context, uri string, stage Stage) (Record, error) {
	if uri == "" {
		return nil, fmt.Errorf("repository uri is empty")
	}
	doc, err := s.docs.Get(ctx, Namespace(uri), string(stage))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, uri, stage)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s status for %s: %w", stage, uri, err)
	}
	rec, err := decodeRecord(stage, doc.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s status for %s: %w", stage, uri, err)
	}
	return rec, nil
}

// Set replaces the record for (uri, rec.Stage()), creating it if absent.
func (s *Store) Set(ctx context.Context, uri string, rec Record) error {
	if uri == "" {
		return fmt.Errorf("repository uri is empty")
	}
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	body, err := encodeBody(rec.Stage(), rec)
	if err != nil {
		return err
	}
	if err := s.docs.Set(ctx, Namespace(uri), string(rec.Stage()), body); err != nil {
		return fmt.Errorf("set %s status for %s: %w", rec.Stage(), uri, err)
	}
	return nil
}

// Update merges patch into the existing record. A missing record yields
// ErrNotFound.
func (s *Store) Update(ctx context.Context, uri string, stage Stage, patch Patch) error {
	if uri == "" {
		return fmt.Errorf("repository uri is empty")
	}
	if patch == nil || !patch.appliesTo(stage) {
		return fmt.Errorf("patch %T does not apply to stage %s", patch, stage)
	}
	body, err := encodeBody(stage, patch)
	if err != nil {
		return err
	}
	err = s.docs.Update(ctx, Namespace(uri), string(stage), body)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, uri, stage)
	}
	if err != nil {
		return fmt.Errorf("update %s status for %s: %w", stage, uri, err)
	}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, uri string, stage Stage) error {
	if uri == "" {
		return fmt.Errorf("repository uri is empty")
	}
	if err := s.docs.Delete(ctx, Namespace(uri), string(stage)); err != nil {
		return fmt.Errorf("delete %s status for %s: %w", stage, uri, err)
	}
	return nil
}

// DeleteNamespace tears down every document left in uri's status namespace.
func (s *Store) DeleteNamespace(ctx context.Context, uri string) error {
	if uri == "" {
		return fmt.Errorf("repository uri is empty")
	}
	if _, err := s.docs.DeleteNamespace(ctx, Namespace(uri)); err != nil {
		return fmt.Errorf("delete status namespace for %s: %w", uri, err)
	}
	return nil
}

// ListAllRepositories returns the metadata record of every repository, up to
// MaxRepositories entries. Records that fail to decode are logged and skipped.
func (s *Store) ListAllRepositories(ctx context.Context) ([]Repository, error) {
	docs, err := s.docs.Search(ctx, NamespacePrefix+"*", docstore.Filter{
		Field: string(StageRepository),
		ID:    string(StageRepository),
		Limit: s.maxRepositories,
	})
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	out := make([]Repository, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		rec, err := decodeRecord(StageRepository, doc.Body)
		if err != nil {
			s.logger.Warn("skipping unreadable repository record", "namespace", doc.Namespace, "error", err)
			continue
		}
		repo := rec.(Repository)
		if repo.URI == "" {
			s.logger.Warn("skipping repository record without uri", "namespace", doc.Namespace)
			continue
		}
		if _, dup := seen[repo.URI]; dup {
			continue
		}
		seen[repo.URI] = struct{}{}
		out = append(out, repo)
	}
	return out, nil
}

func (s *Store) GetRepository(ctx context.Context, uri string) (Repository, error) {
	rec, err := s.Get(ctx, uri, StageRepository)
	if err != nil {
		return Repository{}, err
	}
	return as[Repository](rec)
}

func (s *Store) GetCloneStatus(ctx context.Context, uri string) (CloneProgress, error) {
	rec, err := s.Get(ctx, uri, StageGitClone)
	if err != nil {
		return CloneProgress{}, err
	}
	return as[CloneProgress](rec)
}

func (s *Store) GetIndexStatus(ctx context.Context, uri string) (IndexProgress, error) {
	rec, err := s.Get(ctx, uri, StageLspIndex)
	if err != nil {
		return IndexProgress{}, err
	}
	return as[IndexProgress](rec)
}

func (s *Store) GetDeleteStatus(ctx context.Context, uri string) (DeleteProgress, error) {
	rec, err := s.Get(ctx, uri, StageDelete)
	if err != nil {
		return DeleteProgress{}, err
	}
	return as[DeleteProgress](rec)
}

func as[T Record](rec Record) (T, error) {
	v, ok := rec.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("record for stage %s is %T, want %T", rec.Stage(), rec, zero)
	}
	return v, nil
}

func encodeBody(stage Stage, v any) (json.RawMessage, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s value: %w", stage, err)
	}
	body, err := json.Marshal(map[string]json.RawMessage{string(stage): inner})
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", stage, err)
	}
	return body, nil
}

func decodeRecord(stage Stage, body json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	raw, ok := fields[string(stage)]
	if !ok {
		return nil, fmt.Errorf("body has no %q field", stage)
	}

	switch stage {
	case StageRepository:
		var v Repository
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StageGitClone:
		var v CloneProgress
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StageLspIndex:
		var v IndexProgress
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StageDelete:
		var v DeleteProgress
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return UnknownRecord{StageName: stage, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

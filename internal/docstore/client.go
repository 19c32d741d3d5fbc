// Package docstore is the generic document store the orchestration core
// persists through: JSON documents addressed by (namespace, id), with
// whole-value set, partial merge update, idempotent delete and a bounded
// search across namespaces selected by glob.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// NotFoundError wraps ErrNotFound with the address that missed.
type NotFoundError struct {
	Namespace string
	ID        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s/%s not found", e.Namespace, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Document is one stored JSON object.
type Document struct {
	Namespace string
	ID        string
	Body      json.RawMessage
	UpdatedAt time.Time
}

// Filter narrows a Search.
type Filter struct {
	// Field, when set, keeps only documents whose body has this top-level key.
	// Malformed bodies are returned as stored.
	Field string
	// ID, when set, keeps only documents with this id.
	ID string
	// Limit caps the number of returned documents. Zero means DefaultSearchLimit.
	Limit int
}

// DefaultSearchLimit bounds searches that do not set Filter.Limit.
const DefaultSearchLimit = 10000

// Client is the contract the core consumes. Every call is one round trip to
// the backing store; implementations must not cache.
type Client interface {
	Get(ctx context.Context, namespace, id string) (Document, error)
	Set(ctx context.Context, namespace, id string, body json.RawMessage) error
	// Update deep-merges partial into the stored body. Missing documents
	// yield ErrNotFound; there is no implicit create.
	Update(ctx context.Context, namespace, id string, partial json.RawMessage) error
	// Delete is idempotent.
	Delete(ctx context.Context, namespace, id string) error
	DeleteNamespace(ctx context.Context, namespace string) (int, error)
	Search(ctx context.Context, namespaceGlob string, filter Filter) ([]Document, error)
	Namespaces(ctx context.Context, namespaceGlob string) ([]string, error)
}

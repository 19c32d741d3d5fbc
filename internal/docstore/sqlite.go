package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// SQLiteStore keeps documents in the documents table created by the storage
// migrations.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Client = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an already-migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, id string) (Document, error) {
	if err := checkAddress(namespace, id); err != nil {
		return Document{}, err
	}

	var (
		raw        string
		updatedAtS string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT body, updated_at FROM documents WHERE namespace = ? AND id = ?;",
		namespace, id,
	).Scan(&raw, &updatedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, &NotFoundError{Namespace: namespace, ID: id}
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document %s/%s: %w", namespace, id, err)
	}

	doc := Document{Namespace: namespace, ID: id, Body: json.RawMessage(raw)}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		doc.UpdatedAt = t
	}
	return doc, nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace, id string, body json.RawMessage) error {
	if err := checkAddress(namespace, id); err != nil {
		return err
	}
	if !json.Valid(body) {
		return fmt.Errorf("document %s/%s: body is not valid JSON", namespace, id)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents(namespace, id, body, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(namespace, id) DO UPDATE SET
  body = excluded.body,
  updated_at = excluded.updated_at;
`, namespace, id, string(body), s.stamp())
	if err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", namespace, id, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, namespace, id string, partial json.RawMessage) error {
	if err := checkAddress(namespace, id); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT body FROM documents WHERE namespace = ? AND id = ?;", namespace, id).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Namespace: namespace, ID: id}
	}
	if err != nil {
		return fmt.Errorf("read document %s/%s: %w", namespace, id, err)
	}

	merged, err := mergeJSON(json.RawMessage(curRaw), partial)
	if err != nil {
		return fmt.Errorf("document %s/%s: %w", namespace, id, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE documents SET body = ?, updated_at = ? WHERE namespace = ? AND id = ?;",
		string(merged), s.stamp(), namespace, id,
	); err != nil {
		return fmt.Errorf("update document %s/%s: %w", namespace, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, id string) error {
	if err := checkAddress(namespace, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE namespace = ? AND id = ?;", namespace, id); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", namespace, id, err)
	}
	return nil
}

// DeleteNamespace removes every document in namespace and reports how many went.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) (int, error) {
	if namespace == "" {
		return 0, fmt.Errorf("namespace is empty")
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE namespace = ?;", namespace)
	if err != nil {
		return 0, fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return int(n), nil
}

// Search scans documents whose namespace matches namespaceGlob (doublestar
// syntax) in (namespace, id) order and stops at the filter limit.
func (s *SQLiteStore) Search(ctx context.Context, namespaceGlob string, filter Filter) ([]Document, error) {
	if !doublestar.ValidatePattern(namespaceGlob) {
		return nil, fmt.Errorf("invalid namespace pattern %q", namespaceGlob)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	query := "SELECT namespace, id, body, updated_at FROM documents WHERE 1 = 1"
	var args []any
	if filter.ID != "" {
		query += " AND id = ?"
		args = append(args, filter.ID)
	}
	query += " ORDER BY namespace, id;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			doc        Document
			raw        string
			updatedAtS string
		)
		if err := rows.Scan(&doc.Namespace, &doc.ID, &raw, &updatedAtS); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		ok, err := doublestar.Match(namespaceGlob, doc.Namespace)
		if err != nil {
			return nil, fmt.Errorf("match namespace pattern %q: %w", namespaceGlob, err)
		}
		if !ok {
			continue
		}
		doc.Body = json.RawMessage(raw)
		if filter.Field != "" && !hasField(doc.Body, filter.Field) {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
			doc.UpdatedAt = t
		}
		out = append(out, doc)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// Namespaces lists distinct namespaces matching namespaceGlob.
func (s *SQLiteStore) Namespaces(ctx context.Context, namespaceGlob string) ([]string, error) {
	if !doublestar.ValidatePattern(namespaceGlob) {
		return nil, fmt.Errorf("invalid namespace pattern %q", namespaceGlob)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT namespace FROM documents ORDER BY namespace;")
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		ok, err := doublestar.Match(namespaceGlob, ns)
		if err != nil {
			return nil, fmt.Errorf("match namespace pattern %q: %w", namespaceGlob, err)
		}
		if ok {
			out = append(out, ns)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return out, nil
}

// hasField reports whether body has field at the top level. Bodies that do
// not decode as an object are kept for the caller's decoder to report.
func hasField(body json.RawMessage, field string) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return true
	}
	_, ok := top[field]
	return ok
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func checkAddress(namespace, id string) error {
	if namespace == "" {
		return fmt.Errorf("namespace is empty")
	}
	if id == "" {
		return fmt.Errorf("document id is empty")
	}
	return nil
}

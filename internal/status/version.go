package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/repoflow/internal/docstore"
)

// VersionDocID is the id of the layout version marker in each repository
// namespace.
const VersionDocID = "_version"

type versionDoc struct {
	Version int `json:"version"`
}

// Version returns the layout version recorded for uri, 0 when unmarked.
func (s *Store) Version(ctx context.Context, uri string) (int, error) {
	ns := Namespace(uri)
	doc, err := s.docs.Get(ctx, ns, VersionDocID)
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version of %s: %w", ns, err)
	}
	var v versionDoc
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return 0, fmt.Errorf("decode version of %s: %w", ns, err)
	}
	return v.Version, nil
}

// SetVersion records the layout version of uri.
func (s *Store) SetVersion(ctx context.Context, uri string, version int) error {
	ns := Namespace(uri)
	body, err := json.Marshal(versionDoc{Version: version})
	if err != nil {
		return err
	}
	if err := s.docs.Set(ctx, ns, VersionDocID, body); err != nil {
		return fmt.Errorf("write version of %s: %w", ns, err)
	}
	return nil
}

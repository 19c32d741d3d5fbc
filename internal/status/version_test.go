package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionMarker(t *testing.T) {
	s, _, db := newTestStoreDB(t)
	ctx := context.Background()

	v, err := s.Version(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, s.SetVersion(ctx, testURI, 3))
	v, err = s.Version(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = db.ExecContext(ctx, "UPDATE documents SET body = ? WHERE namespace = ? AND id = ?;",
		`{"version":`, Namespace(testURI), VersionDocID)
	require.NoError(t, err)
	_, err = s.Version(ctx, testURI)
	assert.Error(t, err)
}

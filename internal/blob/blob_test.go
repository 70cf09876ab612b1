package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	bucket, object, err := ParseURI("gs://intake/incoming/a.pdf")
	require.NoError(t, err)
	require.Equal(t, "intake", bucket)
	require.Equal(t, "incoming/a.pdf", object)

	for _, bad := range []string{"", "intake/a.pdf", "gs://", "gs://bucketonly", "gs://bucket/"} {
		_, _, err := ParseURI(bad)
		require.Error(t, err, "uri %q", bad)
	}

	require.Equal(t, "gs://b/o/p", URI("b", "o/p"))
}

func TestMemoryCopySkipsExistingDestination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("gs://a/src", []byte("new"))
	m.Put("gs://b/dst", []byte("old"))

	require.NoError(t, m.Copy(ctx, "gs://a/src", "gs://b/dst"))

	data, err := m.Download(ctx, "gs://b/dst")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), data, "existing destination is preserved")
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("gs://a/x", []byte("x"))

	require.NoError(t, m.Delete(ctx, "gs://a/x"))
	require.NoError(t, m.Delete(ctx, "gs://a/x"))

	ok, err := m.Exists(ctx, "gs://a/x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryUploadIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Upload(ctx, "gs://a/x", []byte("first"), "text/plain"))
	require.NoError(t, m.Upload(ctx, "gs://a/x", []byte("second"), "text/plain"))

	data, err := m.Download(ctx, "gs://a/x")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
}

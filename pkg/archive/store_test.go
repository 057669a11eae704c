package archive

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"kind":"session_summary"}`)
	digest, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))
	assert.Equal(t, Digest(data), digest)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, digest))
	ok, err = s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting twice is fine
	require.NoError(t, s.Delete(ctx, digest))
}

func TestFileStore_Idempotent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	a, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	matches, err := filepath.Glob(filepath.Join(s.Dir(), "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFileStore_NotFound(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "sha256:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectsBadDigest(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, d := range []string{"", "invalid", "sha256:abc", "sha256:" + strings.Repeat("z", 64), "md5:" + strings.Repeat("0", 64)} {
		_, err := s.Get(ctx, d)
		assert.Error(t, err, d)
		_, err = s.Exists(ctx, d)
		assert.Error(t, err, d)
		assert.Error(t, s.Delete(ctx, d), d)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "r")

	s, err := NewStore(ctx, Config{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fs.Dir())

	_, err = NewStore(ctx, Config{Type: "azure"})
	assert.ErrorContains(t, err, "unsupported archive type")

	_, err = NewStore(ctx, Config{Type: KindS3})
	assert.ErrorContains(t, err, "requires a bucket")
}

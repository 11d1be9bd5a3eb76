package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/board"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
var gifBytes = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\xff\xff\xff\x00\x00\x00")

func TestNameIsContentAddressed(t *testing.T) {
	first, err := Name(pngBytes, "image/png", 0)
	require.NoError(t, err)
	second, err := Name(pngBytes, "", 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasSuffix(first, ".png"))
	assert.True(t, ValidName(first))

	other, err := Name(gifBytes, "image/gif; charset=binary", 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, "image/gif", ContentTypeOf(other))
}

func TestNameRejectsUnsupportedOrMismatchedContent(t *testing.T) {
	_, err := Name([]byte("<html><script>alert(1)</script></html>"), "text/html", 0)
	assert.ErrorIs(t, err, board.ErrValidation)

	_, err = Name(gifBytes, "image/png", 0)
	assert.ErrorIs(t, err, board.ErrValidation)

	_, err = Name(nil, "image/png", 0)
	assert.ErrorIs(t, err, board.ErrValidation)

	_, err = Name(pngBytes, "image/png", 8)
	assert.ErrorIs(t, err, board.ErrValidation)
}

func TestValidNameRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "abc.png", strings.Repeat("z", 64) + ".png", strings.Repeat("a", 64) + ".exe"} {
		assert.False(t, ValidName(name), name)
	}
}

func TestFileStoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "blobs"), "http://localhost:8080/blobs", 0)
	require.NoError(t, err)
	ctx := context.Background()

	url, err := store.Put(ctx, pngBytes, "image/png")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:8080/blobs/"))
	again, err := store.Put(ctx, pngBytes, "image/png")
	require.NoError(t, err)
	assert.Equal(t, url, again)

	name := url[strings.LastIndex(url, "/")+1:]
	rc, contentType, err := store.Open(ctx, name)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, "image/png", contentType)

	entries, err := os.ReadDir(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, store.Delete(ctx, url))
	assert.ErrorIs(t, store.Delete(ctx, url), ErrNotFound)
	_, _, err = store.Open(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "http://elsewhere/../../secret"), ErrNotFound)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore("/blobs")
	ctx := context.Background()

	url, err := store.Put(ctx, gifBytes, "image/gif")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/blobs/"))
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.Delete(ctx, url))
	assert.Equal(t, 0, store.Len())
	assert.ErrorIs(t, store.Delete(ctx, url), ErrNotFound)
}

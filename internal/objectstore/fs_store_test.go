package objectstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore_Lifecycle(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := objectstore.NewFilesystem(root)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "job-1/final.wav", []byte("audio")))
	assert.FileExists(t, filepath.Join(root, "job-1", "final.wav"))

	data, err := store.Download(ctx, "job-1/final.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), data)

	require.NoError(t, store.Delete(ctx, "job-1/final.wav"))
	assert.NoDirExists(t, filepath.Join(root, "job-1"))

	_, err = store.Download(ctx, "job-1/final.wav")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestFilesystemStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../outside", "/etc/passwd"} {
		require.ErrorIs(t, store.Upload(context.Background(), key, []byte("x")), objectstore.ErrInvalidKey, key)
	}
}

package jobstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, root string) jobstore.Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"filesystem": func(t *testing.T, root string) jobstore.Store {
			t.Helper()

			store, err := jobstore.NewFilesystem(root)
			require.NoError(t, err)

			return store
		},
		"sqlite": func(t *testing.T, root string) jobstore.Store {
			t.Helper()

			store, err := jobstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"), root)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			return store
		},
	}
}

func sampleJob(id string) *core.Job {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	return &core.Job{
		ID:           id,
		Status:       core.StatusPending,
		TextLength:   5000,
		TextHash:     "abc",
		TotalChunks:  2,
		Voice:        "default",
		OutputFormat: "wav",
		Parameters:   core.Parameters{core.ParamTemperature: 0.8},
		CreatedAt:    now,
		UpdatedAt:    now,
		Tags:         []string{"book"},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			root := t.TempDir()
			store := factory(t, root)

			job := sampleJob("job-1")
			require.NoError(t, store.SaveJob(ctx, job))
			require.NoError(t, store.SaveInput(ctx, job.ID, "the input"))

			loaded, err := store.LoadJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, loaded.ID)
			assert.Equal(t, core.StatusPending, loaded.Status)
			assert.Equal(t, []string{"book"}, loaded.Tags)
			assert.True(t, job.CreatedAt.Equal(loaded.CreatedAt))

			input, err := store.LoadInput(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, "the input", input)

			_, err = store.LoadChunks(ctx, job.ID)
			require.ErrorIs(t, err, jobstore.ErrNoChunks)

			chunks := []core.Chunk{{Index: 0, Text: "a", CharacterCount: 1}, {Index: 1, Text: "b", CharacterCount: 1}}
			require.NoError(t, store.SaveChunks(ctx, job.ID, chunks))

			loadedChunks, err := store.LoadChunks(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, chunks, loadedChunks)

			assert.DirExists(t, store.Layout().ChunkDir(job.ID))

			ids, err := store.ListJobIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"job-1"}, ids)

			size, err := store.Size(ctx, job.ID)
			require.NoError(t, err)
			assert.Positive(t, size)
		})
	}
}

func TestStore_NotFoundAndDelete(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := factory(t, t.TempDir())

			_, err := store.LoadJob(ctx, "missing")
			require.ErrorIs(t, err, core.ErrNotFound)

			deleted, err := store.Delete(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, deleted)

			job := sampleJob("job-2")
			require.NoError(t, store.SaveJob(ctx, job))
			audio := store.Layout().ChunkAudioPath(job.ID, 0)
			require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o600))

			deleted, err = store.Delete(ctx, job.ID)
			require.NoError(t, err)
			assert.True(t, deleted)
			assert.NoDirExists(t, store.Layout().JobDir(job.ID))

			_, err = store.LoadJob(ctx, job.ID)
			require.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestStore_CleanupOrphans(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			root := t.TempDir()
			store := factory(t, root)

			require.NoError(t, store.SaveJob(ctx, sampleJob("kept")))
			require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o600))
			require.NoError(t, os.MkdirAll(filepath.Join(root, "ghost", "chunks"), 0o750))

			removed, err := store.CleanupOrphans(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
			assert.DirExists(t, store.Layout().JobDir("kept"))
			assert.NoFileExists(t, filepath.Join(root, "stray.txt"))
			assert.NoDirExists(t, filepath.Join(root, "ghost"))
		})
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()

	layout := jobstore.Layout{Root: "/jobs"}
	assert.Equal(t, filepath.Join("/jobs", "j", "chunks", "chunk_001.wav"), layout.ChunkAudioPath("j", 0))
	assert.Equal(t, "chunk_012.wav", jobstore.ChunkFileName(11))

	absolute, relative := layout.OutputPath("j", "mp3")
	assert.Equal(t, filepath.Join("/jobs", "j", "output", "final.mp3"), absolute)
	assert.Equal(t, filepath.Join("output", "final.mp3"), relative)
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	require.NoError(t, jobstore.ValidateID("0b7c6a1e-1"))

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		require.ErrorIs(t, jobstore.ValidateID(id), jobstore.ErrInvalidJobID, id)
	}
}

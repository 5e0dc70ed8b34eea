package jobs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CleanupOldJobsByAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	archivedOld := completeJob(t, f, 10)
	_, err := f.manager.Archive(ctx, archivedOld)
	require.NoError(t, err)

	unarchivedOld := completeJob(t, f, 10)

	failedOld := createJob(t, f)
	_, err = f.manager.Fail(ctx, failedOld, "boom")
	require.NoError(t, err)

	pendingOld := createJob(t, f)

	f.clock.Advance(10 * 24 * time.Hour)

	report, err := f.manager.CleanupOldJobs(ctx, jobs.RetentionPolicy{RetentionDays: 7})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{archivedOld, failedOld}, report.DeletedJobs)
	assert.Positive(t, report.FreedBytes)

	assert.True(t, f.manager.Exists(ctx, unarchivedOld))
	assert.True(t, f.manager.Exists(ctx, pendingOld))
	assert.False(t, f.manager.Exists(ctx, archivedOld))
}

func TestManager_CleanupShorterCutoffForFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	failed := createJob(t, f)
	_, err := f.manager.Cancel(ctx, failed)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)

	report, err := f.manager.CleanupOldJobs(ctx, jobs.RetentionPolicy{RetentionDays: 40})
	require.NoError(t, err)
	assert.Empty(t, report.DeletedJobs, "cutoff is max(7, 40/4) = 10 days")

	f.clock.Advance(3 * 24 * time.Hour)

	report, err = f.manager.CleanupOldJobs(ctx, jobs.RetentionPolicy{RetentionDays: 40})
	require.NoError(t, err)
	assert.Equal(t, []string{failed}, report.DeletedJobs)
}

func TestManager_CleanupEvictsOldestCompletedOverCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	oldest := completeJob(t, f, 4000)
	f.clock.Advance(time.Hour)
	middle := completeJob(t, f, 4000)
	f.clock.Advance(time.Hour)
	newest := completeJob(t, f, 4000)

	total := int64(0)
	for _, id := range []string{oldest, middle, newest} {
		size, err := f.store.Size(ctx, id)
		require.NoError(t, err)
		total += size
	}

	report, err := f.manager.CleanupOldJobs(ctx, jobs.RetentionPolicy{RetentionDays: 7, MaxStorageBytes: total - 1000})
	require.NoError(t, err)
	assert.Equal(t, []string{oldest}, report.DeletedJobs)
	assert.True(t, f.manager.Exists(ctx, middle))
	assert.True(t, f.manager.Exists(ctx, newest))
}

func TestManager_AutoArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	old := completeJob(t, f, 10)
	f.clock.Advance(31 * 24 * time.Hour)
	recent := completeJob(t, f, 10)

	archived, err := f.manager.AutoArchive(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, archived)

	job, err := f.manager.Get(ctx, recent)
	require.NoError(t, err)
	assert.False(t, job.IsArchived)
}

func TestManager_CleanupOrphanedFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	root := f.manager.Layout().Root

	kept := createJob(t, f)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "no-metadata"), 0o750))

	removed, err := f.manager.CleanupOrphanedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, f.manager.Exists(ctx, kept))
}

func TestManager_StorageStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	completeJob(t, f, 2000)
	createJob(t, f)

	stats, err := f.manager.StorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.JobCount)
	assert.Greater(t, stats.CompletedBytes, int64(2000))
	assert.Positive(t, stats.ActiveBytes)
	assert.Equal(t, stats.CompletedBytes+stats.ActiveBytes, stats.TotalBytes)
	assert.Equal(t, stats.TotalBytes/2, stats.AverageBytesPerJob)
	assert.Positive(t, stats.DiskTotalBytes)
}

func TestManager_ReconcileRequeuesInterruptedJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	processing := createJob(t, f)
	_, err := f.manager.BeginProcessing(ctx, processing)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	pending := createJob(t, f)

	f.clock.Advance(time.Minute)
	paused := createJob(t, f)
	_, err = f.manager.BeginProcessing(ctx, paused)
	require.NoError(t, err)
	_, err = f.manager.Pause(ctx, paused)
	require.NoError(t, err)

	queued, err := f.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{processing, pending}, queued)

	job, err := f.manager.Get(ctx, processing)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)
}

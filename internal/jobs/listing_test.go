package jobs_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeJob(t *testing.T, f *fixture, size int) string {
	t.Helper()

	ctx := context.Background()
	id := createJob(t, f)

	_, err := f.manager.BeginProcessing(ctx, id)
	require.NoError(t, err)

	output, _ := f.manager.Layout().OutputPath(id, "wav")
	require.NoError(t, os.WriteFile(output, make([]byte, size), 0o600))

	_, err = f.manager.Complete(ctx, id, core.ConcatResult{Path: output, DurationSeconds: float64(size), SizeBytes: int64(size)})
	require.NoError(t, err)

	return id
}

func TestManager_ListNewestFirstWithCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	first := createJob(t, f)
	f.clock.Advance(time.Minute)
	second := completeJob(t, f, 10)
	f.clock.Advance(time.Minute)
	third := createJob(t, f)

	result, err := f.manager.List(ctx, jobs.ListOptions{})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 3)
	assert.Equal(t, []string{third, second, first},
		[]string{result.Jobs[0].JobID, result.Jobs[1].JobID, result.Jobs[2].JobID})
	assert.Equal(t, 2, result.ActiveCount)
	assert.Equal(t, 1, result.CompletedCount)
	assert.LessOrEqual(t, len(result.Jobs[0].TextPreview), 103)

	pending := core.StatusPending
	filtered, err := f.manager.List(ctx, jobs.ListOptions{Status: &pending, Limit: 1, SessionID: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, 2, filtered.Total)
	require.Len(t, filtered.Jobs, 1)
	assert.Equal(t, third, filtered.Jobs[0].JobID)
}

func TestManager_ListHistoryFiltersSortsAndPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	small := completeJob(t, f, 10)
	f.clock.Advance(time.Hour)
	large := completeJob(t, f, 500)
	f.clock.Advance(time.Hour)
	failed := createJob(t, f)
	_, err := f.manager.Fail(ctx, failed, "boom")
	require.NoError(t, err)

	name := "Moby Dick"
	_, err = f.manager.UpdateMetadata(ctx, large, jobs.MetadataUpdate{DisplayName: &name})
	require.NoError(t, err)

	page, err := f.manager.ListHistory(ctx, jobs.HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, failed, page.Items[0].JobID)

	page, err = f.manager.ListHistory(ctx, jobs.HistoryQuery{
		Statuses: []core.Status{core.StatusCompleted},
		Sort:     jobs.SortSizeDesc,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, large, page.Items[0].JobID)
	assert.Equal(t, small, page.Items[1].JobID)

	page, err = f.manager.ListHistory(ctx, jobs.HistoryQuery{Search: "moby"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, large, page.Items[0].JobID)

	page, err = f.manager.ListHistory(ctx, jobs.HistoryQuery{Sort: jobs.SortCreatedAsc, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, large, page.Items[0].JobID)
	assert.True(t, page.HasMore)

	from := f.clock.now.Add(-90 * time.Minute)
	page, err = f.manager.ListHistory(ctx, jobs.HistoryQuery{From: &from})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	archived := true
	page, err = f.manager.ListHistory(ctx, jobs.HistoryQuery{Archived: &archived})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestParseSortKey(t *testing.T) {
	t.Parallel()

	key, err := jobs.ParseSortKey("")
	require.NoError(t, err)
	assert.Equal(t, jobs.SortCompletedDesc, key)

	key, err = jobs.ParseSortKey("name_asc")
	require.NoError(t, err)
	assert.Equal(t, jobs.SortNameAsc, key)

	_, err = jobs.ParseSortKey("random")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestManager_HistoryStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	completeJob(t, f, 100)
	completeJob(t, f, 300)
	failed := createJob(t, f)
	_, err := f.manager.Fail(ctx, failed, "boom")
	require.NoError(t, err)
	createJob(t, f)

	stats, err := f.manager.HistoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 2, stats.CompletedJobs)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.Equal(t, 1, stats.ActiveJobs)
	assert.InDelta(t, 50, stats.SuccessRatePercentage, 1e-9)
	assert.InDelta(t, 400, stats.TotalAudioDurationSeconds, 1e-9)
	assert.Equal(t, int64(400), stats.TotalStorageBytes)
	assert.Equal(t, "default", stats.MostUsedVoice)
	assert.Equal(t, map[string]int{"2026-05": 4}, stats.JobsByMonth)
}

package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeProgress(t *testing.T) {
	t.Parallel()

	started := time.Now()
	chunks := []core.Chunk{succeeded(0, 1000), succeeded(1, 3000), {Index: 2, StartedAt: &started}, {Index: 3}}
	job := &core.Job{Status: core.StatusProcessing, TotalChunks: 4, CompletedChunks: 2}

	progress := jobs.ComputeProgress(job, chunks)
	assert.InDelta(t, 50, progress.OverallProgress, 1e-9)
	require.NotNil(t, progress.CurrentChunk)
	assert.Equal(t, 2, *progress.CurrentChunk)
	require.NotNil(t, progress.EstimatedRemainingSeconds)
	assert.InDelta(t, 4, *progress.EstimatedRemainingSeconds, 1e-9)
}

func TestComputeProgress_EmptyAndClamped(t *testing.T) {
	t.Parallel()

	progress := jobs.ComputeProgress(&core.Job{Status: core.StatusPending}, nil)
	assert.Zero(t, progress.OverallProgress)
	assert.Nil(t, progress.CurrentChunk)
	assert.Nil(t, progress.EstimatedRemainingSeconds)

	progress = jobs.ComputeProgress(&core.Job{Status: core.StatusProcessing, TotalChunks: 2, CompletedChunks: 3}, nil)
	assert.InDelta(t, 100, progress.OverallProgress, 1e-9)
}

func TestManager_WatchEndsWithCompleted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newFixture(t)
	id := createJob(t, f)

	events := f.manager.Watch(ctx, id, 10*time.Millisecond, 5)

	first := <-events
	assert.Equal(t, jobs.EventProgress, first.Type)
	assert.Equal(t, core.StatusPending, first.Status)

	_, err := f.manager.BeginProcessing(ctx, id)
	require.NoError(t, err)
	output, _ := f.manager.Layout().OutputPath(id, "wav")
	_, err = f.manager.Complete(ctx, id, core.ConcatResult{Path: output})
	require.NoError(t, err)

	var last jobs.StreamEvent
	for event := range events {
		last = event
	}

	assert.Equal(t, jobs.EventCompleted, last.Type)
	assert.Equal(t, core.StatusCompleted, last.Status)
}

func TestManager_WatchUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	events := f.manager.Watch(context.Background(), "missing", 10*time.Millisecond, 5)

	event, ok := <-events
	require.True(t, ok)
	assert.Equal(t, jobs.EventError, event.Type)
	assert.Equal(t, core.ErrNotFound.Error(), event.Error)

	_, ok = <-events
	assert.False(t, ok)
}

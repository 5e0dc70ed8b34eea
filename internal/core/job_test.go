package core_test

import (
	"testing"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, status := range core.AllStatuses {
		parsed, err := core.ParseStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}

	_, err := core.ParseStatus("finished")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestStatusClasses(t *testing.T) {
	t.Parallel()

	terminal := map[core.Status]bool{core.StatusCompleted: true, core.StatusFailed: true, core.StatusCancelled: true}
	active := map[core.Status]bool{core.StatusPending: true, core.StatusChunking: true, core.StatusProcessing: true}

	for _, status := range core.AllStatuses {
		assert.Equal(t, terminal[status], status.IsTerminal(), status)
		assert.Equal(t, active[status], status.IsActive(), status)
	}

	assert.False(t, core.StatusPaused.IsTerminal())
	assert.False(t, core.StatusPaused.IsActive())
}

func TestParameters(t *testing.T) {
	t.Parallel()

	params := core.Parameters{
		core.ParamTemperature:  0.7,
		core.ParamExaggeration: 1,
		core.ParamOutputFormat: "mp3",
	}

	require.NotNil(t, params.Float(core.ParamTemperature))
	assert.InDelta(t, 0.7, *params.Float(core.ParamTemperature), 1e-9)
	require.NotNil(t, params.Float(core.ParamExaggeration))
	assert.InDelta(t, 1.0, *params.Float(core.ParamExaggeration), 1e-9)
	assert.Nil(t, params.Float(core.ParamOutputFormat))
	assert.Nil(t, params.Float(core.ParamCFGWeight))

	merged := params.Merge(core.Parameters{core.ParamTemperature: 1.5})
	assert.InDelta(t, 1.5, *merged.Float(core.ParamTemperature), 1e-9)
	assert.InDelta(t, 0.7, *params.Float(core.ParamTemperature), 1e-9, "merge must not modify the receiver")
}

func TestJobCompletionTimeFallsBackToCreation(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &core.Job{CreatedAt: created}
	assert.Equal(t, created, job.CompletionTime())

	completed := created.Add(time.Hour)
	job.ProcessingCompletedAt = &completed
	assert.Equal(t, completed, job.CompletionTime())
}

func TestChunkSucceeded(t *testing.T) {
	t.Parallel()

	assert.True(t, (&core.Chunk{AudioFile: "chunk_000.wav"}).Succeeded())
	assert.False(t, (&core.Chunk{AudioFile: "chunk_000.wav", Error: "boom"}).Succeeded())
	assert.False(t, (&core.Chunk{}).Succeeded())
}

package jobs

import (
	"math"

	"github.com/book-expert/longform-tts/internal/core"
)

const maxProgress = 100

// Progress is the derived completion state of a job.
type Progress struct {
	OverallProgress           float64  `json:"overallProgress"`
	CurrentChunk              *int     `json:"currentChunk,omitempty"`
	CompletedChunks           int      `json:"completedChunks"`
	TotalChunks               int      `json:"totalChunks"`
	EstimatedRemainingSeconds *float64 `json:"estimatedRemainingSeconds,omitempty"`
}

// ComputeProgress derives progress from a job and its chunk records.
// The remaining-time estimate is omitted until at least one chunk has a measured duration.
func ComputeProgress(job *core.Job, chunks []core.Chunk) Progress {
	progress := Progress{
		CompletedChunks: job.CompletedChunks,
		TotalChunks:     job.TotalChunks,
	}

	if job.TotalChunks > 0 {
		progress.OverallProgress = math.Min(maxProgress, maxProgress*float64(job.CompletedChunks)/float64(job.TotalChunks))
	}

	var (
		totalMs int64
		timed   int
	)

	for i := range chunks {
		chunk := &chunks[i]

		if progress.CurrentChunk == nil && chunk.StartedAt != nil && chunk.CompletedAt == nil {
			index := chunk.Index
			progress.CurrentChunk = &index
		}

		if chunk.Succeeded() && chunk.DurationMs != nil {
			totalMs += *chunk.DurationMs
			timed++
		}
	}

	remaining := job.TotalChunks - job.CompletedChunks
	if timed > 0 && remaining >= 0 && !job.Status.IsTerminal() {
		seconds := float64(totalMs) / float64(timed) * float64(remaining) / 1000
		progress.EstimatedRemainingSeconds = &seconds
	}

	return progress
}

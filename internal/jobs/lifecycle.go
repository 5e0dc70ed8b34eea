package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/book-expert/longform-tts/internal/core"
)

// Transition guards. A target status maps to the statuses it may be entered from.
var allowedFrom = map[core.Status][]core.Status{
	core.StatusChunking:   {core.StatusPending},
	core.StatusProcessing: {core.StatusPending, core.StatusChunking},
	core.StatusPaused:     {core.StatusProcessing},
	core.StatusPending:    {core.StatusPaused, core.StatusChunking, core.StatusProcessing},
	core.StatusCompleted:  {core.StatusProcessing, core.StatusChunking},
	core.StatusFailed:     {core.StatusPending, core.StatusChunking, core.StatusProcessing, core.StatusPaused},
	core.StatusCancelled:  {core.StatusPending, core.StatusChunking, core.StatusProcessing, core.StatusPaused},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to core.Status) bool {
	for _, candidate := range allowedFrom[to] {
		if candidate == from {
			return true
		}
	}

	return false
}

func checkTransition(job *core.Job, to core.Status) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: job %s cannot move from %s to %s", core.ErrConflict, job.ID, job.Status, to)
	}

	return nil
}

// Pause records that a Processing job is paused.
func (m *Manager) Pause(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		err := checkTransition(job, core.StatusPaused)
		if err != nil {
			return err
		}

		job.Status = core.StatusPaused
		job.ProcessingPausedAt = timePtr(m.now())

		return nil
	})
}

// Resume returns a Paused job to Pending. The caller re-enqueues it.
func (m *Manager) Resume(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		if job.Status != core.StatusPaused {
			return fmt.Errorf("%w: job %s is %s, only paused jobs can resume", core.ErrConflict, id, job.Status)
		}

		job.Status = core.StatusPending
		job.ProcessingPausedAt = nil

		return nil
	})
}

// Cancel moves a non-terminal job to Cancelled. Terminal jobs are refused.
func (m *Manager) Cancel(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		err := checkTransition(job, core.StatusCancelled)
		if err != nil {
			return err
		}

		job.Status = core.StatusCancelled
		job.CurrentChunkIndex = nil

		return nil
	})
}

// BeginChunking moves a Pending job to Chunking.
func (m *Manager) BeginChunking(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		err := checkTransition(job, core.StatusChunking)
		if err != nil {
			return err
		}

		job.Status = core.StatusChunking
		if job.ProcessingStartedAt == nil {
			job.ProcessingStartedAt = timePtr(m.now())
		}

		return nil
	})
}

// BeginProcessing moves a Pending or Chunking job to Processing.
func (m *Manager) BeginProcessing(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		err := checkTransition(job, core.StatusProcessing)
		if err != nil {
			return err
		}

		job.Status = core.StatusProcessing
		job.Error = ""

		if job.ProcessingStartedAt == nil {
			job.ProcessingStartedAt = timePtr(m.now())
		}

		return nil
	})
}

// SetChunks persists the authoritative chunk list and updates the counters.
func (m *Manager) SetChunks(ctx context.Context, id string, chunks []core.Chunk) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		err := m.store.SaveChunks(ctx, id, chunks)
		if err != nil {
			return fmt.Errorf("failed to save chunks of %s: %w", id, err)
		}

		applyChunkCounters(job, chunks)

		return nil
	})
}

// RecordChunk stores one chunk's state and refreshes the job counters.
// The current chunk index follows the chunk while it is in flight.
func (m *Manager) RecordChunk(ctx context.Context, id string, chunk core.Chunk) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		chunks, err := m.store.LoadChunks(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load chunks of %s: %w", id, err)
		}

		if chunk.Index < 0 || chunk.Index >= len(chunks) {
			return fmt.Errorf("%w: chunk index %d out of range for job %s", core.ErrValidation, chunk.Index, id)
		}

		chunks[chunk.Index] = chunk

		err = m.store.SaveChunks(ctx, id, chunks)
		if err != nil {
			return fmt.Errorf("failed to save chunks of %s: %w", id, err)
		}

		applyChunkCounters(job, chunks)

		if chunk.CompletedAt == nil {
			index := chunk.Index
			job.CurrentChunkIndex = &index
		}

		return nil
	})
}

func applyChunkCounters(job *core.Job, chunks []core.Chunk) {
	job.TotalChunks = len(chunks)
	job.CompletedChunks = 0
	job.FailedChunkIndices = []int{}

	for i := range chunks {
		if chunks[i].Succeeded() {
			job.CompletedChunks++
		} else if chunks[i].Error != "" {
			job.FailedChunkIndices = append(job.FailedChunkIndices, chunks[i].Index)
		}
	}

	sort.Ints(job.FailedChunkIndices)
}

// Fail moves a non-terminal job to Failed with a message.
func (m *Manager) Fail(ctx context.Context, id, message string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		err := checkTransition(job, core.StatusFailed)
		if err != nil {
			return err
		}

		now := m.now()
		job.Status = core.StatusFailed
		job.Error = message
		job.CurrentChunkIndex = nil
		job.ProcessingCompletedAt = timePtr(now)

		if job.ProcessingStartedAt != nil {
			job.TotalProcessingTimeMs = now.Sub(*job.ProcessingStartedAt).Milliseconds()
		}

		return nil
	})
}

// Complete records the final output, archives a copy of it and marks the job Completed.
func (m *Manager) Complete(ctx context.Context, id string, result core.ConcatResult) (*core.Job, error) {
	text, err := m.InputText(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := m.update(ctx, id, func(job *core.Job) error {
		err := checkTransition(job, core.StatusCompleted)
		if err != nil {
			return err
		}

		now := m.now()
		relative, relErr := filepath.Rel(m.store.Layout().JobDir(id), result.Path)
		if relErr != nil {
			relative = result.Path
		}

		job.Status = core.StatusCompleted
		job.Error = ""
		job.CurrentChunkIndex = nil
		job.ProcessingCompletedAt = timePtr(now)
		job.CompletionConfirmedAt = timePtr(now)
		job.OutputPath = relative
		job.OutputSizeBytes = result.SizeBytes
		job.OutputDurationSeconds = result.DurationSeconds

		if job.ProcessingStartedAt != nil {
			job.TotalProcessingTimeMs = now.Sub(*job.ProcessingStartedAt).Milliseconds()
		}

		if job.DisplayName == "" {
			job.DisplayName = defaultDisplayName(text)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	archiveErr := m.archiveOutput(ctx, job, result.Path)
	if archiveErr != nil {
		m.log.Error("Failed to archive output of job %s: %v", id, archiveErr)
	}

	return job, nil
}

func (m *Manager) archiveOutput(ctx context.Context, job *core.Job, path string) error {
	if m.archive == nil {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read output %s: %w", path, err)
	}

	return m.archive.Upload(ctx, HistoryKey(job.ID, job.OutputFormat), data)
}

// OutputFile returns the absolute path of a completed job's final audio.
func (m *Manager) OutputFile(ctx context.Context, id string) (*core.Job, string, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if job.Status != core.StatusCompleted {
		return job, "", fmt.Errorf("%w: job %s is %s, not completed", core.ErrConflict, id, job.Status)
	}

	path := job.OutputPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.store.Layout().JobDir(id), path)
	}

	return job, path, nil
}

// MetadataUpdate lists the user-editable fields. Nil fields are left unchanged.
type MetadataUpdate struct {
	DisplayName *string
	Tags        []string
	SetTags     bool
	IsArchived  *bool
}

// UpdateMetadata applies a metadata edit.
func (m *Manager) UpdateMetadata(ctx context.Context, id string, update MetadataUpdate) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		if update.DisplayName != nil {
			job.DisplayName = *update.DisplayName
		}

		if update.SetTags {
			job.Tags = append([]string{}, update.Tags...)
		}

		if update.IsArchived != nil {
			job.IsArchived = *update.IsArchived
		}

		job.LastAccessed = timePtr(m.now())

		return nil
	})
}

// Archive marks a job archived.
func (m *Manager) Archive(ctx context.Context, id string) (*core.Job, error) {
	archived := true

	return m.UpdateMetadata(ctx, id, MetadataUpdate{IsArchived: &archived})
}

// Unarchive clears the archived flag.
func (m *Manager) Unarchive(ctx context.Context, id string) (*core.Job, error) {
	archived := false

	return m.UpdateMetadata(ctx, id, MetadataUpdate{IsArchived: &archived})
}

// TrackAccess records that a job was viewed.
func (m *Manager) TrackAccess(ctx context.Context, id string) (*core.Job, error) {
	return m.UpdateMetadata(ctx, id, MetadataUpdate{})
}

// RetryOptions controls how a retry job is seeded.
type RetryOptions struct {
	PreserveChunks bool
	Parameters     core.Parameters
}

// Retry creates a new Pending job from a Failed or Cancelled one. With
// PreserveChunks, successful chunk audio is copied so only the rest is regenerated.
func (m *Manager) Retry(ctx context.Context, id string, opts RetryOptions) (*CreateResult, error) {
	source, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if source.Status != core.StatusFailed && source.Status != core.StatusCancelled {
		return nil, fmt.Errorf("%w: job %s is %s, only failed or cancelled jobs can be retried",
			core.ErrConflict, id, source.Status)
	}

	text, err := m.InputText(ctx, id)
	if err != nil {
		return nil, err
	}

	params := source.Parameters.Merge(opts.Parameters)

	format := source.OutputFormat
	if override, ok := params[core.ParamOutputFormat].(string); ok && override != "" {
		format = override
	}

	job := m.newJob(CreateRequest{
		Text:         text,
		Voice:        source.Voice,
		OutputFormat: format,
		Parameters:   params,
		SessionID:    source.SessionID,
		Tags:         source.Tags,
	})
	job.RetryCount = source.RetryCount + 1
	job.OriginalJobID = source.ID

	result, err := m.persistNew(ctx, job, text)
	if err != nil {
		return nil, err
	}

	if opts.PreserveChunks {
		copied, seedErr := m.seedChunks(ctx, source.ID, job.ID)
		if seedErr != nil {
			m.log.Warn("Retry %s of job %s starts without preserved chunks: %v", job.ID, source.ID, seedErr)
		} else {
			m.log.Info("Retry %s of job %s reuses %d chunks", job.ID, source.ID, copied)
		}
	}

	return result, nil
}

// seedChunks copies successful chunk audio and the chunk list from one job to another.
func (m *Manager) seedChunks(ctx context.Context, fromID, toID string) (int, error) {
	chunks, err := m.Chunks(ctx, fromID)
	if err != nil || chunks == nil {
		return 0, err
	}

	layout := m.store.Layout()
	seeded := make([]core.Chunk, len(chunks))
	copied := 0

	for i, chunk := range chunks {
		fresh := core.Chunk{
			Index:          chunk.Index,
			Text:           chunk.Text,
			TextPreview:    chunk.TextPreview,
			CharacterCount: chunk.CharacterCount,
		}

		if chunk.Succeeded() {
			copyErr := copyFile(layout.ChunkAudioPath(fromID, chunk.Index), layout.ChunkAudioPath(toID, chunk.Index))
			if copyErr == nil {
				fresh = chunk
				copied++
			} else {
				m.log.Warn("Could not copy chunk %d of job %s: %v", chunk.Index, fromID, copyErr)
			}
		}

		seeded[i] = fresh
	}

	_, err = m.SetChunks(ctx, toID, seeded)
	if err != nil {
		return 0, err
	}

	return copied, nil
}

// Delete cancels an active job and removes its working directory. It reports
// false when there was nothing to delete.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	job, err := m.Get(ctx, id)
	if err == nil && !job.Status.IsTerminal() {
		_, cancelErr := m.Cancel(ctx, id)
		if cancelErr != nil && !errors.Is(cancelErr, core.ErrConflict) {
			m.log.Warn("Failed to cancel job %s before deletion: %v", id, cancelErr)
		}
	}

	unlock := m.lock(id)
	deleted, err := m.store.Delete(ctx, id)
	unlock()
	m.locks.Delete(id)

	if err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	if deleted {
		m.log.Info("Deleted job %s", id)
	}

	return deleted, nil
}

// PurgeHistory deletes the archived copy of a job's final audio.
func (m *Manager) PurgeHistory(ctx context.Context, job *core.Job) error {
	if m.archive == nil {
		return nil
	}

	err := m.archive.Delete(ctx, HistoryKey(job.ID, job.OutputFormat))
	if err != nil {
		return fmt.Errorf("failed to purge history of %s: %w", job.ID, err)
	}

	return nil
}

// ChunkAudioExists reports whether the expected audio file of a chunk is on disk.
func (m *Manager) ChunkAudioExists(id string, index int) bool {
	info, err := os.Stat(m.store.Layout().ChunkAudioPath(id, index))

	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	mkdirErr := os.MkdirAll(filepath.Dir(dst), 0o750)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), mkdirErr)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to copy %s: %w", src, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", dst, closeErr)
	}

	return nil
}

// MarkCancelled records a cancellation observed by the pipeline. It is a no-op
// for jobs that already reached a terminal status.
func (m *Manager) MarkCancelled(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		if job.Status.IsTerminal() {
			return nil
		}

		job.Status = core.StatusCancelled
		job.CurrentChunkIndex = nil

		return nil
	})
}

// Requeue returns an interrupted Chunking or Processing job to Pending.
func (m *Manager) Requeue(ctx context.Context, id string) (*core.Job, error) {
	return m.update(ctx, id, func(job *core.Job) error {
		if job.Status != core.StatusChunking && job.Status != core.StatusProcessing {
			return fmt.Errorf("%w: job %s is %s, not interrupted", core.ErrConflict, id, job.Status)
		}

		job.Status = core.StatusPending
		job.CurrentChunkIndex = nil

		return nil
	})
}

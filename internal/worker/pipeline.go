package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/longform-tts/internal/audio"
	"github.com/book-expert/longform-tts/internal/chunker"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobstore"
	"github.com/cockroachdb/errors"
)

const chunkFilePermissions = 0o600

var (
	errNoChunksGenerated = errors.New("no chunks generated")
	errNotRunnable       = errors.New("job is not runnable")
)

// execute runs one job and records its outcome. Panics become job failures.
func (p *Processor) execute(ctx context.Context, id string) {
	record := context.WithoutCancel(ctx)

	defer func() {
		if recovered := recover(); recovered != nil {
			err := errors.Newf("pipeline panic: %v", recovered)
			p.log.Error("Job %s panicked: %+v", id, err)
			p.fail(record, id, err.Error())
		}
	}()

	err := p.process(ctx, id)

	switch {
	case err == nil:
	case errors.Is(err, errNotRunnable):
		p.log.Info("Skipping job %s: %v", id, err)
	case errors.Is(err, errPaused):
		p.log.Info("Job %s paused", id)
	case errors.Is(err, errCancelled):
		_, markErr := p.manager.MarkCancelled(record, id)
		if markErr != nil {
			p.log.Warn("Failed to record cancellation of job %s: %v", id, markErr)
		}

		p.log.Info("Job %s cancelled", id)
	case ctx.Err() != nil:
		p.log.Info("Job %s interrupted by shutdown, status left for recovery", id)
	default:
		p.log.Error("Job %s failed: %+v", id, err)
		p.fail(record, id, failureMessage(err))
	}
}

func (p *Processor) fail(ctx context.Context, id, message string) {
	_, err := p.manager.Fail(ctx, id, message)
	if err != nil && !errors.Is(err, core.ErrConflict) {
		p.log.Warn("Failed to record failure of job %s: %v", id, err)
	}
}

func failureMessage(err error) string {
	if errors.Is(err, errNoChunksGenerated) {
		return errNoChunksGenerated.Error()
	}

	return err.Error()
}

// process drives a job from Pending to Completed. Chunk records are persisted as
// they change so an interrupted job resumes where it stopped.
func (p *Processor) process(ctx context.Context, id string) error {
	record := context.WithoutCancel(ctx)

	job, err := p.manager.Get(record, id)
	if err != nil {
		return errors.Wrapf(err, "load job %s", id)
	}

	if job.Status != core.StatusPending {
		return errors.Wrapf(errNotRunnable, "status %s", job.Status)
	}

	chunks, err := p.prepareChunks(record, id)
	if err != nil {
		return err
	}

	_, err = p.manager.BeginProcessing(record, id)
	if err != nil {
		return errors.Wrapf(err, "start processing %s", id)
	}

	voice, err := p.voices.Resolve(job.Voice)
	if err != nil {
		return errors.Wrapf(err, "resolve voice %q", job.Voice)
	}

	for i := range chunks {
		err = p.checkInterrupted(ctx, id)
		if err != nil {
			return err
		}

		err = p.processChunk(ctx, job, voice, chunks[i])
		if err != nil {
			return err
		}
	}

	err = p.checkInterrupted(ctx, id)
	if err != nil {
		return err
	}

	return p.assemble(ctx, job)
}

// prepareChunks splits the input on the first run and reuses stored chunks after.
func (p *Processor) prepareChunks(ctx context.Context, id string) ([]core.Chunk, error) {
	chunks, err := p.manager.Chunks(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load chunks of %s", id)
	}

	if len(chunks) > 0 {
		return chunks, nil
	}

	_, err = p.manager.BeginChunking(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "start chunking %s", id)
	}

	text, err := p.manager.InputText(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load input of %s", id)
	}

	chunks, err = chunker.Split(text, p.opts.ChunkSize, p.opts.ChunkOverlap)
	if err != nil {
		return nil, errors.Wrapf(err, "split input of %s", id)
	}

	if len(chunks) == 0 {
		return nil, errNoChunksGenerated
	}

	_, err = p.manager.SetChunks(ctx, id, chunks)
	if err != nil {
		return nil, errors.Wrapf(err, "save chunks of %s", id)
	}

	p.log.Info("Job %s split into %d chunks", id, len(chunks))

	return chunks, nil
}

// checkInterrupted returns the interruption cause, from the context or from a
// status change made while the pipeline was running.
func (p *Processor) checkInterrupted(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	job, err := p.manager.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return errors.Wrapf(err, "reload job %s", id)
	}

	switch job.Status {
	case core.StatusPaused:
		return errPaused
	case core.StatusCancelled, core.StatusFailed, core.StatusCompleted:
		return errCancelled
	case core.StatusPending, core.StatusChunking, core.StatusProcessing:
	}

	return nil
}

// processChunk synthesizes one chunk unless its audio already exists. A synthesis
// failure is recorded on the chunk; only interruption aborts the job.
func (p *Processor) processChunk(ctx context.Context, job *core.Job, voice core.Voice, chunk core.Chunk) error {
	record := context.WithoutCancel(ctx)

	if chunk.Succeeded() && p.manager.ChunkAudioExists(job.ID, chunk.Index) {
		return nil
	}

	started := time.Now().UTC()
	chunk.StartedAt = &started
	chunk.CompletedAt = nil
	chunk.AudioFile = ""
	chunk.Error = ""
	chunk.DurationMs = nil
	chunk.AudioDurationMs = nil

	_, err := p.manager.RecordChunk(record, job.ID, chunk)
	if err != nil {
		return errors.Wrapf(err, "record start of chunk %d", chunk.Index)
	}

	data, synthErr := p.synth.Synthesize(ctx, p.request(job, voice, chunk.Text))
	if synthErr != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if synthErr == nil {
		synthErr = p.writeChunk(job.ID, chunk.Index, data)
	}

	completed := time.Now().UTC()
	chunk.CompletedAt = &completed

	elapsed := completed.Sub(started).Milliseconds()
	chunk.DurationMs = &elapsed

	if synthErr != nil {
		chunk.Error = synthErr.Error()
		p.log.Warn("Chunk %d of job %s failed: %v", chunk.Index, job.ID, synthErr)
	} else {
		chunk.AudioFile = jobstore.ChunkFileName(chunk.Index)

		duration, probeErr := audio.DurationOf(data)
		if probeErr == nil {
			audioMs := duration.Milliseconds()
			chunk.AudioDurationMs = &audioMs
		}
	}

	_, err = p.manager.RecordChunk(record, job.ID, chunk)
	if err != nil {
		return errors.Wrapf(err, "record chunk %d", chunk.Index)
	}

	return nil
}

func (p *Processor) writeChunk(id string, index int, data []byte) error {
	layout := p.manager.Layout()

	err := os.MkdirAll(layout.ChunkDir(id), 0o750)
	if err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}

	err = os.WriteFile(layout.ChunkAudioPath(id, index), data, chunkFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to write chunk audio: %w", err)
	}

	return nil
}

func (p *Processor) request(job *core.Job, voice core.Voice, text string) core.SynthesisRequest {
	return core.SynthesisRequest{
		Text:         text,
		VoicePath:    voice.Path,
		LanguageID:   voice.LanguageID,
		Exaggeration: paramOr(job.Parameters, core.ParamExaggeration, p.opts.Defaults.Exaggeration),
		CFGWeight:    paramOr(job.Parameters, core.ParamCFGWeight, p.opts.Defaults.CFGWeight),
		Temperature:  paramOr(job.Parameters, core.ParamTemperature, p.opts.Defaults.Temperature),
	}
}

func paramOr(params core.Parameters, key string, fallback float64) *float64 {
	if value := params.Float(key); value != nil {
		return value
	}

	return &fallback
}

// assemble concatenates the successful chunks in order and completes the job.
func (p *Processor) assemble(ctx context.Context, job *core.Job) error {
	record := context.WithoutCancel(ctx)
	layout := p.manager.Layout()

	chunks, err := p.manager.Chunks(record, job.ID)
	if err != nil {
		return errors.Wrapf(err, "reload chunks of %s", job.ID)
	}

	files := make([]string, 0, len(chunks))

	for i := range chunks {
		if chunks[i].Succeeded() {
			files = append(files, layout.ChunkAudioPath(job.ID, chunks[i].Index))
		}
	}

	if len(files) == 0 {
		return errNoChunksGenerated
	}

	if len(files) < len(chunks) {
		p.log.Warn("Job %s completes with %d of %d chunks", job.ID, len(files), len(chunks))
	}

	outputPath, _ := layout.OutputPath(job.ID, job.OutputFormat)

	result, err := p.concat.Concatenate(ctx, files, outputPath, job.OutputFormat, p.opts.SilencePaddingMs)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		return errors.Wrap(err, "concatenation failed")
	}

	completed, err := p.manager.Complete(record, job.ID, result)
	if err != nil {
		if errors.Is(err, core.ErrConflict) {
			return p.checkInterrupted(ctx, job.ID)
		}

		return errors.Wrapf(err, "complete job %s", job.ID)
	}

	p.log.Info("Job %s completed: %d/%d chunks, %.1fs of audio",
		job.ID, completed.CompletedChunks, completed.TotalChunks, result.DurationSeconds)

	return nil
}

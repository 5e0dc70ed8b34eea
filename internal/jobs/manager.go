// Package jobs owns job identity, the status state machine and every query over
// persisted jobs: listing, history, statistics, retention and progress.
//
// The Manager never interrupts running work itself. Interruption of an active
// pipeline belongs to the worker package; the Manager records intent and
// guards transitions.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/chunker"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobstore"
	"github.com/google/uuid"
)

const (
	listPreviewLength   = 100
	displayNamePrefix   = "Long Text: "
	displayNameLength   = 50
	historyKeyFormat    = "%s/final.%s"
	defaultOutputFormat = "wav"
)

// Options configures admission limits and defaults of a Manager.
type Options struct {
	MinLength     int
	MaxLength     int
	ChunkSize     int
	DefaultFormat string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Manager coordinates job state on top of a jobstore.Store.
type Manager struct {
	store     jobstore.Store
	archive   core.ObjectStore
	voices    core.VoiceResolver
	publisher core.Publisher
	log       *logger.Logger
	opts      Options

	locks sync.Map
}

// NewManager wires a Manager. A nil publisher discards events.
func NewManager(
	store jobstore.Store,
	archive core.ObjectStore,
	voices core.VoiceResolver,
	publisher core.Publisher,
	log *logger.Logger,
	opts Options,
) *Manager {
	if publisher == nil {
		publisher = core.NopPublisher{}
	}

	if opts.DefaultFormat == "" {
		opts.DefaultFormat = defaultOutputFormat
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:     store,
		archive:   archive,
		voices:    voices,
		publisher: publisher,
		log:       log,
		opts:      opts,
	}
}

// Layout exposes the working file layout of the underlying store.
func (m *Manager) Layout() jobstore.Layout {
	return m.store.Layout()
}

// HistoryKey names the archived copy of a job's final audio.
func HistoryKey(jobID, format string) string {
	return fmt.Sprintf(historyKeyFormat, jobID, format)
}

// CreateRequest describes a new long-text job.
type CreateRequest struct {
	Text         string
	Voice        string
	OutputFormat string
	Parameters   core.Parameters
	SessionID    string
	DisplayName  string
	Tags         []string
}

// CreateResult is returned by Create and Retry.
type CreateResult struct {
	JobID                    string      `json:"jobId"`
	Status                   core.Status `json:"status"`
	EstimatedChunks          int         `json:"estimatedChunks"`
	EstimatedDurationSeconds int         `json:"estimatedDurationSeconds"`
	TextLength               int         `json:"textLength"`
}

// Create validates the text, then persists a Pending job and its input.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	err := chunker.ValidateText(req.Text, m.opts.MinLength, m.opts.MaxLength)
	if err != nil {
		return nil, err
	}

	job := m.newJob(req)

	return m.persistNew(ctx, job, req.Text)
}

func (m *Manager) newJob(req CreateRequest) *core.Job {
	now := m.now()
	sum := sha256.Sum256([]byte(req.Text))
	length := utf8.RuneCountInString(req.Text)

	voice := req.Voice
	if voice == "" && m.voices != nil {
		voice = m.voices.DefaultName()
	}

	format := req.OutputFormat
	if format == "" {
		format = m.opts.DefaultFormat
	}

	params := core.Parameters{}.Merge(req.Parameters)
	params[core.ParamOutputFormat] = format

	tags := append([]string{}, req.Tags...)

	return &core.Job{
		ID:                 uuid.NewString(),
		Status:             core.StatusPending,
		TextLength:         length,
		TextHash:           hex.EncodeToString(sum[:]),
		TotalChunks:        chunker.EstimateChunks(length, m.opts.ChunkSize),
		FailedChunkIndices: []int{},
		Voice:              voice,
		OutputFormat:       format,
		Parameters:         params,
		SessionID:          req.SessionID,
		CreatedAt:          now,
		UpdatedAt:          now,
		DisplayName:        req.DisplayName,
		Tags:               tags,
	}
}

func (m *Manager) persistNew(ctx context.Context, job *core.Job, text string) (*CreateResult, error) {
	err := m.store.SaveJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	err = m.store.SaveInput(ctx, job.ID, text)
	if err != nil {
		_, _ = m.store.Delete(ctx, job.ID)

		return nil, fmt.Errorf("failed to save input of job %s: %w", job.ID, err)
	}

	m.log.Info("Created job %s (%d characters, ~%d chunks, voice %s)", job.ID, job.TextLength, job.TotalChunks, job.Voice)
	m.publish(ctx, job, "")

	return &CreateResult{
		JobID:                    job.ID,
		Status:                   job.Status,
		EstimatedChunks:          job.TotalChunks,
		EstimatedDurationSeconds: chunker.EstimateProcessingSeconds(job.TextLength, job.TotalChunks),
		TextLength:               job.TextLength,
	}, nil
}

// Exists reports whether a job with the id is stored.
func (m *Manager) Exists(ctx context.Context, id string) bool {
	_, err := m.store.LoadJob(ctx, id)

	return err == nil
}

// Get loads a job's metadata.
func (m *Manager) Get(ctx context.Context, id string) (*core.Job, error) {
	job, err := m.store.LoadJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	return job, nil
}

// Chunks loads a job's chunk records. It returns nil without error before chunking ran.
func (m *Manager) Chunks(ctx context.Context, id string) ([]core.Chunk, error) {
	chunks, err := m.store.LoadChunks(ctx, id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNoChunks) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to load chunks of %s: %w", id, err)
	}

	return chunks, nil
}

// InputText loads the raw input text of a job.
func (m *Manager) InputText(ctx context.Context, id string) (string, error) {
	text, err := m.store.LoadInput(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load input of %s: %w", id, err)
	}

	return text, nil
}

// StatusView is a job's metadata plus derived progress and allowed actions.
type StatusView struct {
	*core.Job

	Progress    Progress `json:"progress"`
	CanPause    bool     `json:"canPause"`
	CanResume   bool     `json:"canResume"`
	CanCancel   bool     `json:"canCancel"`
	DownloadURL string   `json:"downloadUrl,omitempty"`
}

// Status returns the job with computed progress.
func (m *Manager) Status(ctx context.Context, id string) (*StatusView, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks, err := m.Chunks(ctx, id)
	if err != nil {
		return nil, err
	}

	return &StatusView{
		Job:       job,
		Progress:  ComputeProgress(job, chunks),
		CanPause:  job.Status == core.StatusProcessing,
		CanResume: job.Status == core.StatusPaused,
		CanCancel: !job.Status.IsTerminal(),
	}, nil
}

// PerformanceMetrics summarises how fast a job ran.
type PerformanceMetrics struct {
	TotalProcessingTimeMs int64    `json:"totalProcessingTimeMs"`
	AverageChunkTimeMs    *float64 `json:"averageChunkTimeMs,omitempty"`
	CharactersPerSecond   *float64 `json:"charactersPerSecond,omitempty"`
	SuccessfulChunks      int      `json:"successfulChunks"`
	FailedChunks          int      `json:"failedChunks"`
}

// Details is the full view of one job.
type Details struct {
	Job       *core.Job          `json:"job"`
	Chunks    []core.Chunk       `json:"chunks"`
	InputText string             `json:"inputText"`
	Progress  Progress           `json:"progress"`
	Metrics   PerformanceMetrics `json:"performanceMetrics"`
}

// Details loads everything about a job and records the access.
func (m *Manager) Details(ctx context.Context, id string) (*Details, error) {
	job, err := m.TrackAccess(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks, err := m.Chunks(ctx, id)
	if err != nil {
		return nil, err
	}

	text, err := m.InputText(ctx, id)
	if err != nil {
		return nil, err
	}

	if chunks == nil {
		chunks = []core.Chunk{}
	}

	return &Details{
		Job:       job,
		Chunks:    chunks,
		InputText: text,
		Progress:  ComputeProgress(job, chunks),
		Metrics:   m.metrics(job, chunks),
	}, nil
}

func (m *Manager) metrics(job *core.Job, chunks []core.Chunk) PerformanceMetrics {
	metrics := PerformanceMetrics{TotalProcessingTimeMs: job.TotalProcessingTimeMs}

	if metrics.TotalProcessingTimeMs == 0 && job.ProcessingStartedAt != nil && !job.Status.IsTerminal() {
		metrics.TotalProcessingTimeMs = m.now().Sub(*job.ProcessingStartedAt).Milliseconds()
	}

	var (
		totalMs    int64
		timed      int
		characters int
	)

	for i := range chunks {
		chunk := &chunks[i]

		switch {
		case chunk.Succeeded():
			metrics.SuccessfulChunks++
			characters += chunk.CharacterCount
		case chunk.Error != "":
			metrics.FailedChunks++
		}

		if chunk.Succeeded() && chunk.DurationMs != nil {
			totalMs += *chunk.DurationMs
			timed++
		}
	}

	if timed > 0 {
		average := float64(totalMs) / float64(timed)
		metrics.AverageChunkTimeMs = &average
	}

	if metrics.TotalProcessingTimeMs > 0 && characters > 0 {
		rate := float64(characters) / (float64(metrics.TotalProcessingTimeMs) / 1000)
		metrics.CharactersPerSecond = &rate
	}

	return metrics
}

// lock serialises read-modify-write of one job's records.
func (m *Manager) lock(id string) func() {
	value, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mutex, _ := value.(*sync.Mutex)
	mutex.Lock()

	return mutex.Unlock
}

// update applies fn to the stored job under the job lock and persists the result.
func (m *Manager) update(ctx context.Context, id string, fn func(job *core.Job) error) (*core.Job, error) {
	unlock := m.lock(id)

	job, err := m.Get(ctx, id)
	if err != nil {
		unlock()

		return nil, err
	}

	previous := job.Status

	err = fn(job)
	if err != nil {
		unlock()

		return nil, err
	}

	job.UpdatedAt = m.now()

	err = m.store.SaveJob(ctx, job)

	unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to save job %s: %w", id, err)
	}

	if job.Status != previous {
		m.log.Info("Job %s: %s -> %s", id, previous, job.Status)
		m.publish(ctx, job, previous)
	}

	return job, nil
}

func (m *Manager) publish(ctx context.Context, job *core.Job, previous core.Status) {
	err := m.publisher.Publish(ctx, core.JobEvent{
		JobID:           job.ID,
		Status:          job.Status,
		PreviousStatus:  previous,
		CompletedChunks: job.CompletedChunks,
		TotalChunks:     job.TotalChunks,
		Error:           job.Error,
		OccurredAt:      job.UpdatedAt,
	})
	if err != nil {
		m.log.Warn("Failed to publish status of job %s: %v", job.ID, err)
	}
}

func (m *Manager) now() time.Time {
	return m.opts.Now().UTC()
}

func defaultDisplayName(text string) string {
	return displayNamePrefix + chunker.Preview(strings.TrimSpace(text), displayNameLength)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

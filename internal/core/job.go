package core

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusPending    Status = "pending"
	StatusChunking   Status = "chunking"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusChunking, StatusProcessing, StatusPaused,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// ParseStatus converts a string into a Status.
func ParseStatus(value string) (Status, error) {
	for _, status := range AllStatuses {
		if string(status) == value {
			return status, nil
		}
	}

	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, value)
}

// IsTerminal reports whether no further processing happens in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the job is queued or being worked on.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusChunking || s == StatusProcessing
}

// Parameter keys forwarded to the synthesis engine.
const (
	ParamExaggeration = "exaggeration"
	ParamCFGWeight    = "cfg_weight"
	ParamTemperature  = "temperature"
	ParamOutputFormat = "output_format"
)

// Parameters is an opaque key/value map forwarded to the synthesis engine.
type Parameters map[string]any

// Float returns the numeric value under key, if any.
func (p Parameters) Float(key string) *float64 {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil
	}

	var value float64

	switch typed := raw.(type) {
	case float64:
		value = typed
	case float32:
		value = float64(typed)
	case int:
		value = float64(typed)
	case int64:
		value = float64(typed)
	default:
		return nil
	}

	return &value
}

// Merge returns a copy of p overlaid with override.
func (p Parameters) Merge(override Parameters) Parameters {
	merged := make(Parameters, len(p)+len(override))
	for key, value := range p {
		merged[key] = value
	}

	for key, value := range override {
		merged[key] = value
	}

	return merged
}

// Job is the persisted state of one long-text conversion request.
type Job struct {
	ID                 string     `json:"jobId"`
	Status             Status     `json:"status"`
	TextLength         int        `json:"textLength"`
	TextHash           string     `json:"textHash"`
	TotalChunks        int        `json:"totalChunks"`
	CompletedChunks    int        `json:"completedChunks"`
	FailedChunkIndices []int      `json:"failedChunkIndices"`
	CurrentChunkIndex  *int       `json:"currentChunkIndex,omitempty"`
	Voice              string     `json:"voice"`
	OutputFormat       string     `json:"outputFormat"`
	Parameters         Parameters `json:"parameters"`
	SessionID          string     `json:"sessionId,omitempty"`

	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	ProcessingStartedAt   *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingPausedAt    *time.Time `json:"processingPausedAt,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processingCompletedAt,omitempty"`
	CompletionConfirmedAt *time.Time `json:"completionConfirmedAt,omitempty"`

	OutputPath            string  `json:"outputPath,omitempty"`
	OutputSizeBytes       int64   `json:"outputSizeBytes,omitempty"`
	OutputDurationSeconds float64 `json:"outputDurationSeconds,omitempty"`
	TotalProcessingTimeMs int64   `json:"totalProcessingTimeMs,omitempty"`

	RetryCount    int        `json:"retryCount"`
	OriginalJobID string     `json:"originalJobId,omitempty"`
	IsArchived    bool       `json:"isArchived"`
	LastAccessed  *time.Time `json:"lastAccessed,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	Tags          []string   `json:"tags"`

	Error string `json:"errorMessage,omitempty"`
}

// CompletionTime returns the completion timestamp, falling back to creation time.
func (j *Job) CompletionTime() time.Time {
	if j.ProcessingCompletedAt != nil {
		return *j.ProcessingCompletedAt
	}

	return j.CreatedAt
}

// Chunk is one text segment of a job.
type Chunk struct {
	Index           int        `json:"index"`
	Text            string     `json:"text"`
	TextPreview     string     `json:"textPreview"`
	CharacterCount  int        `json:"characterCount"`
	AudioFile       string     `json:"audioFile,omitempty"`
	DurationMs      *int64     `json:"durationMs,omitempty"`
	AudioDurationMs *int64     `json:"audioDurationMs,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Succeeded reports whether the chunk carries synthesized audio and no error.
func (c *Chunk) Succeeded() bool {
	return c.AudioFile != "" && c.Error == ""
}

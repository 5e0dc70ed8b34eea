// Package core defines the domain types and collaborator interfaces of the long-text service.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
// The history archive is built on it.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// SynthesisRequest carries one chunk of text and the voice parameters for the engine.
type SynthesisRequest struct {
	Text         string
	VoicePath    string
	LanguageID   string
	Exaggeration *float64
	CFGWeight    *float64
	Temperature  *float64
}

// Synthesizer turns a text segment into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// ConcatResult describes the merged output file.
type ConcatResult struct {
	Path            string
	DurationSeconds float64
	SizeBytes       int64
}

// Concatenator merges ordered chunk files into one output file.
type Concatenator interface {
	Concatenate(ctx context.Context, files []string, outputPath, format string, silencePaddingMs int) (ConcatResult, error)
}

// Voice is the resolved synthesis reference for a voice name.
type Voice struct {
	Name       string
	Path       string
	LanguageID string
}

// VoiceResolver maps a voice name to a synthesis reference. An empty name selects the default voice.
type VoiceResolver interface {
	Resolve(name string) (Voice, error)
	DefaultName() string
}

// JobEvent is emitted on every job status transition.
type JobEvent struct {
	JobID           string    `json:"jobId"`
	Status          Status    `json:"status"`
	PreviousStatus  Status    `json:"previousStatus,omitempty"`
	CompletedChunks int       `json:"completedChunks"`
	TotalChunks     int       `json:"totalChunks"`
	Error           string    `json:"error,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Publisher delivers job events to interested parties. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event JobEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, JobEvent) error { return nil }

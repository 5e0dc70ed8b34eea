package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
)

// Stream event types.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventError     = "error"
)

// StreamEvent is one message of a progress stream.
type StreamEvent struct {
	Type     string      `json:"type"`
	JobID    string      `json:"jobId"`
	Status   core.Status `json:"status,omitempty"`
	Progress *Progress   `json:"progress,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Watch polls a job at the given interval and emits an event whenever its status
// changes or its progress advances by at least stepPercent. The channel closes
// after a completed or error event, or when ctx ends.
func (m *Manager) Watch(ctx context.Context, id string, interval time.Duration, stepPercent float64) <-chan StreamEvent {
	events := make(chan StreamEvent, 1)

	go func() {
		defer close(events)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var (
			lastStatus   core.Status
			lastProgress = -1.0
		)

		for {
			event, final, changed := m.poll(ctx, id, lastStatus, lastProgress, stepPercent)
			if changed || final {
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}

				lastStatus = event.Status
				if event.Progress != nil {
					lastProgress = event.Progress.OverallProgress
				}
			}

			if final {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return events
}

func (m *Manager) poll(
	ctx context.Context,
	id string,
	lastStatus core.Status,
	lastProgress, stepPercent float64,
) (StreamEvent, bool, bool) {
	view, err := m.Status(ctx, id)
	if err != nil {
		message := err.Error()
		if errors.Is(err, core.ErrNotFound) {
			message = core.ErrNotFound.Error()
		}

		return StreamEvent{Type: EventError, JobID: id, Error: message}, true, true
	}

	progress := view.Progress
	event := StreamEvent{Type: EventProgress, JobID: id, Status: view.Status, Progress: &progress}

	switch view.Status {
	case core.StatusCompleted:
		event.Type = EventCompleted

		return event, true, true
	case core.StatusFailed, core.StatusCancelled:
		event.Type = EventError
		event.Error = view.Error

		if event.Error == "" {
			event.Error = "job " + string(view.Status)
		}

		return event, true, true
	case core.StatusPending, core.StatusChunking, core.StatusProcessing, core.StatusPaused:
	}

	changed := view.Status != lastStatus || progress.OverallProgress-lastProgress >= stepPercent

	return event, false, changed
}

// Package notify publishes job lifecycle events over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// StatusEvent is the wire form of a job transition.
type StatusEvent struct {
	Header events.EventHeader `json:"header"`
	core.JobEvent
}

// NatsPublisher publishes each event on "<prefix>.<status>".
type NatsPublisher struct {
	natsConnection *nats.Conn
	subjectPrefix  string
}

// NewNatsPublisher creates a publisher over an open connection.
func NewNatsPublisher(natsConnection *nats.Conn, subjectPrefix string) *NatsPublisher {
	return &NatsPublisher{natsConnection: natsConnection, subjectPrefix: subjectPrefix}
}

// Subject returns the subject events with the given status are published on.
func (p *NatsPublisher) Subject(status core.Status) string {
	return p.subjectPrefix + "." + string(status)
}

// Publish implements core.Publisher.
func (p *NatsPublisher) Publish(_ context.Context, event core.JobEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	payload := StatusEvent{
		Header: events.EventHeader{
			Timestamp:  occurred,
			WorkflowID: event.JobID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		JobEvent: event,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	subject := p.Subject(event.Status)

	err = p.natsConnection.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish status event on %s: %w", subject, err)
	}

	return nil
}

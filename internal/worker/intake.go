package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 30 * time.Second

var (
	// ErrTextMissing indicates a submission carrying neither text nor a text key.
	ErrTextMissing = errors.New("submission needs text or textKey")
	// ErrTextStoreMissing indicates a textKey submission to an intake without a text store.
	ErrTextStoreMissing = errors.New("no text store configured for textKey submissions")
)

// JobCreator creates and enqueues a job.
type JobCreator interface {
	CreateJob(ctx context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error)
}

// SubmitRequest is the payload accepted on the intake subject. The text is
// either inline or stored under TextKey in the text store.
type SubmitRequest struct {
	Header       events.EventHeader `json:"header"`
	Text         string             `json:"text,omitempty"`
	TextKey      string             `json:"textKey,omitempty"`
	Voice        string             `json:"voice,omitempty"`
	OutputFormat string             `json:"outputFormat,omitempty"`
	Parameters   core.Parameters    `json:"parameters,omitempty"`
	DisplayName  string             `json:"displayName,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
}

// SubmitReply answers a SubmitRequest.
type SubmitReply struct {
	Header          events.EventHeader `json:"header"`
	JobID           string             `json:"jobId,omitempty"`
	Status          core.Status        `json:"status,omitempty"`
	EstimatedChunks int                `json:"estimatedChunks,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// NatsIntake accepts job submissions over NATS request/reply.
type NatsIntake struct {
	natsConnection *nats.Conn
	subject        string
	texts          core.ObjectStore
	creator        JobCreator
	log            *logger.Logger
}

// NewNatsIntake creates an intake. texts may be nil, in which case only inline text is accepted.
func NewNatsIntake(
	natsConnection *nats.Conn,
	subject string,
	texts core.ObjectStore,
	creator JobCreator,
	log *logger.Logger,
) *NatsIntake {
	return &NatsIntake{
		natsConnection: natsConnection,
		subject:        subject,
		texts:          texts,
		creator:        creator,
		log:            log,
	}
}

// Run subscribes and serves submissions until ctx ends.
func (w *NatsIntake) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Accepting job submissions on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsIntake) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var req SubmitRequest

	reply := SubmitReply{}

	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		w.log.Error("Failed to parse submission: %v", err)
		reply.Error = "invalid submission: " + err.Error()
		w.respond(msg, reply)

		return
	}

	reply.Header = req.Header

	result, err := w.submit(ctx, req)
	if err != nil {
		w.log.Error("Failed to submit job for workflow %s: %v", req.Header.WorkflowID, err)
		reply.Error = err.Error()
	} else {
		reply.JobID = result.JobID
		reply.Status = result.Status
		reply.EstimatedChunks = result.EstimatedChunks
	}

	w.respond(msg, reply)
}

func (w *NatsIntake) submit(ctx context.Context, req SubmitRequest) (*jobs.CreateResult, error) {
	text := req.Text

	if text == "" && req.TextKey != "" {
		if w.texts == nil {
			return nil, ErrTextStoreMissing
		}

		data, err := w.texts.Download(ctx, req.TextKey)
		if err != nil {
			return nil, fmt.Errorf("failed to download text data for key '%s': %w", req.TextKey, err)
		}

		text = string(data)
	}

	if text == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrTextMissing)
	}

	return w.creator.CreateJob(ctx, jobs.CreateRequest{
		Text:         text,
		Voice:        req.Voice,
		OutputFormat: req.OutputFormat,
		Parameters:   req.Parameters,
		DisplayName:  req.DisplayName,
		Tags:         req.Tags,
	})
}

func (w *NatsIntake) respond(msg *nats.Msg, reply SubmitReply) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal submission reply: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to publish submission reply: %v", err)
	}
}

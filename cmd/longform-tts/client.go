package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/longform-tts/internal/tts"
	"github.com/book-expert/longform-tts/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const (
	clientLogFileName     = "longform-tts-client.log"
	defaultSubmitTimeout  = 30 * time.Second
	defaultHealthTimeout  = 10 * time.Second
	msgServiceHealthy     = "Synthesis engine is healthy"
	msgJobSubmitted       = "Job %s is %s (%d chunks estimated)\n"
	errFailedToReadText   = "failed to read text file: %w"
	errFailedToSubmitText = "failed to submit text: %w"
)

var (
	errEitherTextOrFile  = errors.New("either --text or --file must be provided")
	errCannotSpecifyBoth = errors.New("cannot specify both --text and --file")
	errNATSNotConfigured = errors.New("submit needs nats.url and nats.submit_subject")
	errSubmitRejected    = errors.New("submission rejected")
)

// submitFlags holds the parsed submit flag values.
type submitFlags struct {
	text         string
	file         string
	voice        string
	outputFormat string
	displayName  string
	tags         []string
	timeout      time.Duration
}

// validateSubmitInput requires exactly one text source.
func validateSubmitInput(flags submitFlags) error {
	if flags.text == "" && flags.file == "" {
		return errEitherTextOrFile
	}

	if flags.text != "" && flags.file != "" {
		return errCannotSpecifyBoth
	}

	return nil
}

func (f submitFlags) readText() (string, error) {
	if f.text != "" {
		return f.text, nil
	}

	data, err := os.ReadFile(f.file)
	if err != nil {
		return "", fmt.Errorf(errFailedToReadText, err)
	}

	return string(data), nil
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var flags submitFlags

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a text to a running service over NATS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := validateSubmitInput(flags)
			if err != nil {
				return err
			}

			text, err := flags.readText()
			if err != nil {
				return err
			}

			sess, err := opts.open(clientLogFileName)
			if err != nil {
				return err
			}
			defer sess.close()

			if sess.cfg.NATS.URL == "" || sess.cfg.NATS.SubmitSubject == "" {
				return errNATSNotConfigured
			}

			natsConnection, err := nats.Connect(sess.cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS at %s: %w", sess.cfg.NATS.URL, err)
			}
			defer natsConnection.Close()

			request := worker.SubmitRequest{
				Header: events.EventHeader{
					Timestamp:  time.Now().UTC(),
					WorkflowID: uuid.NewString(),
					EventID:    uuid.NewString(),
					UserID:     "",
					TenantID:   "",
				},
				Text:         text,
				Voice:        flags.voice,
				OutputFormat: flags.outputFormat,
				DisplayName:  flags.displayName,
				Tags:         flags.tags,
			}

			reply, err := submit(cmd.Context(), natsConnection, sess.cfg.NATS.SubmitSubject, request, flags.timeout)
			if err != nil {
				sess.log.Error("Submission failed: %v", err)

				return fmt.Errorf(errFailedToSubmitText, err)
			}

			sess.log.Info("Submitted job %s", reply.JobID)
			fmt.Fprintf(cmd.OutOrStdout(), msgJobSubmitted, reply.JobID, reply.Status, reply.EstimatedChunks)

			return nil
		},
	}

	cmd.Flags().StringVar(&flags.text, "text", "", "text to convert to speech")
	cmd.Flags().StringVar(&flags.file, "file", "", "file containing the text to convert")
	cmd.Flags().StringVar(&flags.voice, "voice", "", "voice name (default: configured default voice)")
	cmd.Flags().StringVar(&flags.outputFormat, "format", "", "output format: wav, mp3, flac, ogg or m4a")
	cmd.Flags().StringVar(&flags.displayName, "name", "", "display name of the job")
	cmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "tag to attach, repeatable")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", defaultSubmitTimeout, "how long to wait for the reply")

	return cmd
}

func submit(
	ctx context.Context,
	natsConnection *nats.Conn,
	subject string,
	request worker.SubmitRequest,
	timeout time.Duration,
) (*worker.SubmitReply, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := natsConnection.RequestWithContext(requestCtx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("no reply on %s: %w", subject, err)
	}

	var reply worker.SubmitReply

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}

	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", errSubmitRejected, reply.Error)
	}

	return &reply, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the synthesis engine is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := opts.open(clientLogFileName)
			if err != nil {
				return err
			}
			defer sess.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := tts.NewHTTPClient(sess.cfg.Synthesis.URL, timeout)

			err = client.HealthCheck(ctx)
			if err != nil {
				sess.log.Error("Health check failed: %v", err)

				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), msgServiceHealthy)

			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultHealthTimeout, "health check timeout")

	return cmd
}

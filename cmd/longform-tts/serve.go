package main

import (
	"fmt"

	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background processor",
		Long: `Start the HTTP API, the background job processor and, when NATS is
configured, the job intake and lifecycle notifications.

Jobs interrupted by a previous shutdown are requeued on start. The server
stops gracefully on Ctrl+C or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			return opts.withServices(ctx, "longform-tts.log", func(svc *app.Services) error {
				err := svc.Start(ctx)
				if err != nil {
					svc.Log.Error("Failed to start services: %v", err)

					return fmt.Errorf("failed to start services: %w", err)
				}

				svc.Log.System("longform-tts initialized. Listening on %s", svc.Config.Server.Listen)

				return server.New(svc, svc.Log).Run(ctx)
			})
		},
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/humanize"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/spf13/cobra"
)

type statsOutput struct {
	History *jobs.HistoryStats `json:"history"`
	Storage *jobs.StorageStats `json:"storage"`
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print history and storage statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			return opts.withServices(ctx, maintenanceLogFileName, func(svc *app.Services) error {
				history, err := svc.Manager.HistoryStats(ctx)
				if err != nil {
					return err
				}

				storage, err := svc.Manager.StorageStats(ctx)
				if err != nil {
					return err
				}

				out := statsOutput{History: history, Storage: storage}
				if asJSON {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")

					return encoder.Encode(out)
				}

				printStats(cmd.OutOrStdout(), out)

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")

	return cmd
}

func printStats(w io.Writer, out statsOutput) {
	history, storage := out.History, out.Storage

	fmt.Fprintf(w, "Jobs:       %d total, %d completed, %d failed, %d cancelled, %d active\n",
		history.TotalJobs, history.CompletedJobs, history.FailedJobs, history.CancelledJobs, history.ActiveJobs)
	fmt.Fprintf(w, "Success:    %.1f%%\n", history.SuccessRatePercentage)
	fmt.Fprintf(w, "Audio:      %s\n", humanize.FormatDuration(history.TotalAudioDurationSeconds))
	fmt.Fprintf(w, "Processing: %s on average\n", humanize.FormatDuration(history.AverageProcessingSeconds))
	fmt.Fprintf(w, "Storage:    %s across %d jobs\n", humanize.FormatFileSize(storage.TotalBytes), storage.JobCount)

	if storage.DiskTotalBytes > 0 {
		fmt.Fprintf(w, "Disk:       %s free of %s\n",
			humanize.FormatFileSize(int64(storage.DiskFreeBytes)), humanize.FormatFileSize(int64(storage.DiskTotalBytes)))
	}

	if history.MostUsedVoice != "" {
		fmt.Fprintf(w, "Top voice:  %s\n", history.MostUsedVoice)
	}
}

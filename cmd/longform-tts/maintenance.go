package main

import (
	"fmt"

	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/humanize"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/spf13/cobra"
)

const maintenanceLogFileName = "longform-tts-maintenance.log"

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy and remove orphaned job files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			return opts.withServices(ctx, maintenanceLogFileName, func(svc *app.Services) error {
				report, err := svc.Manager.CleanupOldJobs(ctx, jobs.RetentionPolicy{
					RetentionDays:   svc.Config.Retention.RetentionDays,
					MaxStorageBytes: svc.Config.Retention.MaxStorageBytes,
				})
				if err != nil {
					return fmt.Errorf("cleanup failed: %w", err)
				}

				orphans, err := svc.Manager.CleanupOrphanedFiles(ctx)
				if err != nil {
					return fmt.Errorf("orphan cleanup failed: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d jobs, freed %s, removed %d orphaned directories\n",
					len(report.DeletedJobs), humanize.FormatFileSize(report.FreedBytes), orphans)

				return nil
			})
		},
	}
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive completed jobs older than a number of days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			return opts.withServices(ctx, maintenanceLogFileName, func(svc *app.Services) error {
				days := olderThanDays
				if days <= 0 {
					days = svc.Config.Retention.AutoArchiveDays
				}

				archived, err := svc.Manager.AutoArchive(ctx, days)
				if err != nil {
					return fmt.Errorf("archive failed: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Archived %d jobs completed more than %d days ago\n", len(archived), days)

				return nil
			})
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than", 0, "age in days (default: retention.auto_archive_days)")

	return cmd
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
)

// deleteWaitTimeout bounds how long a delete waits for a running pipeline to stop.
const deleteWaitTimeout = 30 * time.Second

// Bulk limits and actions.
const (
	MaxBulkJobs = 100

	BulkDelete    = "delete"
	BulkArchive   = "archive"
	BulkUnarchive = "unarchive"
	BulkRetry     = "retry"
)

var (
	// ErrConfirmationRequired indicates a destructive request without explicit confirmation.
	ErrConfirmationRequired = fmt.Errorf("%w: confirmation required", core.ErrValidation)
	// ErrBulkSize indicates a bulk request with no ids or too many.
	ErrBulkSize = fmt.Errorf("%w: bulk requests take 1 to %d job ids", core.ErrValidation, MaxBulkJobs)
	// ErrUnknownAction indicates an unsupported bulk or cancel action.
	ErrUnknownAction = fmt.Errorf("%w: unknown action", core.ErrValidation)
)

// CreateJob validates and persists a job, then enqueues it.
func (s *Services) CreateJob(ctx context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error) {
	err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}

	result, err := s.Manager.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.submit(result.JobID)

	return result, nil
}

func (s *Services) submit(id string) {
	err := s.Processor.Submit(id)
	if err != nil {
		s.Log.Warn("Job %s stays pending until the next start: %v", id, err)
	}
}

// PauseJob records the pause and interrupts the running pipeline.
func (s *Services) PauseJob(ctx context.Context, id string) (*core.Job, error) {
	job, err := s.Manager.Pause(ctx, id)
	if err != nil {
		return nil, err
	}

	s.Processor.Pause(id)

	return job, nil
}

// ResumeJob returns a paused job to the queue.
func (s *Services) ResumeJob(ctx context.Context, id string) (*core.Job, error) {
	job, err := s.Manager.Resume(ctx, id)
	if err != nil {
		return nil, err
	}

	s.submit(id)

	return job, nil
}

// CancelJob records the cancellation and interrupts or dequeues the job.
func (s *Services) CancelJob(ctx context.Context, id string) (*core.Job, error) {
	job, err := s.Manager.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	s.Processor.Cancel(id)

	return job, nil
}

// DeleteJob stops any running pipeline of the job and removes its working area.
// The archived copy of its audio is kept. The wait outlives the caller's context
// so files are never removed under a running pipeline.
func (s *Services) DeleteJob(ctx context.Context, id string) error {
	if !s.Manager.Exists(ctx, id) {
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteWaitTimeout)
	defer cancel()

	err := s.Processor.CancelAndWait(waitCtx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrConflict, err)
	}

	_, err = s.Manager.Delete(ctx, id)

	return err
}

// RetryJob creates a retry job and enqueues it.
func (s *Services) RetryJob(ctx context.Context, id string, opts jobs.RetryOptions) (*jobs.CreateResult, error) {
	err := ValidateParameters(opts.Parameters)
	if err != nil {
		return nil, err
	}

	result, err := s.Manager.Retry(ctx, id, opts)
	if err != nil {
		return nil, err
	}

	s.submit(result.JobID)

	return result, nil
}

// BulkRequest applies one action to many jobs.
type BulkRequest struct {
	Action         string   `json:"action"`
	JobIDs         []string `json:"jobIds"`
	Confirm        bool     `json:"confirm"`
	PreserveChunks bool     `json:"preserveChunks"`
}

// BulkFailure names a job the action could not be applied to.
type BulkFailure struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// BulkResult reports per-job outcomes.
type BulkResult struct {
	Action     string        `json:"action"`
	Successful []string      `json:"successful"`
	Failed     []BulkFailure `json:"failed"`
}

// Bulk applies delete, archive, unarchive or retry to each id independently.
func (s *Services) Bulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if !req.Confirm {
		return nil, ErrConfirmationRequired
	}

	if len(req.JobIDs) == 0 || len(req.JobIDs) > MaxBulkJobs {
		return nil, ErrBulkSize
	}

	var apply func(id string) error

	switch req.Action {
	case BulkDelete:
		apply = func(id string) error { return s.DeleteJob(ctx, id) }
	case BulkArchive:
		apply = func(id string) error {
			_, err := s.Manager.Archive(ctx, id)

			return err
		}
	case BulkUnarchive:
		apply = func(id string) error {
			_, err := s.Manager.Unarchive(ctx, id)

			return err
		}
	case BulkRetry:
		apply = func(id string) error {
			_, err := s.RetryJob(ctx, id, jobs.RetryOptions{PreserveChunks: req.PreserveChunks})

			return err
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, req.Action)
	}

	result := &BulkResult{Action: req.Action, Successful: []string{}, Failed: []BulkFailure{}}

	for _, id := range req.JobIDs {
		err := apply(id)
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{JobID: id, Error: err.Error()})

			continue
		}

		result.Successful = append(result.Successful, id)
	}

	s.Log.Info("Bulk %s: %d succeeded, %d failed", req.Action, len(result.Successful), len(result.Failed))

	return result, nil
}

// ClearHistoryResult reports what ClearHistory removed.
type ClearHistoryResult struct {
	DeletedJobs int `json:"deletedJobs"`
}

// ClearHistory deletes every terminal job together with its archived audio.
func (s *Services) ClearHistory(ctx context.Context, confirm bool) (*ClearHistoryResult, error) {
	if !confirm {
		return nil, ErrConfirmationRequired
	}

	all, err := s.Manager.AllJobs(ctx)
	if err != nil {
		return nil, err
	}

	result := &ClearHistoryResult{}

	for _, job := range all {
		if !job.Status.IsTerminal() {
			continue
		}

		purgeErr := s.Manager.PurgeHistory(ctx, job)
		if purgeErr != nil && !errors.Is(purgeErr, core.ErrNotFound) {
			s.Log.Warn("Keeping archived audio of job %s: %v", job.ID, purgeErr)
		}

		deleted, deleteErr := s.Manager.Delete(ctx, job.ID)
		if deleteErr != nil {
			s.Log.Warn("Failed to clear job %s: %v", job.ID, deleteErr)

			continue
		}

		if deleted {
			result.DeletedJobs++
		}
	}

	s.Log.Info("Cleared %d jobs from history", result.DeletedJobs)

	return result, nil
}

// MaintenanceReport summarises one maintenance run.
type MaintenanceReport struct {
	Cleanup        *jobs.CleanupReport `json:"cleanup"`
	OrphansRemoved int                 `json:"orphansRemoved"`
	Archived       []string            `json:"archived"`
}

// RunMaintenance applies the retention policy, removes orphaned files and
// auto-archives old completed jobs.
func (s *Services) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	cleanup, err := s.Manager.CleanupOldJobs(ctx, jobs.RetentionPolicy{
		RetentionDays:   s.Config.Retention.RetentionDays,
		MaxStorageBytes: s.Config.Retention.MaxStorageBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("retention cleanup failed: %w", err)
	}

	orphans, err := s.Manager.CleanupOrphanedFiles(ctx)
	if err != nil {
		return nil, err
	}

	report := &MaintenanceReport{Cleanup: cleanup, OrphansRemoved: orphans, Archived: []string{}}

	if s.Config.Retention.AutoArchiveDays > 0 {
		report.Archived, err = s.Manager.AutoArchive(ctx, s.Config.Retention.AutoArchiveDays)
		if err != nil {
			return nil, fmt.Errorf("auto-archive failed: %w", err)
		}
	}

	return report, nil
}

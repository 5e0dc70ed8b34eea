package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	day                 = 24 * time.Hour
	minTerminalCutoff   = 7
	terminalCutoffRatio = 4
)

// RetentionPolicy parameterises CleanupOldJobs. A zero MaxStorageBytes disables the cap.
type RetentionPolicy struct {
	RetentionDays   int
	MaxStorageBytes int64
}

// CleanupReport lists what a cleanup pass removed.
type CleanupReport struct {
	DeletedJobs []string `json:"deletedJobs"`
	FreedBytes  int64    `json:"freedBytes"`
}

// CleanupOldJobs deletes archived completed jobs older than the retention period,
// failed or cancelled jobs older than a shorter cutoff, and then, when a storage cap
// is set, the oldest completed jobs until the total fits under it.
func (m *Manager) CleanupOldJobs(ctx context.Context, policy RetentionPolicy) (*CleanupReport, error) {
	jobs, err := m.AllJobs(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	retention := time.Duration(policy.RetentionDays) * day
	terminalCutoff := time.Duration(max(minTerminalCutoff, policy.RetentionDays/terminalCutoffRatio)) * day
	report := &CleanupReport{DeletedJobs: []string{}}
	sizes := make(map[string]int64, len(jobs))
	remaining := make([]*core.Job, 0, len(jobs))

	for _, job := range jobs {
		size, sizeErr := m.store.Size(ctx, job.ID)
		if sizeErr != nil {
			m.log.Warn("Could not measure job %s: %v", job.ID, sizeErr)
		}

		age := now.Sub(job.CompletionTime())
		expired := false

		switch job.Status {
		case core.StatusCompleted:
			expired = job.IsArchived && age > retention
		case core.StatusFailed, core.StatusCancelled:
			expired = age > terminalCutoff
		case core.StatusPending, core.StatusChunking, core.StatusProcessing, core.StatusPaused:
		}

		if expired {
			m.deleteForCleanup(ctx, job.ID, size, report)

			continue
		}

		sizes[job.ID] = size
		remaining = append(remaining, job)
	}

	if policy.MaxStorageBytes > 0 {
		m.evictForCap(ctx, remaining, sizes, policy.MaxStorageBytes, report)
	}

	if len(report.DeletedJobs) > 0 {
		m.log.Info("Cleanup removed %d jobs, freed %d bytes", len(report.DeletedJobs), report.FreedBytes)
	}

	return report, nil
}

func (m *Manager) evictForCap(
	ctx context.Context,
	jobs []*core.Job,
	sizes map[string]int64,
	capBytes int64,
	report *CleanupReport,
) {
	var total int64
	for _, size := range sizes {
		total += size
	}

	completed := make([]*core.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == core.StatusCompleted {
			completed = append(completed, job)
		}
	}

	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].CompletionTime().Before(completed[j].CompletionTime())
	})

	for _, job := range completed {
		if total <= capBytes {
			return
		}

		if m.deleteForCleanup(ctx, job.ID, sizes[job.ID], report) {
			total -= sizes[job.ID]
		}
	}
}

func (m *Manager) deleteForCleanup(ctx context.Context, id string, size int64, report *CleanupReport) bool {
	deleted, err := m.Delete(ctx, id)
	if err != nil {
		m.log.Warn("Cleanup could not delete job %s: %v", id, err)

		return false
	}

	if deleted {
		report.DeletedJobs = append(report.DeletedJobs, id)
		report.FreedBytes += size
	}

	return deleted
}

// CleanupOrphanedFiles removes stray entries under the jobs root.
func (m *Manager) CleanupOrphanedFiles(ctx context.Context) (int, error) {
	removed, err := m.store.CleanupOrphans(ctx)
	if err != nil {
		return removed, fmt.Errorf("failed to clean orphaned files: %w", err)
	}

	if removed > 0 {
		m.log.Info("Removed %d orphaned entries", removed)
	}

	return removed, nil
}

// AutoArchive archives completed jobs whose completion is older than the given number of days.
func (m *Manager) AutoArchive(ctx context.Context, olderThanDays int) ([]string, error) {
	jobs, err := m.AllJobs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-time.Duration(olderThanDays) * day)
	archived := []string{}

	for _, job := range jobs {
		if job.Status != core.StatusCompleted || job.IsArchived || !job.CompletionTime().Before(cutoff) {
			continue
		}

		_, archiveErr := m.Archive(ctx, job.ID)
		if archiveErr != nil {
			m.log.Warn("Could not archive job %s: %v", job.ID, archiveErr)

			continue
		}

		archived = append(archived, job.ID)
	}

	if len(archived) > 0 {
		m.log.Info("Auto-archived %d jobs older than %d days", len(archived), olderThanDays)
	}

	return archived, nil
}

// StorageStats describes the space used by job working areas.
type StorageStats struct {
	TotalBytes         int64   `json:"totalBytes"`
	JobCount           int     `json:"jobCount"`
	AverageBytesPerJob int64   `json:"averageBytesPerJob"`
	CompletedBytes     int64   `json:"completedBytes"`
	FailedBytes        int64   `json:"failedBytes"`
	ActiveBytes        int64   `json:"activeBytes"`
	DiskTotalBytes     uint64  `json:"diskTotalBytes,omitempty"`
	DiskFreeBytes      uint64  `json:"diskFreeBytes,omitempty"`
	DiskUsedPercent    float64 `json:"diskUsedPercent,omitempty"`
}

// StorageStats sums job sizes per status and reports the volume holding the jobs root.
func (m *Manager) StorageStats(ctx context.Context) (*StorageStats, error) {
	jobs, err := m.AllJobs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{JobCount: len(jobs)}

	for _, job := range jobs {
		size, sizeErr := m.store.Size(ctx, job.ID)
		if sizeErr != nil {
			m.log.Warn("Could not measure job %s: %v", job.ID, sizeErr)

			continue
		}

		stats.TotalBytes += size

		switch job.Status {
		case core.StatusCompleted:
			stats.CompletedBytes += size
		case core.StatusFailed, core.StatusCancelled:
			stats.FailedBytes += size
		case core.StatusPending, core.StatusChunking, core.StatusProcessing, core.StatusPaused:
			stats.ActiveBytes += size
		}
	}

	if stats.JobCount > 0 {
		stats.AverageBytesPerJob = stats.TotalBytes / int64(stats.JobCount)
	}

	usage, err := disk.UsageWithContext(ctx, m.store.Layout().Root)
	if err != nil {
		m.log.Warn("Could not read disk usage of %s: %v", m.store.Layout().Root, err)
	} else {
		stats.DiskTotalBytes = usage.Total
		stats.DiskFreeBytes = usage.Free
		stats.DiskUsedPercent = usage.UsedPercent
	}

	return stats, nil
}

// Reconcile resets jobs interrupted by a previous shutdown to Pending and returns
// every job that should be queued again, oldest first.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	jobs, err := m.AllJobs(ctx)
	if err != nil {
		return nil, err
	}

	queued := []string{}

	for _, job := range jobs {
		switch job.Status {
		case core.StatusChunking, core.StatusProcessing:
			_, requeueErr := m.Requeue(ctx, job.ID)
			if requeueErr != nil {
				m.log.Warn("Could not recover job %s: %v", job.ID, requeueErr)

				continue
			}

			m.log.Info("Recovered interrupted job %s", job.ID)
			queued = append(queued, job.ID)
		case core.StatusPending:
			queued = append(queued, job.ID)
		case core.StatusPaused, core.StatusCompleted, core.StatusFailed, core.StatusCancelled:
		}
	}

	return queued, nil
}

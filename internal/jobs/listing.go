package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/longform-tts/internal/chunker"
	"github.com/book-expert/longform-tts/internal/core"
)

const (
	defaultListLimit    = 50
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	monthKeyLayout      = "2006-01"
)

// Summary is the list view of a job.
type Summary struct {
	JobID                 string      `json:"jobId"`
	Status                core.Status `json:"status"`
	DisplayName           string      `json:"displayName,omitempty"`
	TextPreview           string      `json:"textPreview"`
	TextLength            int         `json:"textLength"`
	Voice                 string      `json:"voice"`
	OutputFormat          string      `json:"outputFormat"`
	TotalChunks           int         `json:"totalChunks"`
	CompletedChunks       int         `json:"completedChunks"`
	Progress              float64     `json:"progress"`
	CreatedAt             time.Time   `json:"createdAt"`
	CompletedAt           *time.Time  `json:"completedAt,omitempty"`
	OutputSizeBytes       int64       `json:"outputSizeBytes,omitempty"`
	OutputDurationSeconds float64     `json:"outputDurationSeconds,omitempty"`
	IsArchived            bool        `json:"isArchived"`
	Tags                  []string    `json:"tags"`
	RetryCount            int         `json:"retryCount"`
	Error                 string      `json:"errorMessage,omitempty"`
}

// ListOptions filters List. SessionID is accepted and ignored: every job is visible.
type ListOptions struct {
	Status    *core.Status
	SessionID string
	Limit     int
}

// ListResult is a page of jobs plus global counters.
type ListResult struct {
	Jobs           []Summary `json:"jobs"`
	Total          int       `json:"total"`
	ActiveCount    int       `json:"activeCount"`
	CompletedCount int       `json:"completedCount"`
}

// loaded pairs a job with its input preview.
type loaded struct {
	job     *core.Job
	preview string
}

// loadAll reads every stored job. Unreadable entries are logged and skipped.
func (m *Manager) loadAll(ctx context.Context) ([]loaded, error) {
	ids, err := m.store.ListJobIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	all := make([]loaded, 0, len(ids))

	for _, id := range ids {
		job, loadErr := m.store.LoadJob(ctx, id)
		if loadErr != nil {
			m.log.Warn("Skipping unreadable job %s: %v", id, loadErr)

			continue
		}

		text, textErr := m.store.LoadInput(ctx, id)
		if textErr != nil {
			m.log.Warn("Job %s has no readable input: %v", id, textErr)
		}

		all = append(all, loaded{job: job, preview: chunker.Preview(strings.TrimSpace(text), listPreviewLength)})
	}

	return all, nil
}

// AllJobs returns every stored job, oldest first.
func (m *Manager) AllJobs(ctx context.Context) ([]*core.Job, error) {
	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]*core.Job, 0, len(all))
	for _, entry := range all {
		jobs = append(jobs, entry.job)
	}

	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	return jobs, nil
}

// List returns jobs newest first.
func (m *Manager) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	result := &ListResult{Jobs: []Summary{}}
	matched := make([]loaded, 0, len(all))

	for _, entry := range all {
		if entry.job.Status.IsActive() {
			result.ActiveCount++
		}

		if entry.job.Status == core.StatusCompleted {
			result.CompletedCount++
		}

		if opts.Status != nil && entry.job.Status != *opts.Status {
			continue
		}

		matched = append(matched, entry)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].job.CreatedAt.After(matched[j].job.CreatedAt)
	})

	result.Total = len(matched)

	for i := 0; i < len(matched) && i < limit; i++ {
		result.Jobs = append(result.Jobs, summarize(matched[i]))
	}

	return result, nil
}

func summarize(entry loaded) Summary {
	job := entry.job

	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}

	return Summary{
		JobID:                 job.ID,
		Status:                job.Status,
		DisplayName:           job.DisplayName,
		TextPreview:           entry.preview,
		TextLength:            job.TextLength,
		Voice:                 job.Voice,
		OutputFormat:          job.OutputFormat,
		TotalChunks:           job.TotalChunks,
		CompletedChunks:       job.CompletedChunks,
		Progress:              ComputeProgress(job, nil).OverallProgress,
		CreatedAt:             job.CreatedAt,
		CompletedAt:           job.ProcessingCompletedAt,
		OutputSizeBytes:       job.OutputSizeBytes,
		OutputDurationSeconds: job.OutputDurationSeconds,
		IsArchived:            job.IsArchived,
		Tags:                  tags,
		RetryCount:            job.RetryCount,
		Error:                 job.Error,
	}
}

// SortKey orders history pages.
type SortKey string

// History sort keys.
const (
	SortCreatedAsc    SortKey = "created_asc"
	SortCreatedDesc   SortKey = "created_desc"
	SortCompletedAsc  SortKey = "completed_asc"
	SortCompletedDesc SortKey = "completed_desc"
	SortDurationAsc   SortKey = "duration_asc"
	SortDurationDesc  SortKey = "duration_desc"
	SortNameAsc       SortKey = "name_asc"
	SortNameDesc      SortKey = "name_desc"
	SortSizeAsc       SortKey = "size_asc"
	SortSizeDesc      SortKey = "size_desc"
)

var sortKeys = []SortKey{
	SortCreatedAsc, SortCreatedDesc, SortCompletedAsc, SortCompletedDesc,
	SortDurationAsc, SortDurationDesc, SortNameAsc, SortNameDesc, SortSizeAsc, SortSizeDesc,
}

// ParseSortKey validates a sort key. Empty selects completed_desc.
func ParseSortKey(value string) (SortKey, error) {
	if value == "" {
		return SortCompletedDesc, nil
	}

	for _, key := range sortKeys {
		if string(key) == value {
			return key, nil
		}
	}

	return "", fmt.Errorf("%w: unknown sort %q", core.ErrValidation, value)
}

// HistoryQuery filters and pages the history view.
type HistoryQuery struct {
	Statuses  []core.Status
	From      *time.Time
	To        *time.Time
	Search    string
	Archived  *bool
	Sort      SortKey
	Offset    int
	Limit     int
	SessionID string
}

// HistoryPage is one page of history.
type HistoryPage struct {
	Items   []Summary `json:"items"`
	Total   int       `json:"total"`
	Offset  int       `json:"offset"`
	Limit   int       `json:"limit"`
	HasMore bool      `json:"hasMore"`
}

// ListHistory filters, sorts and pages jobs. Dates compare against the completion
// time, which falls back to creation time.
func (m *Manager) ListHistory(ctx context.Context, query HistoryQuery) (*HistoryPage, error) {
	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	offset := max(query.Offset, 0)

	sortKey := query.Sort
	if sortKey == "" {
		sortKey = SortCompletedDesc
	}

	search := strings.ToLower(strings.TrimSpace(query.Search))
	matched := make([]loaded, 0, len(all))

	for _, entry := range all {
		if matchesHistory(entry, query, search) {
			matched = append(matched, entry)
		}
	}

	sort.SliceStable(matched, historyLess(matched, sortKey))

	page := &HistoryPage{Items: []Summary{}, Total: len(matched), Offset: offset, Limit: limit}

	for i := offset; i < len(matched) && i < offset+limit; i++ {
		page.Items = append(page.Items, summarize(matched[i]))
	}

	page.HasMore = offset+len(page.Items) < page.Total

	return page, nil
}

func matchesHistory(entry loaded, query HistoryQuery, search string) bool {
	job := entry.job

	if len(query.Statuses) > 0 && !containsStatus(query.Statuses, job.Status) {
		return false
	}

	if query.Archived != nil && job.IsArchived != *query.Archived {
		return false
	}

	completed := job.CompletionTime()

	if query.From != nil && completed.Before(*query.From) {
		return false
	}

	if query.To != nil && completed.After(*query.To) {
		return false
	}

	if search != "" &&
		!strings.Contains(strings.ToLower(entry.preview), search) &&
		!strings.Contains(strings.ToLower(job.DisplayName), search) {
		return false
	}

	return true
}

func containsStatus(statuses []core.Status, status core.Status) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}

	return false
}

func historyLess(entries []loaded, key SortKey) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := entries[i].job, entries[j].job

		switch key {
		case SortCreatedAsc:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortCreatedDesc:
			return a.CreatedAt.After(b.CreatedAt)
		case SortCompletedAsc:
			return a.CompletionTime().Before(b.CompletionTime())
		case SortDurationAsc:
			return a.OutputDurationSeconds < b.OutputDurationSeconds
		case SortDurationDesc:
			return a.OutputDurationSeconds > b.OutputDurationSeconds
		case SortNameAsc:
			return strings.ToLower(a.DisplayName) < strings.ToLower(b.DisplayName)
		case SortNameDesc:
			return strings.ToLower(a.DisplayName) > strings.ToLower(b.DisplayName)
		case SortSizeAsc:
			return a.OutputSizeBytes < b.OutputSizeBytes
		case SortSizeDesc:
			return a.OutputSizeBytes > b.OutputSizeBytes
		case SortCompletedDesc:
			return a.CompletionTime().After(b.CompletionTime())
		default:
			return a.CompletionTime().After(b.CompletionTime())
		}
	}
}

// HistoryStats aggregates every stored job.
type HistoryStats struct {
	TotalJobs                 int            `json:"totalJobs"`
	CompletedJobs             int            `json:"completedJobs"`
	FailedJobs                int            `json:"failedJobs"`
	CancelledJobs             int            `json:"cancelledJobs"`
	ActiveJobs                int            `json:"activeJobs"`
	ArchivedJobs              int            `json:"archivedJobs"`
	SuccessRatePercentage     float64        `json:"successRatePercentage"`
	TotalAudioDurationSeconds float64        `json:"totalAudioDurationSeconds"`
	TotalStorageBytes         int64          `json:"totalStorageBytes"`
	TotalCharacters           int            `json:"totalCharacters"`
	AverageProcessingSeconds  float64        `json:"averageProcessingTimeSeconds"`
	MostUsedVoice             string         `json:"mostUsedVoice,omitempty"`
	JobsByStatus              map[string]int `json:"jobsByStatus"`
	JobsByMonth               map[string]int `json:"jobsByMonth"`
	VoiceUsage                map[string]int `json:"voiceUsage"`
}

// HistoryStats computes aggregate statistics over all jobs.
func (m *Manager) HistoryStats(ctx context.Context) (*HistoryStats, error) {
	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	stats := &HistoryStats{
		JobsByStatus: map[string]int{},
		JobsByMonth:  map[string]int{},
		VoiceUsage:   map[string]int{},
	}

	var (
		processingMs int64
		timedJobs    int
	)

	for _, entry := range all {
		job := entry.job
		stats.TotalJobs++
		stats.TotalCharacters += job.TextLength
		stats.JobsByStatus[string(job.Status)]++
		stats.JobsByMonth[job.CreatedAt.UTC().Format(monthKeyLayout)]++

		if job.Voice != "" {
			stats.VoiceUsage[job.Voice]++
		}

		if job.IsArchived {
			stats.ArchivedJobs++
		}

		switch job.Status {
		case core.StatusCompleted:
			stats.CompletedJobs++
			stats.TotalAudioDurationSeconds += job.OutputDurationSeconds
			stats.TotalStorageBytes += job.OutputSizeBytes

			if job.TotalProcessingTimeMs > 0 {
				processingMs += job.TotalProcessingTimeMs
				timedJobs++
			}
		case core.StatusFailed:
			stats.FailedJobs++
		case core.StatusCancelled:
			stats.CancelledJobs++
		case core.StatusPending, core.StatusChunking, core.StatusProcessing, core.StatusPaused:
			stats.ActiveJobs++
		}
	}

	if stats.TotalJobs > 0 {
		stats.SuccessRatePercentage = maxProgress * float64(stats.CompletedJobs) / float64(stats.TotalJobs)
	}

	if timedJobs > 0 {
		stats.AverageProcessingSeconds = float64(processingMs) / float64(timedJobs) / 1000
	}

	stats.MostUsedVoice = mostUsed(stats.VoiceUsage)

	return stats, nil
}

// mostUsed returns the key with the highest count; ties go to the lexicographically smallest key.
func mostUsed(counts map[string]int) string {
	best, bestCount := "", 0

	for key, count := range counts {
		if count > bestCount || (count == bestCount && key < best) {
			best, bestCount = key, count
		}
	}

	return best
}

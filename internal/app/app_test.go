package app_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/audio"
	"github.com/book-expert/longform-tts/internal/config"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

var errStubSynthesis = errors.New("stub synthesis failure")

type stubSynthesizer struct {
	shouldFail bool
}

func (s *stubSynthesizer) Synthesize(_ context.Context, _ core.SynthesisRequest) ([]byte, error) {
	if s.shouldFail {
		return nil, errStubSynthesis
	}

	format := audio.WAVFormat{AudioFormat: 1, Channels: 1, SampleRate: 8000, ByteRate: 16000, BlockAlign: 2, BitsPerSample: 16}

	return audio.EncodeWAV(format, make([]byte, 800)), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Storage.JobsDir = filepath.Join(root, "jobs")
	cfg.Storage.HistoryDir = filepath.Join(root, "history")
	cfg.Storage.SQLitePath = filepath.Join(root, "jobs.db")
	cfg.Voices.Dir = filepath.Join(root, "voices")
	cfg.Paths.LogsDir = filepath.Join(root, "logs")
	cfg.Retention.CleanupIntervalMinutes = 0

	return &cfg
}

func startServices(t *testing.T, cfg *config.Config, synth core.Synthesizer) *app.Services {
	t.Helper()

	log, err := logger.New(t.TempDir(), "app-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	svc, err := app.New(context.Background(), cfg, log, app.WithSynthesizer(synth))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Close)

	return svc
}

func longText(n int) string {
	var builder strings.Builder

	for i := 0; builder.Len() < n; i++ {
		fmt.Fprintf(&builder, "Paragraph %d narrates scene %d with fresh wording. ", i, i%11)
	}

	return builder.String()
}

func waitStatus(t *testing.T, svc *app.Services, id string, want core.Status) *core.Job {
	t.Helper()

	var job *core.Job

	require.Eventually(t, func() bool {
		loaded, err := svc.Manager.Get(context.Background(), id)
		if err != nil {
			return false
		}

		job = loaded

		return loaded.Status == want
	}, waitTimeout, pollInterval)

	return job
}

func TestServices_CreateRunsToCompletion(t *testing.T) {
	t.Parallel()

	for _, backend := range []string{config.BackendFilesystem, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			svc := startServices(t, cfg, &stubSynthesizer{})

			result, err := svc.CreateJob(context.Background(), jobs.CreateRequest{Text: longText(5000)})
			require.NoError(t, err)

			job := waitStatus(t, svc, result.JobID, core.StatusCompleted)
			assert.Equal(t, job.TotalChunks, job.CompletedChunks)

			archived, err := svc.Archive.Download(context.Background(), jobs.HistoryKey(job.ID, "wav"))
			require.NoError(t, err)
			assert.NotEmpty(t, archived)
		})
	}
}

func TestServices_DeleteKeepsArchivedAudio(t *testing.T) {
	t.Parallel()

	for _, backend := range []string{config.BackendFilesystem, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			svc := startServices(t, cfg, &stubSynthesizer{})

			result, err := svc.CreateJob(ctx, jobs.CreateRequest{Text: longText(5000)})
			require.NoError(t, err)
			waitStatus(t, svc, result.JobID, core.StatusCompleted)

			require.NoError(t, svc.DeleteJob(ctx, result.JobID))
			assert.False(t, svc.Manager.Exists(ctx, result.JobID))

			archived, err := svc.Archive.Download(ctx, jobs.HistoryKey(result.JobID, "wav"))
			require.NoError(t, err)
			assert.NotEmpty(t, archived)

			err = svc.DeleteJob(ctx, result.JobID)
			require.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestServices_CreateValidation(t *testing.T) {
	t.Parallel()

	svc := startServices(t, testConfig(t), &stubSynthesizer{})
	ctx := context.Background()

	cases := map[string]jobs.CreateRequest{
		"short text":    {Text: "too short"},
		"temperature":   {Text: longText(5000), Parameters: core.Parameters{core.ParamTemperature: 9.0}},
		"format":        {Text: longText(5000), OutputFormat: "aiff"},
		"unknown voice": {Text: longText(5000), Voice: "nobody"},
		"too many tags": {Text: longText(5000), Tags: make([]string, app.MaxTags+1)},
	}

	for name, req := range cases {
		_, err := svc.CreateJob(ctx, req)
		require.ErrorIs(t, err, core.ErrValidation, name)
	}
}

func TestServices_FailedJobRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	synth := &stubSynthesizer{shouldFail: true}
	svc := startServices(t, testConfig(t), synth)

	created, err := svc.CreateJob(ctx, jobs.CreateRequest{Text: longText(5000)})
	require.NoError(t, err)

	failed := waitStatus(t, svc, created.JobID, core.StatusFailed)
	assert.Equal(t, "no chunks generated", failed.Error)

	_, err = svc.RetryJob(ctx, created.JobID, jobs.RetryOptions{Parameters: core.Parameters{core.ParamCFGWeight: 3.0}})
	require.ErrorIs(t, err, core.ErrValidation)

	bulk, err := svc.Bulk(ctx, app.BulkRequest{Action: app.BulkArchive, JobIDs: []string{created.JobID, "missing"}, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, []string{created.JobID}, bulk.Successful)
	require.Len(t, bulk.Failed, 1)
	assert.Equal(t, "missing", bulk.Failed[0].JobID)
}

func TestServices_BulkRequiresConfirmation(t *testing.T) {
	t.Parallel()

	svc := startServices(t, testConfig(t), &stubSynthesizer{})
	ctx := context.Background()

	_, err := svc.Bulk(ctx, app.BulkRequest{Action: app.BulkDelete, JobIDs: []string{"a"}})
	require.ErrorIs(t, err, app.ErrConfirmationRequired)

	_, err = svc.Bulk(ctx, app.BulkRequest{Action: app.BulkDelete, Confirm: true})
	require.ErrorIs(t, err, app.ErrBulkSize)

	_, err = svc.Bulk(ctx, app.BulkRequest{Action: "explode", JobIDs: []string{"a"}, Confirm: true})
	require.ErrorIs(t, err, app.ErrUnknownAction)

	_, err = svc.ClearHistory(ctx, false)
	require.ErrorIs(t, err, app.ErrConfirmationRequired)
}

func TestServices_ClearHistoryRemovesTerminalJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := startServices(t, testConfig(t), &stubSynthesizer{})

	created, err := svc.CreateJob(ctx, jobs.CreateRequest{Text: longText(5000)})
	require.NoError(t, err)
	waitStatus(t, svc, created.JobID, core.StatusCompleted)

	cleared, err := svc.ClearHistory(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared.DeletedJobs)
	assert.False(t, svc.Manager.Exists(ctx, created.JobID))

	_, err = svc.Archive.Download(ctx, jobs.HistoryKey(created.JobID, "wav"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestServices_DeleteUnknownJob(t *testing.T) {
	t.Parallel()

	svc := startServices(t, testConfig(t), &stubSynthesizer{})

	err := svc.DeleteJob(context.Background(), "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestServices_RunMaintenance(t *testing.T) {
	t.Parallel()

	svc := startServices(t, testConfig(t), &stubSynthesizer{})

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Cleanup.DeletedJobs)
	assert.Empty(t, report.Archived)
}

func TestServices_StartRecoversInterruptedJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	log, err := logger.New(t.TempDir(), "app-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	first, err := app.New(ctx, cfg, log, app.WithSynthesizer(&stubSynthesizer{}))
	require.NoError(t, err)

	created, err := first.Manager.Create(ctx, jobs.CreateRequest{Text: longText(5000)})
	require.NoError(t, err)
	_, err = first.Manager.BeginProcessing(ctx, created.JobID)
	require.NoError(t, err)
	first.Close()

	second := startServices(t, cfg, &stubSynthesizer{})
	waitStatus(t, second, created.JobID, core.StatusCompleted)
}

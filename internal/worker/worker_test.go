package worker_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/audio"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/book-expert/longform-tts/internal/jobstore"
	"github.com/book-expert/longform-tts/internal/voices"
	"github.com/book-expert/longform-tts/internal/worker"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

var errMockSynthesis = errors.New("mock synthesis error")

var testFormat = audio.WAVFormat{
	AudioFormat:   1,
	Channels:      1,
	SampleRate:    8000,
	ByteRate:      16000,
	BlockAlign:    2,
	BitsPerSample: 16,
}

// mockSynthesizer returns a short WAV per call. Calls listed in failCalls fail;
// while gate is non-nil every call waits for it or for cancellation. A cancelled
// call returns only after cancelDelay.
type mockSynthesizer struct {
	mu          sync.Mutex
	shouldFail  bool
	failCalls   map[int]bool
	calls       int
	requests    []core.SynthesisRequest
	gate        chan struct{}
	cancelDelay time.Duration
}

func (m *mockSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	gate := m.gate
	cancelDelay := m.cancelDelay
	fail := m.shouldFail || m.failCalls[call]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			time.Sleep(cancelDelay)

			return nil, context.Cause(ctx)
		}
	}

	if fail {
		return nil, errMockSynthesis
	}

	return audio.EncodeWAV(testFormat, make([]byte, 1600)), nil
}

func (m *mockSynthesizer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

type harness struct {
	manager   *jobs.Manager
	processor *worker.Processor
	synth     *mockSynthesizer
}

func newHarness(t *testing.T, synth *mockSynthesizer, maxJobs int) *harness {
	t.Helper()

	store, err := jobstore.NewFilesystem(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	library := voices.NewLibrary(t.TempDir(), "default", "en", nil)
	manager := jobs.NewManager(store, nil, library, nil, log, jobs.Options{
		MinLength: 3000,
		MaxLength: 100000,
		ChunkSize: 2500,
	})

	processor := worker.New(manager, synth, audio.NewConcatenator("ffmpeg", log), library, log, worker.Options{
		MaxConcurrentJobs: maxJobs,
		ChunkSize:         2000,
		SilencePaddingMs:  100,
		Defaults:          worker.SynthesisDefaults{Exaggeration: 0.5, CFGWeight: 0.5, Temperature: 0.8},
	})

	ctx, cancel := context.WithCancel(context.Background())
	processor.Start(ctx)
	t.Cleanup(func() {
		processor.Stop()
		cancel()
	})

	return &harness{manager: manager, processor: processor, synth: synth}
}

func longText(n int) string {
	var builder strings.Builder

	for i := 0; builder.Len() < n; i++ {
		fmt.Fprintf(&builder, "Sentence %d tells part %d of the long story. ", i, i%13)
	}

	return builder.String()
}

func (h *harness) create(t *testing.T, length int, params core.Parameters) string {
	t.Helper()

	result, err := h.manager.Create(context.Background(), jobs.CreateRequest{Text: longText(length), Parameters: params})
	require.NoError(t, err)

	return result.JobID
}

func (h *harness) waitStatus(t *testing.T, id string, want core.Status) *core.Job {
	t.Helper()

	var job *core.Job

	require.Eventually(t, func() bool {
		loaded, err := h.manager.Get(context.Background(), id)
		if err != nil {
			return false
		}

		job = loaded

		return loaded.Status == want
	}, waitTimeout, pollInterval, "job %s never reached %s", id, want)

	return job
}

func TestProcessor_CompletesLongText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{}, 2)
	id := h.create(t, 5000, core.Parameters{core.ParamTemperature: 1.1})

	require.NoError(t, h.processor.Submit(id))

	job := h.waitStatus(t, id, core.StatusCompleted)
	assert.Equal(t, 3, job.TotalChunks)
	assert.Equal(t, 3, job.CompletedChunks)
	assert.Empty(t, job.FailedChunkIndices)
	assert.Equal(t, filepath.Join("output", "final.wav"), job.OutputPath)
	assert.Positive(t, job.OutputSizeBytes)
	assert.InDelta(t, 0.3+0.2, job.OutputDurationSeconds, 0.01)

	chunks, err := h.manager.Chunks(context.Background(), id)
	require.NoError(t, err)

	for _, chunk := range chunks {
		assert.Equal(t, jobstore.ChunkFileName(chunk.Index), chunk.AudioFile)
		require.NotNil(t, chunk.AudioDurationMs)
		assert.Equal(t, int64(100), *chunk.AudioDurationMs)
	}

	h.synth.mu.Lock()
	defer h.synth.mu.Unlock()

	require.NotEmpty(t, h.synth.requests)
	assert.InDelta(t, 1.1, *h.synth.requests[0].Temperature, 1e-9)
	assert.InDelta(t, 0.5, *h.synth.requests[0].CFGWeight, 1e-9)
	assert.Equal(t, "en", h.synth.requests[0].LanguageID)
}

func TestProcessor_PartialFailureStillCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{failCalls: map[int]bool{2: true}}, 1)
	id := h.create(t, 5000, nil)

	require.NoError(t, h.processor.Submit(id))

	job := h.waitStatus(t, id, core.StatusCompleted)
	assert.Equal(t, 2, job.CompletedChunks)
	assert.Equal(t, []int{2}, job.FailedChunkIndices)
}

func TestProcessor_AllChunksFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mockSynthesizer{shouldFail: true}, 1)
	id := h.create(t, 5000, nil)

	require.NoError(t, h.processor.Submit(id))

	job := h.waitStatus(t, id, core.StatusFailed)
	assert.Equal(t, "no chunks generated", job.Error)
	assert.Equal(t, []int{0, 1, 2}, job.FailedChunkIndices)
}

func TestProcessor_PauseAndResumeReusesChunks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	synth := &mockSynthesizer{gate: make(chan struct{})}
	h := newHarness(t, synth, 1)
	id := h.create(t, 5000, nil)

	require.NoError(t, h.processor.Submit(id))
	h.waitStatus(t, id, core.StatusProcessing)

	synth.gate <- struct{}{}

	require.Eventually(t, func() bool {
		job, err := h.manager.Get(ctx, id)

		return err == nil && job.CompletedChunks == 1
	}, waitTimeout, pollInterval)

	_, err := h.manager.Pause(ctx, id)
	require.NoError(t, err)
	h.processor.Pause(id)

	require.Eventually(t, func() bool { return len(h.processor.Active()) == 0 }, waitTimeout, pollInterval)

	job := h.waitStatus(t, id, core.StatusPaused)
	assert.Equal(t, 1, job.CompletedChunks)

	synth.mu.Lock()
	synth.gate = nil
	synth.mu.Unlock()

	callsBeforeResume := synth.callCount()

	_, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.processor.Submit(id))

	job = h.waitStatus(t, id, core.StatusCompleted)
	assert.Equal(t, 3, job.CompletedChunks)
	assert.Equal(t, callsBeforeResume+2, synth.callCount())
}

func TestProcessor_ResumeImmediatelyAfterPause(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	synth := &mockSynthesizer{gate: make(chan struct{}), cancelDelay: 300 * time.Millisecond}
	h := newHarness(t, synth, 1)
	id := h.create(t, 5000, nil)

	require.NoError(t, h.processor.Submit(id))
	require.Eventually(t, func() bool { return synth.callCount() == 1 }, waitTimeout, pollInterval)

	synth.mu.Lock()
	synth.gate = nil
	synth.mu.Unlock()

	_, err := h.manager.Pause(ctx, id)
	require.NoError(t, err)
	assert.True(t, h.processor.Pause(id))

	_, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.processor.Submit(id))
	assert.Len(t, h.processor.Active(), 1, "the paused pipeline is still returning")

	job := h.waitStatus(t, id, core.StatusCompleted)
	assert.Equal(t, 3, job.CompletedChunks)
	assert.Empty(t, job.FailedChunkIndices)
}

func TestProcessor_CancelAndWait(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{gate: make(chan struct{}), cancelDelay: 500 * time.Millisecond}
	h := newHarness(t, synth, 2)
	slow := h.create(t, 3500, nil)

	require.NoError(t, h.processor.Submit(slow))
	require.Eventually(t, func() bool { return synth.callCount() == 1 }, waitTimeout, pollInterval)

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.processor.CancelAndWait(shortCtx, slow)
	require.ErrorIs(t, err, worker.ErrStillRunning)
	assert.Len(t, h.processor.Active(), 1)

	require.NoError(t, h.processor.CancelAndWait(context.Background(), slow))
	assert.Empty(t, h.processor.Active())
	h.waitStatus(t, slow, core.StatusCancelled)

	assert.NoError(t, h.processor.CancelAndWait(context.Background(), "never-submitted"))
}

func TestProcessor_CancelRunningJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, &mockSynthesizer{gate: make(chan struct{})}, 1)
	id := h.create(t, 5000, nil)

	require.NoError(t, h.processor.Submit(id))
	h.waitStatus(t, id, core.StatusProcessing)

	require.Eventually(t, func() bool { return len(h.processor.Active()) == 1 }, waitTimeout, pollInterval)

	_, err := h.manager.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, h.processor.Cancel(id))

	require.Eventually(t, func() bool { return len(h.processor.Active()) == 0 }, waitTimeout, pollInterval)

	job := h.waitStatus(t, id, core.StatusCancelled)
	assert.Empty(t, job.FailedChunkIndices)
}

func TestProcessor_AdmissionLimit(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{gate: make(chan struct{})}
	h := newHarness(t, synth, 2)

	ids := []string{h.create(t, 3500, nil), h.create(t, 3500, nil), h.create(t, 3500, nil)}
	for _, id := range ids {
		require.NoError(t, h.processor.Submit(id))
	}

	require.Eventually(t, func() bool {
		return len(h.processor.Active()) == 2 && h.processor.Queued() == 1
	}, waitTimeout, pollInterval)

	third, err := h.manager.Get(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, third.Status)

	close(synth.gate)

	for _, id := range ids {
		h.waitStatus(t, id, core.StatusCompleted)
	}
}

func TestProcessor_SubmitIsIdempotentAndSkipsNonPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, &mockSynthesizer{}, 1)
	id := h.create(t, 3500, nil)

	_, err := h.manager.Cancel(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.processor.Submit(id))
	require.NoError(t, h.processor.Submit(id))

	require.Eventually(t, func() bool {
		return len(h.processor.Active()) == 0 && h.processor.Queued() == 0
	}, waitTimeout, pollInterval)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, job.Status)
	assert.Zero(t, h.synth.callCount())
}

func TestProcessor_SubmitBeforeStart(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	processor := worker.New(nil, nil, nil, nil, log, worker.Options{})
	require.ErrorIs(t, processor.Submit("job"), worker.ErrNotRunning)
}

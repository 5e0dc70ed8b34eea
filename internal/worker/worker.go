// Package worker runs long-text jobs in the background: a FIFO queue, an
// admission gate bounding concurrent jobs, and the per-job synthesis pipeline.
package worker

import (
	"context"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/cockroachdb/errors"
)

const defaultMaxConcurrentJobs = 3

var (
	// ErrNotRunning indicates a submission to a processor that was not started or already stopped.
	ErrNotRunning = errors.New("processor is not running")
	// ErrShutdown is the cancellation cause of jobs interrupted by Stop.
	ErrShutdown = errors.New("processor shutting down")
	// ErrStillRunning indicates a pipeline that did not stop within the wait.
	ErrStillRunning = errors.New("job pipeline still running")

	errPaused    = errors.New("job paused")
	errCancelled = errors.New("job cancelled")
)

// SynthesisDefaults are applied when a job does not override a parameter.
type SynthesisDefaults struct {
	Exaggeration float64
	CFGWeight    float64
	Temperature  float64
}

// Options configures a Processor.
type Options struct {
	MaxConcurrentJobs int
	ChunkSize         int
	ChunkOverlap      int
	SilencePaddingMs  int
	Defaults          SynthesisDefaults
}

// Processor dispatches queued jobs to pipelines, at most MaxConcurrentJobs at a time.
type Processor struct {
	manager *jobs.Manager
	synth   core.Synthesizer
	concat  core.Concatenator
	voices  core.VoiceResolver
	log     *logger.Logger
	opts    Options

	mu      sync.Mutex
	queue   []string
	queued  map[string]struct{}
	active  map[string]*activeJob
	running bool
	stop    context.CancelCauseFunc

	notify chan struct{}
	slots  chan struct{}
	wg     sync.WaitGroup
}

// New creates a Processor. It does nothing until Start is called.
func New(
	manager *jobs.Manager,
	synth core.Synthesizer,
	concat core.Concatenator,
	voices core.VoiceResolver,
	log *logger.Logger,
	opts Options,
) *Processor {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}

	return &Processor{
		manager: manager,
		synth:   synth,
		concat:  concat,
		voices:  voices,
		log:     log,
		opts:    opts,
		queued:  make(map[string]struct{}),
		active:  make(map[string]*activeJob),
		notify:  make(chan struct{}, 1),
		slots:   make(chan struct{}, opts.MaxConcurrentJobs),
	}
}

// Start launches the dispatcher. Jobs run until ctx ends or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	runCtx, stop := context.WithCancelCause(ctx)
	p.running = true
	p.stop = stop

	p.wg.Add(1)

	go p.dispatch(runCtx)

	p.log.Info("Background processor started with %d slots", p.opts.MaxConcurrentJobs)
}

// Stop interrupts every running job, leaving its status for startup recovery,
// and waits for the pipelines to return.
func (p *Processor) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.running = false
	p.queue = nil
	p.queued = make(map[string]struct{})
	p.mu.Unlock()

	if stop != nil {
		stop(ErrShutdown)
	}

	p.wg.Wait()
	p.log.Info("Background processor stopped")
}

// Submit appends a job to the queue. Submitting a queued job is a no-op. A job
// whose pipeline is still running is queued again once that pipeline returns.
func (p *Processor) Submit(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotRunning
	}

	if _, ok := p.queued[id]; ok {
		return nil
	}

	if job, ok := p.active[id]; ok {
		job.resubmit = true

		return nil
	}

	p.enqueueLocked(id)

	return nil
}

func (p *Processor) enqueueLocked(id string) {
	p.queue = append(p.queue, id)
	p.queued[id] = struct{}{}

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// activeJob is a dispatched job. cancel is nil until its pipeline starts.
// resubmit is set when the job was submitted again while running.
type activeJob struct {
	cancel   context.CancelCauseFunc
	done     chan struct{}
	resubmit bool
}

// Pause interrupts a running job. It reports whether the job was running.
func (p *Processor) Pause(id string) bool {
	return p.interrupt(id, errPaused)
}

// Cancel interrupts a running job or drops it from the queue. It reports whether
// the job was known to the processor.
func (p *Processor) Cancel(id string) bool {
	p.mu.Lock()

	if _, ok := p.queued[id]; ok {
		delete(p.queued, id)

		for i, queuedID := range p.queue {
			if queuedID == id {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)

				break
			}
		}

		p.mu.Unlock()

		return true
	}

	if job, ok := p.active[id]; ok {
		job.resubmit = false
	}

	p.mu.Unlock()

	return p.interrupt(id, errCancelled)
}

// CancelAndWait cancels a job like Cancel and waits until its pipeline returned.
// It returns ErrStillRunning when ctx ends first.
func (p *Processor) CancelAndWait(ctx context.Context, id string) error {
	p.mu.Lock()
	job := p.active[id]
	p.mu.Unlock()

	p.Cancel(id)

	if job == nil {
		return nil
	}

	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ErrStillRunning, "job %s", id)
	}
}

func (p *Processor) interrupt(id string, cause error) bool {
	var cancel context.CancelCauseFunc

	p.mu.Lock()
	job, ok := p.active[id]

	if ok {
		cancel = job.cancel
	}

	p.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}

	return ok
}

// Active returns the ids of running jobs.
func (p *Processor) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}

	return ids
}

// Queued returns the number of jobs waiting for a slot.
func (p *Processor) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

func (p *Processor) dispatch(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		id, ok := p.next(ctx)
		if !ok {
			<-p.slots

			return
		}

		p.wg.Add(1)

		go p.run(ctx, id)
	}
}

// next blocks until a queued job is available and registers it as active.
func (p *Processor) next(ctx context.Context) (string, bool) {
	for {
		p.mu.Lock()

		if len(p.queue) > 0 {
			id := p.queue[0]
			p.queue = p.queue[1:]
			delete(p.queued, id)
			p.active[id] = &activeJob{done: make(chan struct{})}
			p.mu.Unlock()

			return id, true
		}

		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (p *Processor) run(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancelCause(ctx)

	p.mu.Lock()
	job := p.active[id]
	job.cancel = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.active, id)

		// The pipeline skips the job unless it is Pending again.
		if job.resubmit && p.running {
			p.enqueueLocked(id)
		}

		p.mu.Unlock()

		close(job.done)

		cancel(nil)
		<-p.slots
		p.wg.Done()
	}()

	p.execute(jobCtx, id)
}

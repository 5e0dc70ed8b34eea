// Package app wires the long-text service together and exposes the composite
// operations used by the HTTP transport and the CLI.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/audio"
	"github.com/book-expert/longform-tts/internal/config"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
	"github.com/book-expert/longform-tts/internal/jobstore"
	"github.com/book-expert/longform-tts/internal/notify"
	"github.com/book-expert/longform-tts/internal/objectstore"
	"github.com/book-expert/longform-tts/internal/tts"
	"github.com/book-expert/longform-tts/internal/voices"
	"github.com/book-expert/longform-tts/internal/worker"
	"github.com/nats-io/nats.go"
)

// healthWaiter is implemented by synthesizers that can report engine readiness.
type healthWaiter interface {
	WaitHealthy(ctx context.Context, attempts uint, delay time.Duration) error
}

// Services is the explicit service context of a running instance.
type Services struct {
	Config    *config.Config
	Log       *logger.Logger
	Store     jobstore.Store
	Archive   core.ObjectStore
	Voices    *voices.Library
	Manager   *jobs.Manager
	Processor *worker.Processor

	synth  core.Synthesizer
	nats   *nats.Conn
	intake *worker.NatsIntake

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises New.
type Option func(*options)

type options struct {
	synth  core.Synthesizer
	concat core.Concatenator
	now    func() time.Time
}

// WithSynthesizer replaces the HTTP synthesis client.
func WithSynthesizer(synth core.Synthesizer) Option {
	return func(o *options) { o.synth = synth }
}

// WithConcatenator replaces the WAV/ffmpeg concatenator.
func WithConcatenator(concat core.Concatenator) Option {
	return func(o *options) { o.concat = concat }
}

// WithClock replaces the manager clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Services, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	svc := &Services{Config: cfg, Log: log}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc.Store = store

	if cfg.NATS.URL != "" {
		svc.nats, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			svc.Close()

			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
	}

	svc.Archive, err = svc.openArchive(cfg)
	if err != nil {
		svc.Close()

		return nil, err
	}

	var publisher core.Publisher
	if svc.nats != nil {
		publisher = notify.NewNatsPublisher(svc.nats, cfg.NATS.SubjectPrefix)
	}

	svc.Voices = voices.NewLibrary(cfg.Voices.Dir, cfg.Voices.DefaultVoice, cfg.Voices.DefaultLanguage, cfg.Voices.Languages)

	svc.synth = o.synth
	if svc.synth == nil {
		var normalizer *tts.Normalizer
		if cfg.Synthesis.NormalizeText {
			normalizer = tts.NewNormalizer()
		}

		svc.synth = tts.NewSynthesizer(tts.NewHTTPClient(cfg.Synthesis.URL, cfg.SynthesisTimeout()), normalizer, log)
	}

	concat := o.concat
	if concat == nil {
		concat = audio.NewConcatenator(cfg.Audio.FFmpegPath, log)
	}

	svc.Manager = jobs.NewManager(svc.Store, svc.Archive, svc.Voices, publisher, log, jobs.Options{
		MinLength:     cfg.LongText.MinLength,
		MaxLength:     cfg.LongText.MaxLength,
		ChunkSize:     cfg.EffectiveChunkSize(),
		DefaultFormat: cfg.LongText.DefaultFormat,
		Now:           o.now,
	})

	svc.Processor = worker.New(svc.Manager, svc.synth, concat, svc.Voices, log, worker.Options{
		MaxConcurrentJobs: cfg.LongText.MaxConcurrentJobs,
		ChunkSize:         cfg.EffectiveChunkSize(),
		ChunkOverlap:      cfg.LongText.ChunkOverlap,
		SilencePaddingMs:  cfg.LongText.SilencePaddingMs,
		Defaults: worker.SynthesisDefaults{
			Exaggeration: cfg.Synthesis.Exaggeration,
			CFGWeight:    cfg.Synthesis.CFGWeight,
			Temperature:  cfg.Synthesis.Temperature,
		},
	})

	err = svc.setupIntake(cfg)
	if err != nil {
		svc.Close()

		return nil, err
	}

	return svc, nil
}

func openStore(ctx context.Context, cfg *config.Config) (jobstore.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := jobstore.OpenSQLite(ctx, cfg.Storage.SQLitePath, cfg.Storage.JobsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite job store: %w", err)
		}

		return store, nil
	default:
		store, err := jobstore.NewFilesystem(cfg.Storage.JobsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open job store: %w", err)
		}

		return store, nil
	}
}

func (s *Services) openArchive(cfg *config.Config) (core.ObjectStore, error) {
	if cfg.Archive.Backend == config.BackendNATS {
		jetstreamContext, err := s.nats.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}

		archive, err := objectstore.New(jetstreamContext, cfg.Archive.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open history archive: %w", err)
		}

		return archive, nil
	}

	archive, err := objectstore.NewFilesystem(cfg.Storage.HistoryDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open history archive: %w", err)
	}

	return archive, nil
}

func (s *Services) setupIntake(cfg *config.Config) error {
	if s.nats == nil || cfg.NATS.SubmitSubject == "" {
		return nil
	}

	var texts core.ObjectStore

	if cfg.NATS.TextBucket != "" {
		jetstreamContext, err := s.nats.JetStream()
		if err != nil {
			return fmt.Errorf("failed to get JetStream context: %w", err)
		}

		texts, err = objectstore.New(jetstreamContext, cfg.NATS.TextBucket)
		if err != nil {
			return fmt.Errorf("failed to open text bucket: %w", err)
		}
	}

	s.intake = worker.NewNatsIntake(s.nats, cfg.NATS.SubmitSubject, texts, s, s.Log)

	return nil
}

// Start starts the processor, re-enqueues recoverable jobs, and runs the
// maintenance loop and the NATS intake until Close.
func (s *Services) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if waiter, ok := s.synth.(healthWaiter); ok {
		delay := time.Duration(s.Config.Synthesis.HealthDelaySeconds) * time.Second

		err := waiter.WaitHealthy(runCtx, s.Config.Synthesis.HealthAttempts, delay)
		if err != nil {
			s.Log.Warn("Synthesis engine not healthy yet, jobs will fail until it is: %v", err)
		}
	}

	s.Processor.Start(runCtx)

	if s.Config.LongText.RecoverOnStartup {
		ids, err := s.Manager.Reconcile(runCtx)
		if err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}

		for _, id := range ids {
			submitErr := s.Processor.Submit(id)
			if submitErr != nil {
				return fmt.Errorf("failed to requeue job %s: %w", id, submitErr)
			}
		}

		if len(ids) > 0 {
			s.Log.Info("Requeued %d jobs from a previous run", len(ids))
		}
	}

	if interval := s.Config.CleanupInterval(); interval > 0 {
		s.wg.Add(1)

		go s.maintenanceLoop(runCtx, interval)
	}

	if s.intake != nil {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			err := s.intake.Run(runCtx)
			if err != nil {
				s.Log.Error("Job intake stopped: %v", err)
			}
		}()
	}

	return nil
}

func (s *Services) maintenanceLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.RunMaintenance(ctx)
			if err != nil {
				s.Log.Warn("Scheduled maintenance failed: %v", err)
			}
		}
	}
}

// Close stops background work and releases connections.
func (s *Services) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.Processor != nil {
		s.Processor.Stop()
	}

	s.wg.Wait()

	if s.nats != nil {
		drainErr := s.nats.Drain()
		if drainErr != nil {
			s.Log.Warn("Failed to drain NATS connection: %v", drainErr)
		}
	}

	if s.Store != nil {
		closeErr := s.Store.Close()
		if closeErr != nil {
			s.Log.Warn("Failed to close job store: %v", closeErr)
		}
	}
}

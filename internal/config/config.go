// Package config provides the configuration structure for the longform-tts service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Storage and archive backends.
const (
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
	BackendNATS       = "nats"
)

var (
	// ErrInvalidConfig indicates that a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ServerConfig holds the HTTP transport settings.
type ServerConfig struct {
	Listen                   string `toml:"listen"`
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds"`
	StreamPollSeconds        int    `toml:"stream_poll_seconds"`
	StreamStepPercent        int    `toml:"stream_step_percent"`
}

// StorageConfig selects where job records and files live.
type StorageConfig struct {
	Backend    string `toml:"backend"`
	JobsDir    string `toml:"jobs_dir"`
	HistoryDir string `toml:"history_dir"`
	SQLitePath string `toml:"sqlite_path"`
}

// LongTextConfig holds the job admission, chunking and processing limits.
type LongTextConfig struct {
	MinLength         int    `toml:"min_length"`
	MaxLength         int    `toml:"max_length"`
	ChunkSize         int    `toml:"chunk_size"`
	ChunkOverlap      int    `toml:"chunk_overlap"`
	SilencePaddingMs  int    `toml:"silence_padding_ms"`
	MaxConcurrentJobs int    `toml:"max_concurrent_jobs"`
	DefaultFormat     string `toml:"default_format"`
	RecoverOnStartup  bool   `toml:"recover_on_startup"`
}

// RetentionConfig holds the cleanup policy.
type RetentionConfig struct {
	RetentionDays          int   `toml:"retention_days"`
	MaxStorageBytes        int64 `toml:"max_storage_bytes"`
	AutoArchiveDays        int   `toml:"auto_archive_days"`
	CleanupIntervalMinutes int   `toml:"cleanup_interval_minutes"`
}

// SynthesisConfig holds the synthesis engine endpoint and default voice parameters.
type SynthesisConfig struct {
	URL                string  `toml:"url"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	HealthAttempts     uint    `toml:"health_attempts"`
	HealthDelaySeconds int     `toml:"health_delay_seconds"`
	Exaggeration       float64 `toml:"exaggeration"`
	CFGWeight          float64 `toml:"cfg_weight"`
	Temperature        float64 `toml:"temperature"`
	NormalizeText      bool    `toml:"normalize_text"`
}

// VoicesConfig locates the voice library.
type VoicesConfig struct {
	Dir             string            `toml:"dir"`
	DefaultVoice    string            `toml:"default_voice"`
	DefaultLanguage string            `toml:"default_language"`
	Languages       map[string]string `toml:"languages"`
}

// AudioConfig holds the external tooling used for format conversion.
type AudioConfig struct {
	FFmpegPath string `toml:"ffmpeg_path"`
}

// ArchiveConfig selects where completed audio is kept permanently.
type ArchiveConfig struct {
	Backend string `toml:"backend"`
	Bucket  string `toml:"bucket"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables it.
// An empty SubmitSubject disables the job intake subscription.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	SubmitSubject string `toml:"submit_subject"`
	TextBucket    string `toml:"text_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	LogsDir string `toml:"logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	LongText  LongTextConfig  `toml:"long_text"`
	Retention RetentionConfig `toml:"retention"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Voices    VoicesConfig    `toml:"voices"`
	Audio     AudioConfig     `toml:"audio"`
	Archive   ArchiveConfig   `toml:"archive"`
	NATS      NATSConfig      `toml:"nats"`
	Paths     PathsConfig     `toml:"paths"`
}

// Default returns a configuration with every value set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:                   ":8080",
			ReadHeaderTimeoutSeconds: 10,
			StreamPollSeconds:        2,
			StreamStepPercent:        5,
		},
		Storage: StorageConfig{
			Backend:    BackendFilesystem,
			JobsDir:    "data/long_text_jobs",
			HistoryDir: "data/history",
			SQLitePath: "data/jobs.db",
		},
		LongText: LongTextConfig{
			MinLength:         3000,
			MaxLength:         100000,
			ChunkSize:         2500,
			ChunkOverlap:      0,
			SilencePaddingMs:  200,
			MaxConcurrentJobs: 3,
			DefaultFormat:     "wav",
			RecoverOnStartup:  true,
		},
		Retention: RetentionConfig{
			RetentionDays:          7,
			MaxStorageBytes:        0,
			AutoArchiveDays:        30,
			CleanupIntervalMinutes: 60,
		},
		Synthesis: SynthesisConfig{
			URL:                "http://localhost:8000",
			TimeoutSeconds:     300,
			HealthAttempts:     5,
			HealthDelaySeconds: 2,
			Exaggeration:       0.5,
			CFGWeight:          0.5,
			Temperature:        0.8,
			NormalizeText:      true,
		},
		Voices: VoicesConfig{
			Dir:             "voices",
			DefaultVoice:    "default",
			DefaultLanguage: "en",
			Languages:       map[string]string{},
		},
		Audio:   AudioConfig{FFmpegPath: "ffmpeg"},
		Archive: ArchiveConfig{Backend: BackendFilesystem, Bucket: "LONGFORM_HISTORY"},
		NATS: NATSConfig{
			URL:           "",
			SubjectPrefix: "longform.jobs",
			SubmitSubject: "longform.submit",
			TextBucket:    "LONGFORM_TEXT",
		},
		Paths: PathsConfig{LogsDir: "logs"},
	}
}

// Load loads the configuration through the central configurator, on top of the defaults.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// LoadFile reads a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.LongText.MinLength < 0:
		return fmt.Errorf("%w: long_text.min_length must be non-negative", ErrInvalidConfig)
	case c.LongText.MaxLength <= c.LongText.MinLength:
		return fmt.Errorf("%w: long_text.max_length must exceed min_length", ErrInvalidConfig)
	case c.LongText.ChunkSize <= 0:
		return fmt.Errorf("%w: long_text.chunk_size must be positive", ErrInvalidConfig)
	case c.LongText.ChunkOverlap < 0 || c.LongText.ChunkOverlap >= c.LongText.ChunkSize:
		return fmt.Errorf("%w: long_text.chunk_overlap must be in [0, chunk_size)", ErrInvalidConfig)
	case c.LongText.MaxConcurrentJobs <= 0:
		return fmt.Errorf("%w: long_text.max_concurrent_jobs must be positive", ErrInvalidConfig)
	case c.LongText.SilencePaddingMs < 0:
		return fmt.Errorf("%w: long_text.silence_padding_ms must be non-negative", ErrInvalidConfig)
	case c.Retention.RetentionDays <= 0:
		return fmt.Errorf("%w: retention.retention_days must be positive", ErrInvalidConfig)
	case c.Server.StreamPollSeconds <= 0 || c.Server.StreamStepPercent <= 0:
		return fmt.Errorf("%w: server stream settings must be positive", ErrInvalidConfig)
	}

	switch c.Storage.Backend {
	case BackendFilesystem, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	// Orphan cleanup removes anything under jobs_dir that is not a job.
	if within(c.Storage.JobsDir, c.Storage.HistoryDir) {
		return fmt.Errorf("%w: storage.history_dir must not be inside storage.jobs_dir", ErrInvalidConfig)
	}

	if c.Storage.Backend == BackendSQLite && within(c.Storage.JobsDir, c.Storage.SQLitePath) {
		return fmt.Errorf("%w: storage.sqlite_path must not be inside storage.jobs_dir", ErrInvalidConfig)
	}

	switch c.Archive.Backend {
	case BackendFilesystem:
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats archive requires nats.url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown archive backend %q", ErrInvalidConfig, c.Archive.Backend)
	}

	return nil
}

// within reports whether path is dir itself or lies below it.
func within(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// EffectiveChunkSize caps the chunk size below the single-request text limit.
func (c *Config) EffectiveChunkSize() int {
	const margin = 100

	limit := c.LongText.MinLength - margin
	if limit > 0 && limit < c.LongText.ChunkSize {
		return limit
	}

	return c.LongText.ChunkSize
}

// SynthesisTimeout returns the per-request timeout of the synthesis engine.
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.Synthesis.TimeoutSeconds) * time.Second
}

// CleanupInterval returns the period of the maintenance loop; zero disables it.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Retention.CleanupIntervalMinutes) * time.Minute
}

// StreamPollInterval returns the polling period of progress streams.
func (c *Config) StreamPollInterval() time.Duration {
	return time.Duration(c.Server.StreamPollSeconds) * time.Second
}

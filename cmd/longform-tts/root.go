package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "LONGFORM"
	bootstrapLogFileName = "longform-tts-bootstrap.log"
)

// Flag names of the persistent overrides.
const (
	flagConfig         = "config"
	flagListen         = "listen"
	flagStorageBackend = "storage-backend"
	flagJobsDir        = "jobs-dir"
	flagSynthesisURL   = "synthesis-url"
	flagNATSURL        = "nats-url"
	flagLogsDir        = "logs-dir"
)

// overrideFlags maps configuration keys to the flags that override them. Every
// key can also be set through LONGFORM_<SECTION>_<KEY>.
var overrideFlags = map[string]string{
	"server.listen":    flagListen,
	"storage.backend":  flagStorageBackend,
	"storage.jobs_dir": flagJobsDir,
	"synthesis.url":    flagSynthesisURL,
	"nats.url":         flagNATSURL,
	"paths.logs_dir":   flagLogsDir,
}

// rootOptions holds what every command needs to load its configuration.
type rootOptions struct {
	configPath string
	overrides  *viper.Viper
}

func newRootOptions() *rootOptions {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &rootOptions{overrides: v}
}

func newRootCmd() *cobra.Command {
	opts := newRootOptions()

	cmd := &cobra.Command{
		Use:   "longform-tts",
		Short: "Long-text speech synthesis service",
		Long: `longform-tts turns very long texts into one audio file. Texts are split
into chunks, synthesized one by one by an external engine and merged.

Jobs run in the background and can be paused, resumed, cancelled and retried.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bindFlags(cmd)

	cmd.AddCommand(
		newServeCmd(opts),
		newCleanupCmd(opts),
		newArchiveCmd(opts),
		newStatsCmd(opts),
		newSubmitCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

func (o *rootOptions) bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.configPath, flagConfig, "", "TOML config file (default: configurator discovery)")
	flags.String(flagListen, "", "HTTP listen address")
	flags.String(flagStorageBackend, "", "job store backend: filesystem or sqlite")
	flags.String(flagJobsDir, "", "directory holding job working areas")
	flags.String(flagSynthesisURL, "", "base URL of the synthesis engine")
	flags.String(flagNATSURL, "", "NATS server URL")
	flags.String(flagLogsDir, "", "directory for log files")

	for key, name := range overrideFlags {
		_ = o.overrides.BindPFlag(key, flags.Lookup(name))
	}
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// loadConfig reads the config file, or runs configurator discovery without one,
// then applies flag and environment overrides.
func (o *rootOptions) loadConfig(log *logger.Logger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load(log)
	}

	if err != nil {
		return nil, err
	}

	applyOverrides(cfg, o.overrides)

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	overrideString(v, "server.listen", &cfg.Server.Listen)
	overrideString(v, "storage.backend", &cfg.Storage.Backend)
	overrideString(v, "storage.jobs_dir", &cfg.Storage.JobsDir)
	overrideString(v, "storage.history_dir", &cfg.Storage.HistoryDir)
	overrideString(v, "storage.sqlite_path", &cfg.Storage.SQLitePath)
	overrideString(v, "synthesis.url", &cfg.Synthesis.URL)
	overrideString(v, "voices.dir", &cfg.Voices.Dir)
	overrideString(v, "audio.ffmpeg_path", &cfg.Audio.FFmpegPath)
	overrideString(v, "archive.backend", &cfg.Archive.Backend)
	overrideString(v, "nats.url", &cfg.NATS.URL)
	overrideString(v, "paths.logs_dir", &cfg.Paths.LogsDir)

	if v.IsSet("long_text.max_concurrent_jobs") {
		cfg.LongText.MaxConcurrentJobs = v.GetInt("long_text.max_concurrent_jobs")
	}

	if v.IsSet("retention.retention_days") {
		cfg.Retention.RetentionDays = v.GetInt("retention.retention_days")
	}
}

func overrideString(v *viper.Viper, key string, target *string) {
	if v.IsSet(key) {
		*target = v.GetString(key)
	}
}

// session is a loaded configuration together with the final logger.
type session struct {
	cfg *config.Config
	log *logger.Logger
}

func (s *session) close() {
	closeErr := s.log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
	}
}

// open loads the configuration with a bootstrap logger in the temp dir, then
// creates the final logger in the configured logs directory.
func (o *rootOptions) open(logFileName string) (*session, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := o.loadConfig(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.LogsDir, logFileName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, err
	}

	return &session{cfg: cfg, log: finalLog}, nil
}

// withServices runs fn against freshly built services that are not started.
func (o *rootOptions) withServices(
	ctx context.Context,
	logFileName string,
	fn func(svc *app.Services) error,
) error {
	sess, err := o.open(logFileName)
	if err != nil {
		return err
	}
	defer sess.close()

	svc, err := app.New(ctx, sess.cfg, sess.log)
	if err != nil {
		sess.log.Error("Failed to build services: %v", err)

		return err
	}
	defer svc.Close()

	return fn(svc)
}

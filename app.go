package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"reddit-notifier/config"
	"reddit-notifier/digest"
	"reddit-notifier/email"
	"reddit-notifier/poll"
	"reddit-notifier/search"
	"reddit-notifier/storage"
)

const defaultDedupeFile = "old_results.csv"

// environment holds the wired pipeline and what must be closed on exit.
type environment struct {
	cfg     *config.Config
	logger  *slog.Logger
	monitor *poll.Monitor
	closers []io.Closer
}

func (e *environment) close() {
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

// setup loads configuration and wires the search, dedupe, digest and email
// components into a monitor.
func setup(ctx context.Context, cmd *cobra.Command) (*environment, error) {
	a, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, logFile, err := newLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	env := &environment{cfg: cfg, logger: logger}
	if logFile != nil {
		env.closers = append(env.closers, logFile)
	}
	logger.Info("Configuration loaded",
		"files", a.Files(),
		"searches", len(cfg.Searches),
		"interval", cfg.Interval.String(),
		"email_provider", cfg.Email.Provider,
		"skip_dedupe", cfg.Dedupe.Skip)

	store, err := newStore(ctx, cfg.Dedupe, logger, env)
	if err != nil {
		env.close()
		return nil, err
	}

	provider, err := newProvider(ctx, cfg.Email, logger)
	if err != nil {
		env.close()
		return nil, err
	}

	searcher := search.New(ctx, search.Config{
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		ClientID:          cfg.Reddit.ClientID,
		ClientSecret:      cfg.Reddit.ClientSecret,
		UserAgent:         cfg.Reddit.UserAgent,
		TimeFilter:        cfg.Reddit.TimeFilter,
		MaxResults:        cfg.Reddit.MaxResults,
		RequestsPerSecond: cfg.Reddit.RequestsPerSecond,
	}, logger)

	env.monitor = poll.New(&poll.Config{
		Searcher:              searcher,
		Store:                 store,
		Renderer:              digest.New(cfg.Digest.BaseURL, cfg.Digest.Heading),
		Emailer:               email.New(provider, logger, cfg.Email.Sender, cfg.Email.Subject),
		Logger:                logger,
		DefaultRecipient:      cfg.DefaultRecipient,
		Searches:              cfg.Searches,
		SkipDedupe:            cfg.Dedupe.Skip,
		PersistBeforeDelivery: cfg.Dedupe.PersistBeforeDelivery,
	})
	return env, nil
}

// Log file rotation limits.
const (
	logMaxSizeMB  = 1
	logMaxBackups = 10
)

// newLogger builds the JSON logger for stdout. When cfg.File is set, records
// also go to a size-rotated file filtered by its own level; the caller must
// close the returned file.
func newLogger(cfg config.LoggingConfig, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	consoleLevel, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Verbose {
		consoleLevel = slog.LevelDebug
	}
	console := slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: consoleLevel})
	if cfg.File == "" {
		return slog.New(console), nil, nil
	}

	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		if fileLevel, err = parseLevel(cfg.FileLevel); err != nil {
			return nil, nil, err
		}
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
	file := slog.NewJSONHandler(rotated, &slog.HandlerOptions{Level: fileLevel})
	return slog.New(fanout{console, file}), rotated, nil
}

// fanout sends each record to every handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// parseLevel accepts debug, info, warn (or warning) and error in any case.
// Empty means info.
func parseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "critical":
		return slog.LevelError, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// newStore picks the dedupe backend: an explicit local path, else the Cloud
// Storage object when a bucket is configured, else old_results.csv beside the
// executable.
func newStore(ctx context.Context, cfg config.DedupeConfig, logger *slog.Logger, env *environment) (*storage.Store, error) {
	if cfg.Path == "" && cfg.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		env.closers = append(env.closers, client)
		s := storage.New(client, cfg.Bucket, cfg.Object, "", logger)
		logger.Info("Using Cloud Storage dedupe store", "location", s.Location())
		return s, nil
	}

	path := cfg.Path
	if path == "" {
		path = defaultDedupePath()
	}
	s := storage.New(nil, "", "", path, logger)
	logger.Info("Using local dedupe store", "location", s.Location())
	return s, nil
}

func defaultDedupePath() string {
	exe, err := os.Executable()
	if err != nil {
		return defaultDedupeFile
	}
	return filepath.Join(filepath.Dir(exe), defaultDedupeFile)
}

func newProvider(ctx context.Context, cfg config.EmailConfig, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Provider {
	case "mock":
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	case "brevo":
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromName, logger), nil
	case "gmail":
		svc, err := email.NewGmailService(ctx, email.GmailCredentials{
			CredentialsJSON: cfg.CredentialsJSON,
			ClientID:        cfg.ClientID,
			ClientSecret:    cfg.ClientSecret,
			RefreshToken:    cfg.RefreshToken,
			UseDefault:      cfg.CredentialsJSON == "" && cfg.RefreshToken == "" && isCloudRun(ctx),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // best effort
	}()

	return resp.StatusCode == http.StatusOK
}

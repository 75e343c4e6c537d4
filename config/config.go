// Package config provides layered, Viper-based configuration for the notifier.
//
// Sources, lowest precedence first: built-in defaults, the base config file,
// the user config file, then REDDIT_NOTIFIER_* environment variables
// (a .env file in the working directory is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"reddit-notifier/pkg/notifier"
)

// EnvPrefix prefixes environment overrides, e.g. REDDIT_NOTIFIER_EMAIL_SETTINGS_EMAIL_SENDER.
const EnvPrefix = "REDDIT_NOTIFIER"

// BaseConfigName is the base config file looked up beside the binary and in the working directory.
const BaseConfigName = "default_base_config.json"

// ErrMissingKey matches every *MissingKeyError.
var ErrMissingKey = errors.New("missing required configuration key")

// MissingKeyError reports a required key that no source provides.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("value could not be found for key [%s]", e.Key)
}

// Is makes errors.Is(err, ErrMissingKey) succeed.
func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// Accessor is a read-only key lookup over the merged sources.
type Accessor struct {
	v     *viper.Viper
	files []string
}

// Load merges the given config files in order; later files override earlier
// ones. Empty paths are skipped, missing files are an error.
func Load(files ...string) (*Accessor, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	a := &Accessor{v: v}
	for _, f := range files {
		if f == "" {
			continue
		}
		v.SetConfigFile(f)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", f, err)
		}
		a.files = append(a.files, f)
	}
	return a, nil
}

// BindFlag lets a command-line flag override key. An unset flag leaves the
// other sources in charge.
func (a *Accessor) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: no such flag", key)
	}
	return a.v.BindPFlag(key, flag)
}

// Files returns the config files that were merged.
func (a *Accessor) Files() []string {
	return a.files
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("search_interval_minutes", 30)

	v.SetDefault("reddit.user_agent", "reddit-search-and-email")
	v.SetDefault("reddit.time_filter", "week")
	v.SetDefault("reddit.max_results", 1000)
	v.SetDefault("reddit.requests_per_second", 1.0)

	v.SetDefault("email_settings.provider", "gmail")
	v.SetDefault("email_settings.email_subject_text", "New Reddit Search Results")
	v.SetDefault("email_settings.from_name", "Reddit Notifier")

	v.SetDefault("dedupe.gcs_object", "old_results.csv")
	v.SetDefault("dedupe.persist_before_delivery", false)
	v.SetDefault("dedupe.skip", false)
	v.SetDefault("run.once", false)

	v.SetDefault("digest.base_url", "https://reddit.com")
	v.SetDefault("digest.heading", "New Search Results Found!")

	v.SetDefault("logging.console_log_level", "info")

	v.SetDefault("server.port", "8080")
}

// TryGet returns the value for key and whether any source sets it.
// Empty strings count as absent.
func (a *Accessor) TryGet(key string) (any, bool) {
	if key == "" || !a.v.IsSet(key) {
		return nil, false
	}
	val := a.v.Get(key)
	if s, ok := val.(string); ok && s == "" {
		return nil, false
	}
	return val, val != nil
}

// Get returns the value for a required key.
func (a *Accessor) Get(key string) (any, error) {
	val, ok := a.TryGet(key)
	if !ok {
		return nil, &MissingKeyError{Key: key}
	}
	return val, nil
}

// String returns a required string value.
func (a *Accessor) String(key string) (string, error) {
	if _, err := a.Get(key); err != nil {
		return "", err
	}
	return a.v.GetString(key), nil
}

// StringOr returns the value for key, or for each fallback key in turn,
// or "" when none is set.
func (a *Accessor) StringOr(key string, fallbacks ...string) string {
	for _, k := range append([]string{key}, fallbacks...) {
		if _, ok := a.TryGet(k); ok {
			return a.v.GetString(k)
		}
	}
	return ""
}

// Int returns an integer value; zero when absent.
func (a *Accessor) Int(key string) int {
	return a.v.GetInt(key)
}

// Float returns a float value; zero when absent.
func (a *Accessor) Float(key string) float64 {
	return a.v.GetFloat64(key)
}

// Bool returns a boolean value; false when absent.
func (a *Accessor) Bool(key string) bool {
	return a.v.GetBool(key)
}

// Searches decodes and validates the ordered "searches" list.
func (a *Accessor) Searches() ([]notifier.SearchSpec, error) {
	if _, err := a.Get("searches"); err != nil {
		return nil, err
	}
	var specs []notifier.SearchSpec
	if err := a.v.UnmarshalKey("searches", &specs); err != nil {
		return nil, fmt.Errorf("decode searches: %w", err)
	}
	if len(specs) == 0 {
		return nil, &MissingKeyError{Key: "searches"}
	}
	for i, s := range specs {
		switch {
		case s.Name == "":
			return nil, &MissingKeyError{Key: fmt.Sprintf("searches[%d].search_name", i)}
		case s.Subreddits == "":
			return nil, &MissingKeyError{Key: fmt.Sprintf("searches[%d].subreddits", i)}
		case s.Query == "":
			return nil, &MissingKeyError{Key: fmt.Sprintf("searches[%d].search_params", i)}
		}
	}
	return specs, nil
}

// Config is the typed view of every setting the notifier uses.
type Config struct {
	Logging          LoggingConfig
	Reddit           RedditConfig
	Email            EmailConfig
	Dedupe           DedupeConfig
	Digest           DigestConfig
	Server           ServerConfig
	DefaultRecipient string
	Searches         []notifier.SearchSpec
	Interval         time.Duration
	Once             bool // Run the pipeline once and exit
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string // Console level
	File      string // Rotated log file; empty disables file logging
	FileLevel string // File level; empty follows Level
	Verbose   bool   // Forces debug level on the console
}

// RedditConfig contains Reddit API settings.
type RedditConfig struct {
	ClientID          string
	ClientSecret      string
	UserAgent         string
	TimeFilter        string
	MaxResults        int
	RequestsPerSecond float64
}

// EmailConfig contains delivery settings.
type EmailConfig struct {
	Provider        string // gmail, brevo or mock
	Sender          string
	FromName        string
	Subject         string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	CredentialsJSON string
	BrevoAPIKey     string
}

// DedupeConfig selects the dedupe store backend.
type DedupeConfig struct {
	Path                  string // Local file; wins over GCS when set
	Bucket                string
	Object                string
	PersistBeforeDelivery bool
	Skip                  bool // Ignore and never update the seen set
}

// DigestConfig contains digest rendering settings.
type DigestConfig struct {
	BaseURL string
	Heading string
}

// ServerConfig contains HTTP trigger settings.
type ServerConfig struct {
	Port string
}

// Config resolves and validates the typed configuration. Missing required
// keys produce a *MissingKeyError before any run is attempted.
func (a *Accessor) Config() (*Config, error) {
	searches, err := a.Searches()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Searches:         searches,
		DefaultRecipient: a.StringOr("email_settings.default_email_recipient", "email_settings.email_recipient"),
		Interval:         time.Duration(a.Int("search_interval_minutes")) * time.Minute,
		Once:             a.Bool("run.once"),
		Logging: LoggingConfig{
			Level:     a.v.GetString("logging.console_log_level"),
			File:      a.StringOr("logging.file_log_filepath", "logging.file_log_absolute_path"),
			FileLevel: a.StringOr("logging.file_log_level"),
			Verbose:   a.Bool("logging.verbose"),
		},
		Reddit: RedditConfig{
			ClientID:          a.StringOr("reddit.client_id", "praw_client_id"),
			ClientSecret:      a.StringOr("reddit.client_secret", "praw_client_secret"),
			UserAgent:         a.v.GetString("reddit.user_agent"),
			TimeFilter:        a.v.GetString("reddit.time_filter"),
			MaxResults:        a.Int("reddit.max_results"),
			RequestsPerSecond: a.Float("reddit.requests_per_second"),
		},
		Email: EmailConfig{
			Provider:        strings.ToLower(a.v.GetString("email_settings.provider")),
			FromName:        a.v.GetString("email_settings.from_name"),
			Subject:         a.v.GetString("email_settings.email_subject_text"),
			ClientID:        a.StringOr("email_settings.google_api_client_id"),
			ClientSecret:    a.StringOr("email_settings.google_api_client_secret"),
			RefreshToken:    a.StringOr("email_settings.google_refresh_token"),
			CredentialsJSON: a.StringOr("email_settings.google_credentials_json"),
			BrevoAPIKey:     a.StringOr("email_settings.brevo_api_key"),
		},
		Dedupe: DedupeConfig{
			Path:                  a.StringOr("dedupe.path"),
			Bucket:                a.StringOr("dedupe.gcs_bucket"),
			Object:                a.v.GetString("dedupe.gcs_object"),
			PersistBeforeDelivery: a.Bool("dedupe.persist_before_delivery"),
			Skip:                  a.Bool("dedupe.skip"),
		},
		Digest: DigestConfig{
			BaseURL: a.v.GetString("digest.base_url"),
			Heading: a.v.GetString("digest.heading"),
		},
		Server: ServerConfig{
			Port: a.v.GetString("server.port"),
		},
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("search_interval_minutes must be positive, got %d", a.Int("search_interval_minutes"))
	}

	for _, s := range searches {
		if s.Recipient == "" && cfg.DefaultRecipient == "" {
			return nil, &MissingKeyError{Key: "email_settings.default_email_recipient"}
		}
	}

	switch cfg.Email.Provider {
	case "mock":
	case "gmail", "brevo":
		if cfg.Email.Sender, err = a.String("email_settings.email_sender"); err != nil {
			return nil, err
		}
		if cfg.Email.Provider == "brevo" && cfg.Email.BrevoAPIKey == "" {
			return nil, &MissingKeyError{Key: "email_settings.brevo_api_key"}
		}
	default:
		return nil, fmt.Errorf("unknown email_settings.provider %q", cfg.Email.Provider)
	}
	if cfg.Email.Sender == "" {
		cfg.Email.Sender = a.StringOr("email_settings.email_sender")
	}

	return cfg, nil
}

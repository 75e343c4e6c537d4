package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseJSON = `{
  "search_interval_minutes": 15,
  "praw_client_id": "base-id",
  "email_settings": {
    "email_sender": "bot@example.com",
    "default_email_recipient": "default@x.com",
    "email_subject_text": "Base subject"
  },
  "logging": {"console_log_level": "debug"},
  "searches": [
    {"search_name": "base", "subreddits": "golang", "search_params": "generics"}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMergesFilesInOrder(t *testing.T) {
	base := writeFile(t, "default_base_config.json", baseJSON)
	user := writeFile(t, "user.json", `{
	  "email_settings": {"email_subject_text": "User subject"},
	  "searches": [
	    {"search_name": "mechs", "subreddits": "mechmarket+hardwareswap", "search_params": "title:GMK", "email_recipient": "me@x.com"},
	    {"search_name": "deals", "subreddits": "buildapcsales", "search_params": "ssd"}
	  ]
	}`)

	a, err := Load(base, user)
	require.NoError(t, err)
	assert.Equal(t, []string{base, user}, a.Files())

	cfg, err := a.Config()
	require.NoError(t, err)

	assert.Equal(t, "User subject", cfg.Email.Subject, "later file overrides")
	assert.Equal(t, "bot@example.com", cfg.Email.Sender, "base value survives merge")
	assert.Equal(t, "default@x.com", cfg.DefaultRecipient)
	assert.Equal(t, 15*time.Minute, cfg.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "base-id", cfg.Reddit.ClientID, "legacy praw_client_id is honoured")

	require.Len(t, cfg.Searches, 2)
	assert.Equal(t, "mechs", cfg.Searches[0].Name)
	assert.Equal(t, "mechmarket+hardwareswap", cfg.Searches[0].Subreddits)
	assert.Equal(t, "title:GMK", cfg.Searches[0].Query)
	assert.Equal(t, "me@x.com", cfg.Searches[0].Recipient)
	assert.Equal(t, "", cfg.Searches[1].Recipient)
}

func TestDefaultsApply(t *testing.T) {
	a, err := Load(writeFile(t, "c.json", baseJSON))
	require.NoError(t, err)

	cfg, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, "gmail", cfg.Email.Provider)
	assert.Equal(t, "week", cfg.Reddit.TimeFilter)
	assert.Equal(t, 1000, cfg.Reddit.MaxResults)
	assert.Equal(t, "old_results.csv", cfg.Dedupe.Object)
	assert.False(t, cfg.Dedupe.PersistBeforeDelivery)
	assert.Equal(t, "https://reddit.com", cfg.Digest.BaseURL)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDDIT_NOTIFIER_EMAIL_SETTINGS_EMAIL_SENDER", "env@example.com")
	t.Setenv("REDDIT_NOTIFIER_DEDUPE_PATH", "/tmp/seen.txt")

	a, err := Load(writeFile(t, "c.json", baseJSON))
	require.NoError(t, err)

	cfg, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.Email.Sender)
	assert.Equal(t, "/tmp/seen.txt", cfg.Dedupe.Path)
}

func TestGetAndTryGet(t *testing.T) {
	a, err := Load(writeFile(t, "c.json", baseJSON))
	require.NoError(t, err)

	val, err := a.Get("email_settings.email_sender")
	require.NoError(t, err)
	assert.Equal(t, "bot@example.com", val)

	_, ok := a.TryGet("email_settings.nope")
	assert.False(t, ok)

	_, err = a.Get("email_settings.nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))

	var mk *MissingKeyError
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, "email_settings.nope", mk.Key)

	_, err = a.Get("")
	assert.True(t, errors.Is(err, ErrMissingKey))
}

func TestConfigRequiresDefaultRecipientOnlyWhenNeeded(t *testing.T) {
	withOverride := writeFile(t, "c.json", `{
	  "email_settings": {"email_sender": "bot@example.com"},
	  "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q", "email_recipient": "me@x.com"}]
	}`)
	a, err := Load(withOverride)
	require.NoError(t, err)
	_, err = a.Config()
	require.NoError(t, err)

	withoutOverride := writeFile(t, "c.json", `{
	  "email_settings": {"email_sender": "bot@example.com"},
	  "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q"}]
	}`)
	a, err = Load(withoutOverride)
	require.NoError(t, err)
	_, err = a.Config()

	var mk *MissingKeyError
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, "email_settings.default_email_recipient", mk.Key)
}

func TestConfigMissingRequiredKeys(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantKey string
	}{
		{
			name:    "no searches",
			json:    `{"email_settings": {"email_sender": "bot@example.com", "default_email_recipient": "a@x.com"}}`,
			wantKey: "searches",
		},
		{
			name:    "search without query",
			json:    `{"email_settings": {"email_sender": "bot@example.com", "default_email_recipient": "a@x.com"}, "searches": [{"search_name": "a", "subreddits": "golang"}]}`,
			wantKey: "searches[0].search_params",
		},
		{
			name:    "gmail without sender",
			json:    `{"email_settings": {"default_email_recipient": "a@x.com"}, "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q"}]}`,
			wantKey: "email_settings.email_sender",
		},
		{
			name:    "brevo without key",
			json:    `{"email_settings": {"provider": "brevo", "email_sender": "bot@example.com", "default_email_recipient": "a@x.com"}, "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q"}]}`,
			wantKey: "email_settings.brevo_api_key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Load(writeFile(t, "c.json", tt.json))
			require.NoError(t, err)

			_, err = a.Config()
			var mk *MissingKeyError
			require.True(t, errors.As(err, &mk), "got %v", err)
			assert.Equal(t, tt.wantKey, mk.Key)
		})
	}
}

func TestMockProviderNeedsNoSender(t *testing.T) {
	a, err := Load(writeFile(t, "c.json", `{
	  "email_settings": {"provider": "mock", "default_email_recipient": "a@x.com"},
	  "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q"}]
	}`))
	require.NoError(t, err)

	cfg, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.Email.Provider)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestBindFlagOverridesFiles(t *testing.T) {
	a, err := Load(writeFile(t, "c.json", `{
	  "email_settings": {"provider": "mock", "default_email_recipient": "a@x.com"},
	  "dedupe": {"skip": false},
	  "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q"}]
	}`))
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.BoolP("skipdedupe", "s", false, "")
	fs.BoolP("onerun", "o", false, "")
	require.NoError(t, a.BindFlag("dedupe.skip", fs.Lookup("skipdedupe")))
	require.NoError(t, a.BindFlag("run.once", fs.Lookup("onerun")))
	require.Error(t, a.BindFlag("logging.verbose", fs.Lookup("missing")))

	require.NoError(t, fs.Parse([]string{"-s"}))

	cfg, err := a.Config()
	require.NoError(t, err)
	assert.True(t, cfg.Dedupe.Skip, "set flag wins over file")
	assert.False(t, cfg.Once, "unset flag keeps default")
}

func TestLoggingFileSettings(t *testing.T) {
	a, err := Load(writeFile(t, "c.json", `{
	  "email_settings": {"provider": "mock", "default_email_recipient": "a@x.com"},
	  "logging": {"console_log_level": "warn", "file_log_filepath": "/var/log/notifier.log", "file_log_level": "debug"},
	  "searches": [{"search_name": "a", "subreddits": "golang", "search_params": "q"}]
	}`))
	require.NoError(t, err)

	cfg, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/log/notifier.log", cfg.Logging.File)
	assert.Equal(t, "debug", cfg.Logging.FileLevel)
}

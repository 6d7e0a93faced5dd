package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.Development())
	assert.Equal(t, "lead-processing", cfg.QueueName)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "MOCK", cfg.CRMProvider)
	assert.Equal(t, "local", cfg.AIProvider)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Worker.BaseDelay)
	assert.Equal(t, "truncate", cfg.RedactionStrategy)
	assert.Equal(t, time.Minute, cfg.ProviderWindow())
}

func TestLoad_YAMLProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "production.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
environment: production
queue_name: lead-processing-eu
crm_provider: SALESFORCE
worker:
  concurrency: 16
  max_attempts: 3
rate_limit:
  requests: 500
  window_seconds: 30
`), 0o600))

	cfg, err := config.Load(profile)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.Development())
	assert.Equal(t, "lead-processing-eu", cfg.QueueName)
	assert.Equal(t, "SALESFORCE", cfg.CRMProvider)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.ProviderWindow())
	// Unset profile keys keep their defaults.
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_EnvOverridesProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("queue_name: from-profile\n"), 0o600))

	t.Setenv("QUEUE_NAME", "from-env")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("CRM_RATE_LIMIT_REQUESTS", "250")

	cfg, err := config.Load(profile)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.QueueName, "environment wins over the profile")
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 250, cfg.RateLimit.Requests)
}

func TestLoad_ProfileFromEnvVar(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("queue_name: via-config-file\n"), 0o600))
	t.Setenv("CONFIG_FILE", profile)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "via-config-file", cfg.QueueName)
}

func TestLoad_MissingProfile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read profile")
}

func TestLoad_MalformedProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("queue_name: [unclosed\n"), 0o600))

	_, err := config.Load(profile)
	assert.ErrorContains(t, err, "parse profile")
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty queue name", `queue_name: ""`, "queue name"},
		{"zero concurrency", "worker:\n  concurrency: -1\n", "concurrency"},
		{"zero rate limit", "rate_limit:\n  requests: 0\n  window_seconds: 0\n", "rate limit"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			profile := filepath.Join(t.TempDir(), "profile.yaml")
			require.NoError(t, os.WriteFile(profile, []byte(c.yaml), 0o600))

			_, err := config.Load(profile)
			assert.ErrorContains(t, err, c.wantErr)
		})
	}
}

func TestLoad_EmptyEnvValueIsIgnored(t *testing.T) {
	t.Setenv("QUEUE_NAME", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "lead-processing", cfg.QueueName, "an empty variable keeps the default")
}

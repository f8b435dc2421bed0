package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Custody.BaseURL = "https://custody.example.com"
	cfg.Custody.WSURL = "wss://custody.example.com/ws"
	cfg.Custody.APIKey = "key"
	cfg.Custody.APISecret = "secret"
	cfg.Custody.VaultAddress = "0x52908400098527886E0F7030069857D2E4169EE7"
	cfg.Execution.BaseURL = "https://execution.example.com"
	cfg.Execution.APIKey = "key"
	cfg.Execution.APISecret = "secret"
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	cfg.Custody.BaseURL = ""
	cfg.Custody.VaultAddress = "not-an-address"
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "turbo"`)
	assert.Contains(t, err.Error(), "custody: base_url")
	assert.Contains(t, err.Error(), "vault_address")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidateRequiresSecretSource(t *testing.T) {
	cfg := validConfig()
	cfg.Custody.APISecret = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custody: either api_secret or encrypted_secret_path")

	cfg.Custody.EncryptedSecretPath = "/etc/rangekeeper/secret.enc"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custody: secret_password is required")

	cfg.Custody.SecretPassword = "hunter2"
	require.NoError(t, cfg.Validate())
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Enabled = false
	cfg.S3.Bucket = ""
	cfg.Decision.Enabled = false
	cfg.Decision.BaseAsset = ""
	require.NoError(t, cfg.Validate())

	cfg.S3.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RANGEKEEPER_MODE", "sync")
	t.Setenv("RANGEKEEPER_CUSTODY_API_SECRET", "from-env")
	t.Setenv("RANGEKEEPER_MONITOR_SWEEP_INTERVAL", "45s")
	t.Setenv("RANGEKEEPER_DECISION_AUTO_EXECUTE", "true")
	t.Setenv("RANGEKEEPER_NOTIFY_EVENTS", "error, position_failed")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "sync", cfg.Mode)
	assert.Equal(t, "from-env", cfg.Custody.APISecret)
	assert.Equal(t, 45*time.Second, cfg.Monitor.SweepInterval.Duration)
	assert.True(t, cfg.Decision.AutoExecute)
	assert.Equal(t, []string{"error", "position_failed"}, cfg.Notify.Events)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pgpass"
	cfg.Notify.TelegramToken = "tg-token"

	out := RedactedConfig(&cfg)

	assert.Equal(t, redacted, out.Custody.APISecret)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Notify.TelegramToken)
	// Non-secret fields pass through untouched.
	assert.Equal(t, cfg.Custody.BaseURL, out.Custody.BaseURL)
	assert.Equal(t, "pgpass", cfg.Postgres.Password)
}

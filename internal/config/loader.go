package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of the built-in defaults, applies
// RANGEKEEPER_* environment overrides, and returns the result. The caller
// runs Config.Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// A .env file is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields from well-known RANGEKEEPER_* variables
// when set, so operators can inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// Custody gateway
	setStr(&cfg.Custody.BaseURL, "RANGEKEEPER_CUSTODY_BASE_URL")
	setStr(&cfg.Custody.WSURL, "RANGEKEEPER_CUSTODY_WS_URL")
	setStr(&cfg.Custody.APIKey, "RANGEKEEPER_CUSTODY_API_KEY")
	setStr(&cfg.Custody.APISecret, "RANGEKEEPER_CUSTODY_API_SECRET")
	setStr(&cfg.Custody.EncryptedSecretPath, "RANGEKEEPER_CUSTODY_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Custody.SecretPassword, "RANGEKEEPER_CUSTODY_SECRET_PASSWORD")
	setStr(&cfg.Custody.VaultAddress, "RANGEKEEPER_CUSTODY_VAULT_ADDRESS")
	setFloat64(&cfg.Custody.MaxSlippagePct, "RANGEKEEPER_CUSTODY_MAX_SLIPPAGE_PCT")

	// Execution gateway
	setStr(&cfg.Execution.BaseURL, "RANGEKEEPER_EXECUTION_BASE_URL")
	setStr(&cfg.Execution.APIKey, "RANGEKEEPER_EXECUTION_API_KEY")
	setStr(&cfg.Execution.APISecret, "RANGEKEEPER_EXECUTION_API_SECRET")
	setStr(&cfg.Execution.EncryptedSecretPath, "RANGEKEEPER_EXECUTION_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Execution.SecretPassword, "RANGEKEEPER_EXECUTION_SECRET_PASSWORD")

	// Postgres
	setStr(&cfg.Postgres.DSN, "RANGEKEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RANGEKEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RANGEKEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RANGEKEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RANGEKEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RANGEKEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RANGEKEEPER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RANGEKEEPER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RANGEKEEPER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RANGEKEEPER_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "RANGEKEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RANGEKEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RANGEKEEPER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RANGEKEEPER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RANGEKEEPER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RANGEKEEPER_REDIS_TLS_ENABLED")

	// S3
	setBool(&cfg.S3.Enabled, "RANGEKEEPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "RANGEKEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RANGEKEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "RANGEKEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RANGEKEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RANGEKEEPER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "RANGEKEEPER_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "RANGEKEEPER_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "RANGEKEEPER_S3_ARCHIVE_CRON")

	// Monitor
	setDuration(&cfg.Monitor.SweepInterval, "RANGEKEEPER_MONITOR_SWEEP_INTERVAL")
	setInt(&cfg.Monitor.Concurrency, "RANGEKEEPER_MONITOR_CONCURRENCY")

	// Reconcile
	setDuration(&cfg.Reconcile.PollInterval, "RANGEKEEPER_RECONCILE_POLL_INTERVAL")
	setDuration(&cfg.Reconcile.StalePendingAfter, "RANGEKEEPER_RECONCILE_STALE_PENDING_AFTER")

	// Decision
	setBool(&cfg.Decision.Enabled, "RANGEKEEPER_DECISION_ENABLED")
	setDuration(&cfg.Decision.EvalInterval, "RANGEKEEPER_DECISION_EVAL_INTERVAL")
	setBool(&cfg.Decision.AutoExecute, "RANGEKEEPER_DECISION_AUTO_EXECUTE")
	setStr(&cfg.Decision.BaseAsset, "RANGEKEEPER_DECISION_BASE_ASSET")
	setFloat64(&cfg.Decision.TVLFloorUSD, "RANGEKEEPER_DECISION_TVL_FLOOR_USD")
	setInt(&cfg.Decision.MinAgeDays, "RANGEKEEPER_DECISION_MIN_AGE_DAYS")
	setFloat64(&cfg.Decision.YieldMarginPct, "RANGEKEEPER_DECISION_YIELD_MARGIN_PCT")
	setFloat64(&cfg.Decision.ProfitCostMultiple, "RANGEKEEPER_DECISION_PROFIT_COST_MULTIPLE")
	setInt(&cfg.Decision.DailyRebalanceCap, "RANGEKEEPER_DECISION_DAILY_REBALANCE_CAP")
	setFloat64(&cfg.Decision.ILExitCeilingPct, "RANGEKEEPER_DECISION_IL_EXIT_CEILING_PCT")
	setFloat64(&cfg.Decision.ActionCostUSD, "RANGEKEEPER_DECISION_ACTION_COST_USD")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "RANGEKEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RANGEKEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RANGEKEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RANGEKEEPER_NOTIFY_EVENTS")

	// Top-level
	setStr(&cfg.Mode, "RANGEKEEPER_MODE")
	setStr(&cfg.LogLevel, "RANGEKEEPER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

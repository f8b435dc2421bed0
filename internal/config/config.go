// Package config defines the service configuration and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields come from a TOML file and can be
// overridden by RANGEKEEPER_* environment variables.
type Config struct {
	Custody   CustodyConfig   `toml:"custody"`
	Execution ExecutionConfig `toml:"execution"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Decision  DecisionConfig  `toml:"decision"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// CustodyConfig holds the custody ledger gateway endpoints and credentials.
// The API secret comes either from api_secret directly or from an encrypted
// file plus password.
type CustodyConfig struct {
	BaseURL             string `toml:"base_url"`
	WSURL               string `toml:"ws_url"`
	APIKey              string `toml:"api_key"`
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`

	// VaultAddress is where liquidation proceeds are routed.
	VaultAddress string `toml:"vault_address"`
	// MaxSlippagePct bounds the minimum-out on every liquidation.
	MaxSlippagePct float64 `toml:"max_slippage_pct"`
}

// ExecutionConfig holds the execution ledger gateway endpoint and credentials.
type ExecutionConfig struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
}

// PostgresConfig holds the durable-store connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the shared-cache connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds the cold-storage parameters. Disabled turns the archiver
// off entirely.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`

	// RetentionDays keeps liquidated positions in Postgres this long before
	// they move to cold storage.
	RetentionDays int    `toml:"retention_days"`
	ArchiveCron   string `toml:"archive_cron"`
}

// MonitorConfig holds the stop-loss sweep parameters.
type MonitorConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
	Concurrency   int      `toml:"concurrency"`
}

// ReconcileConfig holds the ground-truth scan parameters.
type ReconcileConfig struct {
	PollInterval duration `toml:"poll_interval"`
	// StalePendingAfter is how long a position may sit in
	// liquidation_pending before an operator warning fires.
	StalePendingAfter duration `toml:"stale_pending_after"`
}

// DecisionConfig holds the decision engine thresholds and the evaluation
// loop settings.
type DecisionConfig struct {
	Enabled      bool     `toml:"enabled"`
	EvalInterval duration `toml:"eval_interval"`
	AutoExecute  bool     `toml:"auto_execute"`
	BaseAsset    string   `toml:"base_asset"`

	TVLFloorUSD        float64 `toml:"tvl_floor_usd"`
	MinAgeDays         int     `toml:"min_age_days"`
	YieldMarginPct     float64 `toml:"yield_margin_pct"`
	ProfitCostMultiple float64 `toml:"profit_cost_multiple"`
	DailyRebalanceCap  int     `toml:"daily_rebalance_cap"`
	ILExitCeilingPct   float64 `toml:"il_exit_ceiling_pct"`
	ActionCostUSD      float64 `toml:"action_cost_usd"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML string decoding ("5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with the built-in defaults. Endpoints and
// credentials have no defaults; they must come from the TOML file or the
// environment.
func Defaults() Config {
	return Config{
		Custody: CustodyConfig{
			MaxSlippagePct: 1.0,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "rangekeeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "rangekeeper-archive",
			ForcePathStyle: true,
			RetentionDays:  90,
			ArchiveCron:    "0 3 * * *",
		},
		Monitor: MonitorConfig{
			SweepInterval: duration{30 * time.Second},
			Concurrency:   8,
		},
		Reconcile: ReconcileConfig{
			PollInterval:      duration{5 * time.Minute},
			StalePendingAfter: duration{30 * time.Minute},
		},
		Decision: DecisionConfig{
			Enabled:            true,
			EvalInterval:       duration{15 * time.Minute},
			AutoExecute:        false,
			BaseAsset:          "USDC",
			TVLFloorUSD:        1_000_000,
			MinAgeDays:         14,
			YieldMarginPct:     0.7,
			ProfitCostMultiple: 4.0,
			DailyRebalanceCap:  8,
			ILExitCeilingPct:   6.0,
			ActionCostUSD:      5.0,
		},
		Notify: NotifyConfig{
			Events: []string{"stop_loss_triggered", "position_liquidated", "position_failed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"sync":    true,
	"decide":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the Config for missing or contradictory values and returns
// one combined error naming every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, sync, decide, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Custody gateway
	if c.Custody.BaseURL == "" {
		errs = append(errs, "custody: base_url must not be empty")
	}
	if c.Custody.WSURL == "" {
		errs = append(errs, "custody: ws_url must not be empty")
	}
	if c.Custody.APIKey == "" {
		errs = append(errs, "custody: api_key must not be empty")
	}
	if c.Custody.APISecret == "" && c.Custody.EncryptedSecretPath == "" {
		errs = append(errs, "custody: either api_secret or encrypted_secret_path must be set")
	}
	if c.Custody.EncryptedSecretPath != "" && c.Custody.SecretPassword == "" {
		errs = append(errs, "custody: secret_password is required when encrypted_secret_path is set")
	}
	if !common.IsHexAddress(c.Custody.VaultAddress) {
		errs = append(errs, fmt.Sprintf("custody: vault_address %q is not a valid address", c.Custody.VaultAddress))
	}
	if c.Custody.MaxSlippagePct <= 0 || c.Custody.MaxSlippagePct >= 100 {
		errs = append(errs, fmt.Sprintf("custody: max_slippage_pct must be in (0, 100), got %v", c.Custody.MaxSlippagePct))
	}

	// Execution gateway
	if c.Execution.BaseURL == "" {
		errs = append(errs, "execution: base_url must not be empty")
	}
	if c.Execution.APIKey == "" {
		errs = append(errs, "execution: api_key must not be empty")
	}
	if c.Execution.APISecret == "" && c.Execution.EncryptedSecretPath == "" {
		errs = append(errs, "execution: either api_secret or encrypted_secret_path must be set")
	}
	if c.Execution.EncryptedSecretPath != "" && c.Execution.SecretPassword == "" {
		errs = append(errs, "execution: secret_password is required when encrypted_secret_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 (only when the archiver is on)
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
		if c.S3.ArchiveCron == "" {
			errs = append(errs, "s3: archive_cron must not be empty when enabled")
		}
	}

	// Monitor
	if c.Monitor.SweepInterval.Duration <= 0 {
		errs = append(errs, "monitor: sweep_interval must be positive")
	}
	if c.Monitor.Concurrency < 1 {
		errs = append(errs, "monitor: concurrency must be >= 1")
	}

	// Reconcile
	if c.Reconcile.PollInterval.Duration <= 0 {
		errs = append(errs, "reconcile: poll_interval must be positive")
	}
	if c.Reconcile.StalePendingAfter.Duration <= 0 {
		errs = append(errs, "reconcile: stale_pending_after must be positive")
	}

	// Decision
	if c.Decision.Enabled {
		if c.Decision.EvalInterval.Duration <= 0 {
			errs = append(errs, "decision: eval_interval must be positive")
		}
		if c.Decision.BaseAsset == "" {
			errs = append(errs, "decision: base_asset must not be empty")
		}
		if c.Decision.TVLFloorUSD < 0 {
			errs = append(errs, "decision: tvl_floor_usd must be >= 0")
		}
		if c.Decision.YieldMarginPct < 0 {
			errs = append(errs, "decision: yield_margin_pct must be >= 0")
		}
		if c.Decision.ProfitCostMultiple <= 0 {
			errs = append(errs, "decision: profit_cost_multiple must be > 0")
		}
		if c.Decision.DailyRebalanceCap < 1 {
			errs = append(errs, "decision: daily_rebalance_cap must be >= 1")
		}
		if c.Decision.ILExitCeilingPct <= 0 {
			errs = append(errs, "decision: il_exit_ceiling_pct must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

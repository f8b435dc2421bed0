package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	s3blob "github.com/rangekeeperhq/rangekeeper/internal/blob/s3"
	"github.com/rangekeeperhq/rangekeeper/internal/cache/redis"
	"github.com/rangekeeperhq/rangekeeper/internal/config"
	"github.com/rangekeeperhq/rangekeeper/internal/crypto"
	"github.com/rangekeeperhq/rangekeeper/internal/decide"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
	"github.com/rangekeeperhq/rangekeeper/internal/feed"
	"github.com/rangekeeperhq/rangekeeper/internal/ledger/custody"
	"github.com/rangekeeperhq/rangekeeper/internal/ledger/execution"
	"github.com/rangekeeperhq/rangekeeper/internal/monitor"
	"github.com/rangekeeperhq/rangekeeper/internal/notify"
	"github.com/rangekeeperhq/rangekeeper/internal/orchestrate"
	"github.com/rangekeeperhq/rangekeeper/internal/pipeline"
	"github.com/rangekeeperhq/rangekeeper/internal/reconcile"
	"github.com/rangekeeperhq/rangekeeper/internal/service"
	"github.com/rangekeeperhq/rangekeeper/internal/store/memory"
	"github.com/rangekeeperhq/rangekeeper/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. Constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores and caches
	Positions     domain.PositionStore
	Preferences   domain.PreferenceStore
	Opportunities domain.OpportunityCache
	Limiter       domain.RebalanceLimiter
	Locks         domain.LockManager

	// Ledger gateways
	Custody   domain.CustodyGateway
	Execution domain.ExecutionGateway

	// Lifecycle subsystems
	Orchestrator *orchestrate.Orchestrator
	Monitor      *monitor.StopLossMonitor
	Poller       *reconcile.Poller
	Feed         *feed.LedgerWSFeed

	// Optional workers (nil when their config section disables them)
	DecisionWorker *pipeline.DecisionWorker
	Archiver       *pipeline.Archiver

	// Services
	PositionService *service.PositionService
	SyncService     *service.SyncService
	DecisionService *service.DecisionService

	Notifier *notify.Notifier
}

// Wire constructs every concrete dependency from the configuration and
// returns it with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL: durable mirror, archive source, preferences ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	mirror := postgres.NewPositionStore(pool)
	deps.Preferences = postgres.NewPreferenceStore(pool)

	// --- Redis: opportunity cache, rebalance budget, scan locks ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Opportunities = redis.NewOpportunityCache(redisClient)
	deps.Limiter = redis.NewRebalanceLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Ledger gateways (HMAC-signed REST) ---
	custodySecret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     cfg.Custody.APISecret,
		EncryptedPath: cfg.Custody.EncryptedSecretPath,
		Password:      cfg.Custody.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: custody secret: %w", err)
	}
	custodyAuth := &crypto.HMACAuth{Key: cfg.Custody.APIKey, Secret: custodySecret}
	deps.Custody = custody.NewClient(cfg.Custody.BaseURL, custodyAuth)

	executionSecret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     cfg.Execution.APISecret,
		EncryptedPath: cfg.Execution.EncryptedSecretPath,
		Password:      cfg.Execution.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: execution secret: %w", err)
	}
	executionAuth := &crypto.HMACAuth{Key: cfg.Execution.APIKey, Secret: executionSecret}
	deps.Execution = execution.NewClient(cfg.Execution.BaseURL, executionAuth)

	// --- Position cache, warm-loaded from the durable mirror ---
	positions := memory.NewPositionStore(deps.Opportunities, mirror, logger)
	if err := positions.WarmLoad(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: warm load positions: %w", err)
	}
	deps.Positions = positions

	// --- Lifecycle orchestrator and stop-loss monitor ---
	deps.Orchestrator = orchestrate.New(
		deps.Positions,
		deps.Custody,
		deps.Execution,
		common.HexToAddress(cfg.Custody.VaultAddress),
		decimal.NewFromFloat(cfg.Custody.MaxSlippagePct),
		logger,
	)
	deps.Monitor = monitor.NewStopLossMonitor(
		deps.Positions,
		deps.Execution,
		deps.Orchestrator,
		deps.Notifier,
		cfg.Monitor.Concurrency,
		logger,
	)

	// --- Reconciliation: event fast path and ground-truth poll ---
	registry := reconcile.NewRegistry(logger)
	engine := reconcile.NewEngine(deps.Positions, deps.Custody, deps.Notifier, logger)
	engine.RegisterAll(registry)
	deps.Feed = feed.NewLedgerWSFeed(cfg.Custody.WSURL, custodyAuth, registry.Dispatch, logger)
	deps.Poller = reconcile.NewPoller(
		deps.Custody,
		deps.Positions,
		deps.Preferences,
		deps.Notifier,
		cfg.Reconcile.StalePendingAfter.Duration,
		logger,
	)

	// --- Decision engine ---
	decisionEngine := decide.NewEngine(decide.Config{
		TVLFloorUSD:        cfg.Decision.TVLFloorUSD,
		MinAgeDays:         cfg.Decision.MinAgeDays,
		YieldMarginPct:     cfg.Decision.YieldMarginPct,
		ProfitCostMultiple: cfg.Decision.ProfitCostMultiple,
		DailyRebalanceCap:  cfg.Decision.DailyRebalanceCap,
		ILExitCeilingPct:   cfg.Decision.ILExitCeilingPct,
		ActionCostUSD:      cfg.Decision.ActionCostUSD,
	}, logger)
	deps.DecisionService = service.NewDecisionService(
		decisionEngine,
		deps.Preferences,
		deps.Opportunities,
		deps.Positions,
		deps.Limiter,
		deps.Orchestrator,
		cfg.Decision.BaseAsset,
		cfg.Decision.AutoExecute,
		logger,
	)
	if cfg.Decision.Enabled {
		deps.DecisionWorker = pipeline.NewDecisionWorker(
			deps.DecisionService,
			deps.Preferences,
			deps.Custody,
			deps.Positions,
			deps.Opportunities,
			logger,
		)
	}

	// --- Cold storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		blobArchiver := s3blob.NewArchiver(mirror, s3blob.NewWriter(s3Client), logger)
		deps.Archiver = pipeline.NewArchiver(blobArchiver, cfg.S3.RetentionDays, logger)
	}

	// --- Services ---
	deps.PositionService = service.NewPositionService(deps.Positions, logger)
	deps.SyncService = service.NewSyncService(deps.Poller, deps.Locks, logger)

	return deps, cleanup, nil
}

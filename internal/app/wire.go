package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/tickwatch/internal/blob/s3"
	"github.com/alanyoungcy/tickwatch/internal/cache/memory"
	"github.com/alanyoungcy/tickwatch/internal/cache/redis"
	"github.com/alanyoungcy/tickwatch/internal/config"
	"github.com/alanyoungcy/tickwatch/internal/crypto"
	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/notify"
	"github.com/alanyoungcy/tickwatch/internal/store/postgres"
	"github.com/alanyoungcy/tickwatch/internal/store/yamlfile"
)

// Dependencies bundles the infrastructure the run modes build on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores. AuditStore is nil without Postgres.
	RuleRepo   domain.RuleRepository
	AuditStore domain.AuditStore

	// Caches and bus. RateLimiter and LockManager are nil without Redis.
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Archiver is nil unless archiving is enabled and Postgres is on.
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// FeedToken is the resolved market data access token.
	FeedToken string
}

// Wire constructs every dependency from cfg and returns them with a cleanup
// function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	token, err := crypto.LoadToken(crypto.TokenConfig{
		RawToken:      cfg.Feed.AccessToken,
		EncryptedPath: cfg.Feed.TokenFile,
		Password:      cfg.Feed.TokenPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: feed token: %w", err)
	}
	deps.FeedToken = token

	// --- PostgreSQL, or the YAML rule file ---
	if cfg.Postgres.Enabled {
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
		deps.RuleRepo = postgres.NewRuleStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	} else if cfg.Alerts.RulesFile != "" {
		deps.RuleRepo = yamlfile.NewRuleStore(cfg.Alerts.RulesFile)
		logger.InfoContext(ctx, "rules persisted to file", slog.String("path", cfg.Alerts.RulesFile))
	} else {
		logger.WarnContext(ctx, "no rule persistence configured, rules live in memory only")
	}

	// --- Redis, or in-process stand-ins ---
	if cfg.Redis.Enabled {
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

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
	} else {
		logger.InfoContext(ctx, "redis disabled, using in-process cache and bus")
		deps.PriceCache = memory.NewPriceCache()
		deps.SignalBus = memory.NewBus(0)
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		if deps.AuditStore == nil {
			logger.WarnContext(ctx, "archive enabled without postgres, skipping")
		} else {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			if err := s3Client.Health(ctx); err != nil {
				logger.WarnContext(ctx, "archive bucket unreachable at startup", slog.String("error", err.Error()))
			}
			deps.Archiver = s3blob.NewTriggerArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				deps.AuditStore,
			)
		}
	}

	// --- Notifications ---
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

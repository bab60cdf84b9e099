package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"contacts-api/internal/auth"
	"contacts-api/internal/contact"
	"contacts-api/internal/db"
	"contacts-api/internal/maintenance"
	"contacts-api/internal/media"
	"contacts-api/internal/notify"
	"contacts-api/internal/observability"
	"contacts-api/internal/password"
	"contacts-api/internal/token"
	"contacts-api/internal/users"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

// Runtime is the assembled application. Sweeper is not started by Build;
// long-running servers run it, serverless deployments use the cron route.
type Runtime struct {
	Config  Config
	Logger  *observability.Logger
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Close   func() error
}

// LoadDotEnv reads .env into the process environment without overriding
// variables that are already set.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		LoadDotEnv()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cache := redis.NewClient(redisOpts)
	if err := cache.Ping(ctx).Err(); err != nil {
		_ = cache.Close()
		_ = database.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	closeAll := func() error {
		return errors.Join(cache.Close(), database.Close())
	}

	deps, closePublisher, err := buildAuthDeps(cfg, logger)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	closers := []func() error{closePublisher, closeAll}

	authRepo := auth.NewRepository(database)
	deps.Store = authRepo
	deps.Denylist = auth.NewRegistry(cache)
	authService := auth.NewService(deps)
	authService.WithRefreshTTL(cfg.RefreshTokenTTL)

	var uploader users.AvatarUploader
	if cfg.CloudinaryURL != "" {
		cloudinaryClient, err := media.NewCloudinary(cfg.CloudinaryURL)
		if err != nil {
			_ = closePublisher()
			_ = closeAll()
			return nil, fmt.Errorf("init cloudinary: %w", err)
		}
		uploader = cloudinaryClient
	} else {
		logger.Warn("cloudinary_not_configured", map[string]any{"route": "POST /users/avatar"})
	}

	cleaner := maintenance.NewCleaner(authRepo, logger, cfg.RefreshRetention, cfg.CleanupBatchSize)

	handler := newRouter(routerDeps{
		auth:     auth.NewHandler(authService, logger),
		users:    users.NewHandler(authService, uploader, logger),
		contacts: contact.NewHandler(contact.NewRepository(database)),
		cleanup:  maintenance.NewCleanupHandler(cleaner, cfg.CronSecret),
		service:  authService,
		health:   healthHandler(database, cache),
		logger:   logger,
	})

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Handler: handler,
		Sweeper: maintenance.NewSweeper(cleaner, cfg.CleanupInterval),
		Close: func() error {
			observability.FlushSentry()
			var errs []error
			for _, closeFn := range closers {
				errs = append(errs, closeFn())
			}
			return errors.Join(errs...)
		},
	}, nil
}

// buildAuthDeps assembles the stateless parts of the auth engine. The returned
// close function releases the confirmation publisher.
func buildAuthDeps(cfg Config, logger *observability.Logger) (auth.Deps, func() error, error) {
	noop := func() error { return nil }

	hasher, err := password.NewHasher(cfg.BcryptCost)
	if err != nil {
		return auth.Deps{}, noop, fmt.Errorf("init password hasher: %w", err)
	}

	accessTokens, err := token.NewCodec(token.Config{
		Secret:    cfg.SecretKey,
		Algorithm: cfg.Algorithm,
		TTL:       cfg.AccessTokenTTL,
		Purpose:   token.PurposeAccess,
	})
	if err != nil {
		return auth.Deps{}, noop, fmt.Errorf("init access token codec: %w", err)
	}

	emailTokens, err := token.NewCodec(token.Config{
		Secret:    cfg.SecretKey,
		Algorithm: cfg.Algorithm,
		TTL:       cfg.EmailTokenTTL,
		Purpose:   token.PurposeEmailConfirmation,
	})
	if err != nil {
		return auth.Deps{}, noop, fmt.Errorf("init email token codec: %w", err)
	}

	deps := auth.Deps{
		Hasher:       hasher,
		AccessTokens: accessTokens,
		EmailTokens:  emailTokens,
		Avatars:      media.NewGravatar(),
		Logger:       logger,
	}

	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("kafka_not_configured", map[string]any{"fallback": "log"})
		deps.Confirmations = notify.NewLogPublisher(logger)
		return deps, noop, nil
	}

	publisher, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaConfirmationTopic)
	if err != nil {
		return auth.Deps{}, noop, fmt.Errorf("init kafka publisher: %w", err)
	}
	deps.Confirmations = publisher
	return deps, publisher.Close, nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/config"
	httptransport "github.com/caasio/auth-core/internal/http"
	"github.com/caasio/auth-core/internal/http/handler"
	httpmiddleware "github.com/caasio/auth-core/internal/http/middleware"
	"github.com/caasio/auth-core/internal/mfa"
	"github.com/caasio/auth-core/internal/refresh"
	"github.com/caasio/auth-core/internal/repository"
	"github.com/caasio/auth-core/internal/revocation"
	"github.com/caasio/auth-core/internal/server"
	"github.com/caasio/auth-core/internal/service"
	"github.com/caasio/auth-core/internal/session"
	"github.com/caasio/auth-core/internal/session/security"
	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/telemetry"
	"github.com/caasio/auth-core/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newMetrics,
			newKV,
			newPGXPool,
			newKeyProvider,
			newIssuer,
			newRevocationService,
			newValidator,
			newSessionStore,
			newRenewer,
			newCleaner,
			newRefreshService,
			newChallengeEngine,
			newAuthService,
			newAuthHandler,
			newAuthMiddleware,
			newRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(loadTenantKeys, startSessionCleaner, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics()
}

// newKV connects Redis when configured and falls back to the in-memory
// backend for local development.
func newKV(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (storage.KV, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, using in-memory storage")
		return storage.NewMemoryKV(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return storage.NewRedisKV(client), nil
}

// newPGXPool is optional: without DATABASE_URL the service runs with
// platform keys only.
func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func newKeyProvider(cfg config.Config) (*token.Provider, error) {
	provider := token.NewProvider(cfg.PlatformKeyID, cfg.EnableTenantKeys)
	if err := provider.LoadPlatformKeys(cfg.KeysDirectory, cfg.JWTAlgorithm); err != nil {
		return nil, fmt.Errorf("load platform keys: %w", err)
	}
	return provider, nil
}

// loadTenantKeys installs tenant signing keys from Postgres into the
// in-memory provider.
func loadTenantKeys(cfg config.Config, pool *pgxpool.Pool, provider *token.Provider, logger *zap.Logger) error {
	if pool == nil || !cfg.EnableTenantKeys {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := repository.NewPostgresKeyRepo(pool)
	records, err := repo.ListActiveKeys(ctx)
	if err != nil {
		return fmt.Errorf("load tenant keys: %w", err)
	}
	for _, rec := range records {
		priv, err := token.ParsePrivateKeyPEM([]byte(rec.PrivatePEM))
		if err != nil {
			return fmt.Errorf("parse key %s: %w", rec.KID, err)
		}
		pub, err := token.ParsePublicKeyPEM([]byte(rec.PublicPEM))
		if err != nil {
			return fmt.Errorf("parse key %s: %w", rec.KID, err)
		}
		provider.AddSigningKey(&token.SigningKey{
			KID:       rec.KID,
			Algorithm: rec.Algorithm,
			Private:   priv,
			Public:    pub,
			CreatedAt: rec.CreatedAt,
			Active:    rec.Active,
		}, rec.TenantID)
	}
	logger.Info("tenant signing keys loaded", zap.Int("count", len(records)))
	return nil
}

func newIssuer(cfg config.Config, provider *token.Provider) *token.Issuer {
	return token.NewIssuer(provider, token.IssuerConfig{
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		ServiceTTL: cfg.ServiceTokenTTL,
	})
}

func newRevocationService(lc fx.Lifecycle, cfg config.Config, kv storage.KV, metrics *telemetry.Metrics, logger *zap.Logger) *revocation.Service {
	var publisher revocation.EventPublisher = revocation.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = revocation.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRevocationTopic)
	} else {
		logger.Warn("KAFKA_BROKERS not set, revocation events disabled")
	}

	svc := revocation.NewService(revocation.NewStore(kv, 0), publisher, metrics, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return svc.Close()
		},
	})
	return svc
}

func newValidator(cfg config.Config, provider *token.Provider, revocations *revocation.Service) *token.Validator {
	return token.NewValidator(provider, revocations, token.ValidatorConfig{
		Issuer:            cfg.Issuer,
		ClockTolerance:    cfg.ClockTolerance,
		MaxTokenSize:      cfg.MaxTokenSize,
		AllowedAlgorithms: []string{cfg.JWTAlgorithm},
	})
}

func newSessionStore(cfg config.Config, kv storage.KV, metrics *telemetry.Metrics, logger *zap.Logger) *session.Store {
	return session.NewStore(kv, session.StoreConfig{
		TTL:        cfg.SessionTTL,
		MaxPerUser: cfg.SessionMaxPerUser,
	}, metrics, logger)
}

func newRenewer(cfg config.Config, sessions *session.Store, logger *zap.Logger) *session.Renewer {
	return session.NewRenewer(sessions, session.RenewalConfig{
		Enabled:     cfg.SessionRenewalEnabled,
		TTL:         cfg.SessionTTL,
		Cooldown:    cfg.SessionRenewalCooldown,
		MaxLifetime: cfg.SessionMaxLifetime,
		Threshold:   cfg.SessionRenewalThreshold,
	}, logger)
}

func newCleaner(cfg config.Config, sessions *session.Store, metrics *telemetry.Metrics, logger *zap.Logger) *session.Cleaner {
	return session.NewCleaner(sessions, metrics, cfg.SessionCleanupInterval, logger)
}

func newRefreshService(cfg config.Config, kv storage.KV, metrics *telemetry.Metrics, logger *zap.Logger) (*refresh.Service, error) {
	families := refresh.NewFamilyStore(kv, cfg.RefreshTokenTTL)
	detector := refresh.NewDetector(families, metrics, logger)
	return refresh.NewService(
		refresh.NewStore(kv, cfg.RefreshTokenTTL),
		families,
		detector,
		refresh.Policy{
			Enabled:        cfg.RotationEnabled,
			ReuseDetection: cfg.ReuseDetection,
			RevokeFamily:   cfg.RevokeFamily,
		},
		cfg.RefreshTokenTTL,
		logger,
	)
}

func newChallengeEngine(cfg config.Config, kv storage.KV, logger *zap.Logger) *mfa.Engine {
	verifiers := map[string]mfa.Verifier{
		mfa.MethodTOTP:       mfa.NewTOTPVerifier(mfa.NewKVSecretSource(kv)),
		mfa.MethodBackupCode: mfa.NewBackupVerifier(mfa.NewBackupStore(kv)),
	}
	return mfa.NewEngine(kv, mfa.EngineConfig{
		TTL:         cfg.MFAChallengeTTL,
		MaxAttempts: cfg.MFAMaxAttempts,
		MaxSwitches: cfg.MFAMaxSwitches,
	}, verifiers, logger)
}

func newAuthService(
	cfg config.Config,
	issuer *token.Issuer,
	validator *token.Validator,
	sessions *session.Store,
	renewer *session.Renewer,
	refreshSvc *refresh.Service,
	revocations *revocation.Service,
	challenges *mfa.Engine,
	logger *zap.Logger,
) *service.AuthService {
	return service.NewAuthService(
		issuer,
		validator,
		sessions,
		renewer,
		refreshSvc,
		revocations,
		security.NewAnomalyDetector(logger),
		security.NewHijackDetector(logger),
		challenges,
		cfg.AccessTokenTTL,
		logger,
	)
}

func newAuthHandler(auth *service.AuthService, provider *token.Provider) *handler.AuthHandler {
	return handler.NewAuthHandler(auth, provider)
}

func newAuthMiddleware(auth *service.AuthService, metrics *telemetry.Metrics) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Service: auth, Metrics: metrics}
}

func newRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, metrics *telemetry.Metrics, logger *zap.Logger) *gin.Engine {
	return httptransport.NewRouter(cfg, authHandler, authMiddleware, metrics, logger)
}

func startSessionCleaner(lc fx.Lifecycle, cleaner *session.Cleaner) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			go cleaner.Run(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

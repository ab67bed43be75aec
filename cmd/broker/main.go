package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-broker/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/valora-broker/internal/adapter/oauth"
	"github.com/smallbiznis/valora-broker/internal/bootstrap"
	"github.com/smallbiznis/valora-broker/internal/config"
	httptransport "github.com/smallbiznis/valora-broker/internal/http"
	"github.com/smallbiznis/valora-broker/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-broker/internal/http/middleware"
	"github.com/smallbiznis/valora-broker/internal/jwt"
	"github.com/smallbiznis/valora-broker/internal/logintoken"
	apimiddleware "github.com/smallbiznis/valora-broker/internal/middleware"
	"github.com/smallbiznis/valora-broker/internal/notify"
	"github.com/smallbiznis/valora-broker/internal/openid"
	"github.com/smallbiznis/valora-broker/internal/registry"
	"github.com/smallbiznis/valora-broker/internal/repository"
	"github.com/smallbiznis/valora-broker/internal/server"
	"github.com/smallbiznis/valora-broker/internal/service"
	"github.com/smallbiznis/valora-broker/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newAppRepository,
			newUserRepository,
			newLoginTokenRepository,
			newOpenIDRepository,
			newBindingRepository,
			newProviderConfigRepository,
			newGrantRepository,
			newKeyRepository,
			newRedisClient,
			newStateStore,
			newLoginCodeStore,
			newProviderClient,
			newNotifySender,
			newRateLimiter,
			newKeyManager,
			newTokenGenerator,
			registry.New,
			newOpenIDService,
			newLoginTokenIssuer,
			service.NewBridgeService,
			service.NewExchangeService,
			newLoginService,
			handler.NewBrokerHandler,
			newSessionMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureApplication, startHTTPServer),
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

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
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

func newAppRepository(pool *pgxpool.Pool) repository.AppRepository {
	return repository.NewPostgresAppRepo(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newLoginTokenRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.LoginTokenRepository {
	return repository.NewPostgresLoginTokenRepo(pool, node)
}

func newOpenIDRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.OpenIDRepository {
	return repository.NewPostgresOpenIDRepo(pool, node)
}

func newBindingRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.BindingRepository {
	return repository.NewPostgresBindingRepo(pool, node)
}

func newProviderConfigRepository(pool *pgxpool.Pool) repository.ProviderConfigRepository {
	return repository.NewPostgresProviderConfigRepo(pool)
}

func newGrantRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.AccessGrantRepository {
	return repository.NewPostgresGrantRepo(pool, node)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newLoginCodeStore(client redis.UniversalClient) repository.LoginCodeStore {
	return cacheadapter.NewRedisCodeStore(client)
}

func newProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil, cfg.ProviderTimeout)
}

func newNotifySender(logger *zap.Logger) notify.Sender {
	return notify.NewLogSender(logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newKeyManager(repo repository.KeyRepository) *jwt.KeyManager {
	return jwt.NewKeyManager(repo)
}

func newTokenGenerator(manager *jwt.KeyManager, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(manager, cfg.AccessTokenTTL, cfg.SessionTTL)
}

func newOpenIDService(mappings repository.OpenIDRepository, logger *zap.Logger) *openid.Service {
	return openid.NewService(mappings, logger)
}

func newLoginTokenIssuer(tokens repository.LoginTokenRepository, cfg config.Config, logger *zap.Logger) *logintoken.Issuer {
	return logintoken.NewIssuer(tokens, cfg.LoginTokenTTL, logger)
}

func newLoginService(reg *registry.Registry, users repository.UserRepository, codes repository.LoginCodeStore, openids *openid.Service, issuer *logintoken.Issuer, generator *jwt.Generator, sender notify.Sender, cfg config.Config, logger *zap.Logger) *service.LoginService {
	return service.NewLoginService(reg, users, codes, openids, issuer, generator, sender, cfg, logger)
}

func newSessionMiddleware(generator *jwt.Generator, cfg config.Config) *httpmiddleware.Session {
	return &httpmiddleware.Session{JWT: generator, Issuer: cfg.ExternalBaseURL}
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, logger *zap.Logger) {
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
				if err := srv.Run(runCtx); err != nil {
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

func useTelemetry(*telemetry.Provider) {}

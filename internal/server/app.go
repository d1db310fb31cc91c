package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apiecho "go.pilab.hu/oauthlink/api/echo"
	"go.pilab.hu/oauthlink/cache"
	redisnonce "go.pilab.hu/oauthlink/cache/redis"
	"go.pilab.hu/oauthlink/config"
	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/crypto"
	"go.pilab.hu/oauthlink/internal/federation"
	"go.pilab.hu/oauthlink/mongodb"
	"go.pilab.hu/oauthlink/sqlite"
)

const tokenKeyInfo = "oauthlink/tokens/v1"

// App holds the engine components built from configuration. Both the HTTP
// server and the CLI run on top of it.
type App struct {
	Config    *config.Config
	Registry  *federation.Registry
	Service   *federation.Service
	Refresher *federation.Refresher
	Sweeper   *federation.Sweeper
	Store     domain.ConnectedAccountRepository

	// Checks are dependency pings keyed by name, for the health endpoint.
	Checks map[string]apiecho.HealthCheck

	closers []func(context.Context) error
}

// NewApp builds the engine from a validated configuration.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg, Checks: make(map[string]apiecho.HealthCheck)}

	descs, err := cfg.BuildDescriptors()
	if err != nil {
		return nil, err
	}
	registry, err := federation.NewRegistry(descs...)
	if err != nil {
		return nil, err
	}
	app.Registry = registry
	log.Info().Strs("providers", registry.Providers()).Msg("Provider registry loaded")

	sealer, err := tokenSealer(cfg)
	if err != nil {
		return nil, err
	}
	if err := app.openStore(ctx, sealer); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	var serviceOpts []federation.ServiceOption
	nonces, err := app.openNonceStore(ctx)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	serviceOpts = append(serviceOpts, federation.WithNonceStore(nonces))

	codec, err := federation.NewStateCodec([]byte(cfg.Secrets.StateSecret), cfg.StateTTL)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	tokens := federation.NewTokenClient(registry, federation.NewHTTPClient(cfg.ProviderHTTPTimeout))
	app.Service = federation.NewService(registry, codec, tokens, app.Store, cfg.PublicBaseURL, serviceOpts...)
	app.Refresher = federation.NewRefresher(registry, app.Store, tokens, federation.WithLookahead(cfg.RefreshLookahead))
	app.Sweeper = federation.NewSweeper(registry, app.Store, app.Refresher, federation.WithConcurrency(cfg.SweepConcurrency))
	return app, nil
}

func tokenSealer(cfg *config.Config) (*crypto.Sealer, error) {
	if cfg.Secrets.TokenEncryptionKey == "" {
		log.Warn().Msg("No token encryption key configured, tokens are stored in plaintext")
		return nil, nil
	}
	key, err := crypto.DeriveKey([]byte(cfg.Secrets.TokenEncryptionKey), tokenKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	return crypto.NewSealer(key)
}

func (a *App) openStore(ctx context.Context, sealer *crypto.Sealer) error {
	switch a.Config.StorageBackend {
	case config.StorageMongoDB:
		if err := mongodb.InitMongoDB(ctx, a.Config.MongoURI, a.Config.MongoDBName); err != nil {
			return err
		}
		a.closers = append(a.closers, func(ctx context.Context) error {
			mongodb.CloseMongoDB(ctx)
			return nil
		})
		repo, err := mongodb.NewConnectedAccountRepository(ctx, mongodb.GetDB(), sealer)
		if err != nil {
			return err
		}
		a.Store = repo
		a.Checks["mongodb"] = mongodb.Ping
	case config.StorageSQLite:
		store, err := sqlite.Open(a.Config.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.Store = sqlite.NewConnectedAccountRepository(store, sealer)
		a.Checks["sqlite"] = store.Ping
	default:
		return fmt.Errorf("unknown storage backend %q", a.Config.StorageBackend)
	}
	return nil
}

func (a *App) openNonceStore(ctx context.Context) (domain.NonceStore, error) {
	switch a.Config.NonceBackend {
	case config.NonceRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{a.Config.RedisAddr}})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store := redisnonce.NewNonceStore(client, "oauthlink")
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis nonce store: %w", err)
		}
		a.Checks["redis"] = store.Ping
		return store, nil
	default:
		store := cache.NewMemoryNonceStore()
		a.closers = append(a.closers, func(context.Context) error { store.Stop(); return nil })
		return store, nil
	}
}

// Close releases the store and nonce backend connections.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// Package app assembles Site Kit components from configuration.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/blogkit/sitekit/internal/cache"
	"github.com/blogkit/sitekit/internal/config"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/oauth"
	"github.com/blogkit/sitekit/internal/providers"
	"github.com/blogkit/sitekit/internal/reports"
	"github.com/blogkit/sitekit/internal/scheduler"
	"github.com/blogkit/sitekit/internal/status"
	"github.com/blogkit/sitekit/internal/storage"
)

// ResponseCache is the report cache as used by every component
type ResponseCache interface {
	reports.ResponseCache
	scheduler.Evictor
	status.FetchHistory
}

// App holds the wired components
type App struct {
	Config       *config.Config
	DB           *storage.DB
	Integrations *storage.IntegrationStore
	Cache        ResponseCache
	Refresher    *oauth.Refresher
	Registry     *providers.Registry
	Executor     *providers.Executor
	Reports      *reports.Orchestrator
	Status       *status.Reporter

	redis redis.UniversalClient
}

// New opens storage and builds the component graph
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{Config: cfg}
	if err := a.init(ctx); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	var err error

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	a.DB, err = storage.Open(storage.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := a.DB.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if cfg.Security.EncryptionKey == "" {
		logging.Warn("SITEKIT_SECURITY_ENCRYPTION_KEY not set; credentials are stored unencrypted")
	}
	sealer, err := a.DB.NewSealer(ctx, cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}
	a.Integrations = storage.NewIntegrationStore(a.DB, sealer)

	var locker oauth.Locker
	if cfg.Cache.Backend == "redis" {
		a.redis, err = cache.NewClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logging.WithField("addr", cfg.Redis.Addr).WithError(err).
				Warn("redis unavailable, falling back to the database response cache")
		} else {
			a.Cache = cache.NewRedisCache(a.redis, cache.DefaultPrefix)
			locker = cache.NewRedisLocker(a.redis, cache.DefaultPrefix, cfg.Redis.LockTTL)
			logging.WithField("addr", cfg.Redis.Addr).Info("using redis response cache")
		}
	}
	if a.Cache == nil {
		a.Cache = storage.NewCacheStore(a.DB)
	}

	a.Refresher = oauth.NewRefresher(a.Integrations, oauth.Config{
		TokenURL:       cfg.OAuth.TokenURL,
		SafetyMargin:   cfg.OAuth.SafetyMargin,
		RequestTimeout: cfg.OAuth.RequestTimeout,
		Locker:         locker,
	})
	a.Registry = providers.DefaultRegistry("")
	a.Executor = providers.NewExecutor(a.Integrations, a.Refresher, providers.ExecutorConfig{
		Timeout: cfg.OAuth.RequestTimeout,
	})
	a.Reports = reports.NewOrchestrator(a.Cache, a.Executor, a.Registry, cfg.Cache.TTL)
	a.Status = status.NewReporter(a.Integrations, a.Cache)

	return nil
}

// Close releases every connection the app opened
func (a *App) Close() error {
	var err error
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.DB != nil {
		err = multierr.Append(err, a.DB.Close())
	}
	return err
}

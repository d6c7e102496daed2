// Package app composes the resilience engine: providers for every service
// plus the lifecycle hooks that start and stop them in order.
package app

import (
	"context"
	"errors"
	"os"

	"github.com/lingopal/lingopal/internal/appdir"
	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/cache"
	"github.com/lingopal/lingopal/internal/cleanup"
	"github.com/lingopal/lingopal/internal/config"
	"github.com/lingopal/lingopal/internal/connectivity"
	"github.com/lingopal/lingopal/internal/conversation"
	"github.com/lingopal/lingopal/internal/lock"
	"github.com/lingopal/lingopal/internal/logging"
	"github.com/lingopal/lingopal/internal/messaging"
	"github.com/lingopal/lingopal/internal/remote"
	"github.com/lingopal/lingopal/internal/retry"
	"github.com/lingopal/lingopal/internal/session"
	"github.com/lingopal/lingopal/internal/store"
	"github.com/lingopal/lingopal/internal/uploads"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideAuthStream,
			provideMonitor,
			provideGuard,
			provideExecutor,
			provideRegistry,
			provideQueue,
			provideCache,
			providePreloader,
			provideMessaging,
			provideResender,
			provideScheduler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(appdir.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return &config.Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(appdir.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := appdir.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(appdir.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := appdir.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config) (*remote.HTTPClient, error) {
	if cfg.RemoteURL == "" {
		return nil, errors.New("remote_url not set in " + appdir.ConfigPath())
	}
	return remote.NewHTTPClient(cfg.RemoteURL, cfg.AnonKey), nil
}

func provideAuthStream(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *remote.AuthStream {
	return remote.NewAuthStream(cfg.RemoteURL, cfg.AnonKey, b, logger)
}

func provideMonitor(client *remote.HTTPClient, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(client, b, logger,
		connectivity.WithProbeInterval(cfg.ProbeInterval()))
}

func provideGuard(client *remote.HTTPClient, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *session.Guard {
	return session.NewGuard(client, monitor, b, logger)
}

func provideExecutor(monitor *connectivity.Monitor, guard *session.Guard, logger *zap.Logger) *retry.Executor {
	return retry.NewExecutor(monitor, guard, logger)
}

func provideRegistry(client *remote.HTTPClient, logger *zap.Logger) *conversation.Registry {
	return conversation.NewRegistry(client, logger)
}

func provideQueue(db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *uploads.Queue {
	return uploads.NewQueue(db, b, logger, cfg.MaxRetries())
}

func provideCache(db *store.DB, cfg *config.Config, logger *zap.Logger) *cache.Cache {
	return cache.New(db, logger, cfg.CacheTTL())
}

func providePreloader(c *cache.Cache, client *remote.HTTPClient, b *bus.Bus, logger *zap.Logger) *cache.Preloader {
	return cache.NewPreloader(c, client, b, logger)
}

func provideMessaging(registry *conversation.Registry, client *remote.HTTPClient, exec *retry.Executor, queue *uploads.Queue, logger *zap.Logger) *messaging.Service {
	return messaging.NewService(registry, client, exec, queue, logger)
}

func provideResender(queue *uploads.Queue, exec *retry.Executor, svc *messaging.Service, b *bus.Bus, logger *zap.Logger) *uploads.Resender {
	return uploads.NewResender(queue, exec, svc, b, logger)
}

func provideScheduler(registry *conversation.Registry, queue *uploads.Queue, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *cleanup.Scheduler {
	return cleanup.NewScheduler(registry, queue, b, logger, cfg.CleanupInterval(),
		cleanup.WithUploadMaxAge(cfg.MaxAgeDays()))
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	stream *remote.AuthStream,
	monitor *connectivity.Monitor,
	guard *session.Guard,
	resender *uploads.Resender,
	scheduler *cleanup.Scheduler,
	preloader *cache.Preloader,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			monitor.Start(context.Background())
			stream.Start(context.Background())
			guard.Start(context.Background())
			resender.Start(context.Background())

			// The signed-in work waits for a usable session so it never
			// races the initial refresh.
			go func() {
				if !guard.EnsureValidSession(context.Background()) {
					logger.Info("no session yet, background work deferred until sign-in")
					return
				}
				userID := guard.UserID()
				scheduler.Start(userID)
				if preloader.IsPreloadStale() {
					preloader.Preload(context.Background(), userID)
				}
			}()

			// First probe, so the online flag reflects reality before the
			// ticker fires.
			go func() { _ = monitor.CheckNow(context.Background()) }()

			return nil
		},
		OnStop: func(_ context.Context) error {
			scheduler.Stop()
			resender.Stop()
			guard.Stop()
			stream.Stop()
			monitor.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}

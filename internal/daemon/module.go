package daemon

import (
	"context"
	"time"

	"github.com/msgvault/msgvault/internal/bus"
	"github.com/msgvault/msgvault/internal/config"
	"github.com/msgvault/msgvault/internal/lock"
	"github.com/msgvault/msgvault/internal/logging"
	"github.com/msgvault/msgvault/internal/media"
	"github.com/msgvault/msgvault/internal/metrics"
	"github.com/msgvault/msgvault/internal/profile"
	"github.com/msgvault/msgvault/internal/queue"
	"github.com/msgvault/msgvault/internal/remote"
	"github.com/msgvault/msgvault/internal/status"
	"github.com/msgvault/msgvault/internal/store"
	intsync "github.com/msgvault/msgvault/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideClient,
			provideMediaBackend,
			provideMediaManager,
			provideProcessor,
			provideSyncEngine,
			provideSweeper,
			provideProber,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
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

func provideClient(cfg *config.Config) (*remote.Client, error) {
	return remote.NewClient(cfg.Server.BaseURL, cfg.Server.Token)
}

func provideMediaBackend(p Params, cfg *config.Config, db *store.DB) (media.Backend, error) {
	return media.NewBackend(cfg.Media.Backend, profile.MediaDir(p.ProfileName), db)
}

func provideMediaManager(db *store.DB, backend media.Backend, client *remote.Client, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *media.Manager {
	limits := media.Limits{MaxItems: cfg.Media.MaxItems, MaxBytes: cfg.Media.MaxBytes}
	timeout := time.Duration(cfg.Sync.TimeoutSeconds) * time.Second
	return media.NewManager(db, backend, client, b, m, limits, timeout, logger)
}

func provideProcessor(db *store.DB, client *remote.Client, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *queue.Processor {
	policy := queue.Policy{
		MaxRetries:   int64(cfg.Queue.MaxRetries),
		InitialDelay: time.Duration(cfg.Queue.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Queue.MaxDelaySeconds) * time.Second,
		Timeout:      time.Duration(cfg.Sync.TimeoutSeconds) * time.Second,
	}
	return queue.NewProcessor(db, client, machine, b, m, policy, logger)
}

func provideSyncEngine(db *store.DB, client *remote.Client, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	timeout := time.Duration(cfg.Sync.TimeoutSeconds) * time.Second
	return intsync.NewEngine(db, client, b, m, timeout, cfg.Sync.PageSize, cfg.Sync.ResyncWindow, logger)
}

func provideSweeper(db *store.DB, manager *media.Manager, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *Sweeper {
	return NewSweeper(db, manager, m, cfg.Cache, logger)
}

func provideProber(client *remote.Client, machine *status.Machine, logger *zap.Logger) *Prober {
	return NewProber(client, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, manager *media.Manager, engine *intsync.Engine, processor *queue.Processor, sweeper *Sweeper, prober *Prober, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Demote stale completed media claims before serving anything.
			if _, err := manager.VerifySweep(); err != nil {
				logger.Warn("media integrity sweep failed", zap.Error(err))
			}

			engine.Start(context.Background())
			processor.Start(context.Background())
			sweeper.Start(context.Background())
			prober.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			prober.Stop()
			sweeper.Stop()
			processor.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

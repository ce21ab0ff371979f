package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/api"
	"github.com/mariankugiel/patient-web-app-sub002/internal/auth"
	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/config"
	"github.com/mariankugiel/patient-web-app-sub002/internal/lock"
	"github.com/mariankugiel/patient-web-app-sub002/internal/logging"
	"github.com/mariankugiel/patient-web-app-sub002/internal/metrics"
	"github.com/mariankugiel/patient-web-app-sub002/internal/portal"
	"github.com/mariankugiel/patient-web-app-sub002/internal/profile"
	"github.com/mariankugiel/patient-web-app-sub002/internal/realtime"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	intsync "github.com/mariankugiel/patient-web-app-sub002/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// tokenExpiryWarning is how close to expiry a token must be before startup
// logs a warning.
const tokenExpiryWarning = 24 * time.Hour

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional override; nil = load from disk
}

// Identity is the local user the daemon acts for.
type Identity struct {
	UserID   string
	UserName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideIdentity,
			provideBus,
			provideLock,
			provideMetrics,
			provideIndexDB,
			provideIndex,
			providePortal,
			provideChannel,
			provideController,
			provideService,
			provideHealth,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.Load(profile.ConfigPath())
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
			cfg = config.Default()
		default:
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.ApplyEnv(profile.EnvPath(p.ProfileName)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.Log.Level)
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (Identity, error) {
	id := Identity{UserID: cfg.Sync.CurrentUserID, UserName: cfg.Sync.UserName}

	claims, err := auth.ParseClaims(cfg.API.Token)
	if err != nil {
		if id.UserID == "" {
			return Identity{}, fmt.Errorf("resolve user id: %w", err)
		}
		logger.Warn("token is not a JWT, using configured user id", zap.Error(err))
		return id, nil
	}
	if id.UserID == "" {
		if id.UserID, err = auth.CurrentUserID(cfg.API.Token); err != nil {
			return Identity{}, fmt.Errorf("resolve user id: %w", err)
		}
	}
	if left, ok := claims.ExpiresIn(time.Now()); ok {
		switch {
		case left <= 0:
			logger.Warn("token expired", zap.Duration("ago", -left))
		case left < tokenExpiryWarning:
			logger.Warn("token expires soon", zap.Duration("in", left))
		}
	}
	return id, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, id Identity, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName), id.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideIndexDB(logger *zap.Logger) (*store.DB, error) {
	db, err := store.OpenMemory()
	if err != nil {
		return nil, err
	}
	logger.Info("search index initialized")
	return db, nil
}

func provideIndex(db *store.DB) *store.Index {
	return store.NewIndex(db)
}

func providePortal(cfg *config.Config, m *metrics.Metrics) *portal.Client {
	return portal.NewClient(cfg.API.BaseURL, cfg.API.Token,
		portal.WithTimeout(cfg.API.Timeout.Duration()),
		portal.WithMetrics(m),
	)
}

func provideChannel(cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) realtime.Channel {
	if cfg.Realtime.URL == "" {
		logger.Info("no realtime url configured, relying on polling")
		return realtime.NewMemory(b)
	}
	return realtime.NewWSChannel(realtime.Options{
		URL:                  cfg.Realtime.URL,
		Token:                cfg.API.Token,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval.Duration(),
		ReconnectBaseDelay:   cfg.Realtime.ReconnectBaseDelay.Duration(),
		ReconnectMaxDelay:    cfg.Realtime.ReconnectMaxDelay.Duration(),
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
	}, b, status.NewMachine(b), m, logger.Named("realtime"))
}

func provideController(cfg *config.Config, id Identity, client *portal.Client, ch realtime.Channel, b *bus.Bus, idx *store.Index, m *metrics.Metrics, logger *zap.Logger) *intsync.Controller {
	return intsync.New(intsync.Config{
		UserID:            id.UserID,
		UserName:          id.UserName,
		PollInterval:      cfg.Sync.PollInterval.Duration(),
		SweepInterval:     cfg.Sync.SweepInterval.Duration(),
		TypingTTL:         cfg.Sync.TypingTTL.Duration(),
		TypingMinInterval: cfg.Sync.TypingMinInterval.Duration(),
		TypingStopDelay:   cfg.Sync.TypingStopDelay.Duration(),
		RequestTimeout:    cfg.API.Timeout.Duration(),
	}, intsync.Deps{
		API:     client,
		Channel: ch,
		Bus:     b,
		Index:   idx,
		Metrics: m,
		Logger:  logger.Named("sync"),
	})
}

func provideService(ctrl *intsync.Controller, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(ctrl, b, logger.Named("api"))
}

func provideHealth() *health.Server {
	return health.NewServer()
}

// provideMetricsServer returns nil when no metrics address is configured.
func provideMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*metrics.Server, error) {
	if cfg.Metrics.Addr == "" {
		return nil, nil
	}
	return metrics.NewServer(cfg.Metrics.Addr, m, logger.Named("metrics"))
}

type lifecycleParams struct {
	fx.In

	Server        *Server
	Service       *api.Service
	Lock          *lock.Lock
	Controller    *intsync.Controller
	Health        *health.Server
	Bus           *bus.Bus
	IndexDB       *store.DB
	MetricsServer *metrics.Server
	Logger        *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	var reporter *api.HealthReporter
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			reporter = api.NewHealthReporter(p.Health, p.Bus, p.Controller.Status(), logger.Named("health"))

			if p.MetricsServer != nil {
				p.MetricsServer.Start()
			}

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			return p.Controller.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			p.Service.Close()
			if reporter != nil {
				reporter.Stop()
			}
			p.Server.Stop(ctx)
			p.Controller.Stop()
			if p.MetricsServer != nil {
				if err := p.MetricsServer.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := p.IndexDB.Close(); err != nil {
				logger.Warn("error closing search index", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

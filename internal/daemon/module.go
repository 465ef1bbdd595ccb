package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/call"
	"github.com/lif-app/lifsync/internal/config"
	"github.com/lif-app/lifsync/internal/lock"
	"github.com/lif-app/lifsync/internal/logging"
	"github.com/lif-app/lifsync/internal/outbox"
	"github.com/lif-app/lifsync/internal/presence"
	"github.com/lif-app/lifsync/internal/realtime"
	"github.com/lif-app/lifsync/internal/rest"
	"github.com/lif-app/lifsync/internal/session"
	"github.com/lif-app/lifsync/internal/store"
	intsync "github.com/lif-app/lifsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideTokenStore,
			provideRESTClient,
			provideChannel,
			provideSyncEngine,
			providePresence,
			provideCallManager,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file, using defaults", zap.String("path", session.ConfigPath()))
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideTokenStore(p Params) *session.TokenStore {
	return session.NewTokenStore(p.SessionName)
}

func provideRESTClient(cfg *config.Config, tokens *session.TokenStore) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, tokens, cfg.RequestTimeout(), cfg.UploadTimeout())
}

func provideChannel(cfg *config.Config, tokens *session.TokenStore, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(cfg.RealtimeURL, tokens, b, logger)
}

func provideSyncEngine(db *store.DB, client *rest.Client, channel *realtime.Manager, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, channel, b, logger, intsync.Options{
		SelfID:                         cfg.UserID,
		SuppressUnreadWhenBackgrounded: cfg.SuppressUnreadWhenBackgrounded,
	})
}

func providePresence(channel *realtime.Manager, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Coordinator {
	return presence.NewCoordinator(channel, b, logger, cfg.TypingQuiet(), cfg.TypingStale())
}

func provideCallManager(client *rest.Client, channel *realtime.Manager, b *bus.Bus, logger *zap.Logger) *call.Manager {
	return call.NewManager(client, channel, b, logger, nil)
}

func provideSender(db *store.DB, client *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger)
}

// credentialPollInterval is how often the daemon re-checks for a stored
// token when it started without one.
const credentialPollInterval = 2 * time.Second

type channelDialer interface {
	Connect(ctx context.Context) error
}

type conversationRefresher interface {
	RefreshConversations(ctx context.Context) error
}

// bringUp connects the realtime channel and primes the conversation list.
// A daemon started before login keeps polling for the token, so a login
// taken while it runs comes into effect without a restart.
func bringUp(ctx context.Context, channel channelDialer, engine conversationRefresher, logger *zap.Logger, retry time.Duration) {
	waiting := false
	for {
		err := channel.Connect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, session.ErrNoCredential) {
			if !waiting {
				logger.Info("no credentials found, waiting for login")
				waiting = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			continue
		}
		logger.Error("realtime connect failed", zap.Error(err))
		break
	}
	if err := engine.RefreshConversations(ctx); err != nil {
		logger.Error("initial conversation refresh failed", zap.Error(err))
	}
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, channel *realtime.Manager, engine *intsync.Engine, coord *presence.Coordinator, calls *call.Manager, sender *outbox.Sender, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Handlers first, so nothing delivered right after connect is
			// missed.
			engine.Start(context.Background())
			coord.Start(context.Background())
			calls.Start(context.Background())
			sender.Start(context.Background())

			go bringUp(ctx, channel, engine, logger, credentialPollInterval)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			sender.Stop()
			calls.Stop()
			coord.Stop()
			engine.Stop()
			channel.Disconnect()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // empty = ~/.chatsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBridge,
			provideChannel,
			provideDispatcher,
			provideEngine,
			NewSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no config at %s: set server.endpoint and an auth source", path)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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

func provideBridge(cfg *config.Config) auth.Bridge {
	return auth.FromConfig(cfg)
}

func provideChannel(cfg *config.Config, bridge auth.Bridge, m *status.Machine, logger *zap.Logger) *channel.Manager {
	return channel.New(channel.Options{
		Endpoint:   cfg.Server.Endpoint,
		MinBackoff: cfg.Reconnect.MinBackoff.Duration,
		MaxBackoff: cfg.Reconnect.MaxBackoff.Duration,
	}, bridge, m, logger.Named("channel"))
}

func provideDispatcher(db *store.DB, ch *channel.Manager, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(db, ch, logger.Named("outbox"))
}

func provideEngine(db *store.DB, ch *channel.Manager, d *outbox.Dispatcher, bridge auth.Bridge, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	profile := intsync.Profile{
		UserID:      cfg.Account.UserID,
		DisplayName: cfg.Account.DisplayName,
		AvatarRef:   cfg.Account.AvatarRef,
	}
	return intsync.NewEngine(db, ch, d, bridge, profile, b, logger.Named("sync"))
}

func registerLifecycle(lc fx.Lifecycle, sess *Session, ch *channel.Manager, db *store.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	events, unsub := b.Subscribe("channel.", 16)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go logStateChanges(events, done, logger)
			return sess.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			if err := ch.Close(); err != nil {
				logger.Warn("error closing channel", zap.Error(err))
			}
			unsub()
			close(done)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func logStateChanges(events <-chan bus.Event, done <-chan struct{}, logger *zap.Logger) {
	for {
		var evt bus.Event
		select {
		case evt = <-events:
		case <-done:
			return
		}
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			continue
		}
		if change.To == status.AuthFailed {
			logger.Error("channel stopped: credentials rejected, sign in again and restart")
			continue
		}
		logger.Info("channel state", zap.String("from", string(change.From)), zap.String("to", string(change.To)))
	}
}

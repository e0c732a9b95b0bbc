// Package bootstrap assembles the sync core and runs its startup sequence.
package bootstrap

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Session owns one signed-in sync core: the store, the channel and the
// engine listening on it. It is built once per process.
type Session struct {
	auth    auth.Bridge
	db      *store.DB
	channel *channel.Manager
	engine  *intsync.Engine
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewSession wires a session. Nothing runs until Start.
func NewSession(bridge auth.Bridge, db *store.DB, ch *channel.Manager, engine *intsync.Engine, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{auth: bridge, db: db, channel: ch, engine: engine, logger: logger}
}

// Engine is the entry point for user intents.
func (s *Session) Engine() *intsync.Engine {
	return s.engine
}

// Start checks for a signed-in user, reports the store, connects the
// channel and attaches the engine to it. Once it has succeeded, calling it
// again is a no-op; after a failure it runs the whole sequence again.
// A missing user defers the connection to Resume instead of failing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if userID, ok := s.auth.CurrentUserID(); ok {
		s.logger.Info("starting session", zap.String("user_id", userID))
	} else {
		s.logger.Info("no signed-in user, connection deferred")
	}

	msgs, err := s.db.MessageCount()
	if err != nil {
		return err
	}
	queued, err := s.db.OutboxCount()
	if err != nil {
		return err
	}
	s.logger.Info("store ready", zap.Int64("messages", msgs), zap.Int64("outbox", queued))

	if err := s.connect(ctx); err != nil {
		return err
	}
	if s.channel.AttachListeners(s.engine) {
		s.logger.Debug("listeners attached")
	}
	s.started = true
	return nil
}

// Resume connects after the user has signed in again. Before Start it runs
// Start instead.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return s.Start(ctx)
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	err := s.channel.ConnectOnce(ctx)
	if errors.Is(err, auth.ErrUnavailable) {
		s.logger.Warn("auth unavailable, sends will queue until sign-in", zap.Error(err))
		return nil
	}
	return err
}

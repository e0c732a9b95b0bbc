// Package outbox emits queued sends over the real-time channel and replays
// them after every reconnect.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const (
	EventSend = "msg:send"
	EventJoin = "chat:join"
)

// Emitter sends one event over the real-time channel. An error means the
// event was not sent; callers treat it as being offline.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
}

// SendRequest is the msg:send payload.
type SendRequest struct {
	ChatID   string          `json:"chatId"`
	ClientID string          `json:"clientId"`
	Payload  json.RawMessage `json:"payload"`
}

// ChatRequest is the payload of events that only name a chat.
type ChatRequest struct {
	ChatID string `json:"chatId"`
}

// Dispatcher sends outbox entries. It never removes them; only a positive
// acknowledgment does that.
type Dispatcher struct {
	db      *store.DB
	emitter Emitter
	logger  *zap.Logger

	replayMu sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(db *store.DB, emitter Emitter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{db: db, emitter: emitter, logger: logger}
}

// Dispatch emits one entry and counts the attempt. It reports whether the
// entry went out; being offline is not an error, the entry waits for replay.
func (d *Dispatcher) Dispatch(ctx context.Context, entry store.OutboxEntry) (bool, error) {
	err := d.emitter.Emit(ctx, EventSend, SendRequest{
		ChatID:   entry.ChatID,
		ClientID: entry.ClientID,
		Payload:  entry.Payload,
	})
	if err != nil {
		d.logger.Debug("send deferred", zap.String("client_id", entry.ClientID), zap.Error(err))
		return false, nil
	}
	if err := d.db.RecordAttempt(entry.ClientID); err != nil {
		return true, err
	}
	return true, nil
}

// Replay joins every open chat and every chat with queued sends, then
// re-emits each entry that has not been rejected, in enqueue order, with its
// original client id. Rejected entries wait for an explicit retry. Replay
// stops quietly if the channel drops midway; the next connect starts over.
func (d *Dispatcher) Replay(ctx context.Context) (int, error) {
	d.replayMu.Lock()
	defer d.replayMu.Unlock()

	chats, err := d.replayChats()
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, chatID := range chats {
		if err := d.emitter.Emit(ctx, EventJoin, ChatRequest{ChatID: chatID}); err != nil {
			d.logger.Info("replay interrupted", zap.String("chat_id", chatID), zap.Error(err))
			return sent, nil
		}
		entries, err := d.db.ListPending(chatID)
		if err != nil {
			return sent, fmt.Errorf("list pending %q: %w", chatID, err)
		}
		for _, e := range entries {
			if e.LastError != "" {
				continue
			}
			ok, err := d.Dispatch(ctx, e)
			if err != nil {
				return sent, err
			}
			if !ok {
				d.logger.Info("replay interrupted", zap.String("chat_id", chatID), zap.Int("sent", sent))
				return sent, nil
			}
			sent++
		}
	}
	if sent > 0 || len(chats) > 0 {
		d.logger.Info("outbox replayed", zap.Int("chats", len(chats)), zap.Int("sent", sent))
	}
	return sent, nil
}

func (d *Dispatcher) replayChats() ([]string, error) {
	open, err := d.db.ListOpenChats()
	if err != nil {
		return nil, fmt.Errorf("list open chats: %w", err)
	}
	queued, err := d.db.ListOutboxChats()
	if err != nil {
		return nil, fmt.Errorf("list outbox chats: %w", err)
	}
	seen := make(map[string]bool, len(open)+len(queued))
	var chats []string
	for _, id := range append(open, queued...) {
		if !seen[id] {
			seen[id] = true
			chats = append(chats, id)
		}
	}
	return chats, nil
}

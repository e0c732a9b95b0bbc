// Package sync implements the protocol between user intents, the local
// store, the outbox and the real-time channel.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const (
	// maxDeferred bounds the intents held while offline.
	maxDeferred = 512
	// maxHeldReceipts bounds receipts waiting for their message id to appear.
	maxHeldReceipts = 256
)

// Channel is the part of the channel manager the engine drives.
type Channel interface {
	outbox.Emitter
	Connected() bool
}

// Profile is the local user's provenance, copied onto every sent message.
// UserID is used when the auth bridge cannot name the user.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

type intent struct {
	event string
	data  any
}

// Engine is the sync engine. UI code calls its intent methods; the channel
// feeds it inbound frames through HandleFrame and HandleLifecycle.
type Engine struct {
	db         *store.DB
	ch         Channel
	dispatcher *outbox.Dispatcher
	auth       auth.Bridge
	profile    Profile
	bus        *bus.Bus
	logger     *zap.Logger

	// opMu serializes intents with inbound frames and lifecycle events.
	opMu gosync.Mutex

	// held keeps receipts that arrived before the id they name.
	held      map[string]store.Status
	heldOrder []string

	mu       gosync.Mutex
	deferred []intent
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, ch Channel, d *outbox.Dispatcher, bridge auth.Bridge, profile Profile, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		ch:         ch,
		dispatcher: d,
		auth:       bridge,
		profile:    profile,
		bus:        b,
		logger:     logger,
		held:       make(map[string]store.Status),
	}
}

func (e *Engine) self() string {
	if id, ok := e.auth.CurrentUserID(); ok {
		return id
	}
	return e.profile.UserID
}

// Send stores d as a pending message and queues it for delivery. It returns
// once the local write is durable; emission is best effort.
func (e *Engine) Send(ctx context.Context, chatID string, d Draft) (*store.Message, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if chatID == "" {
		return nil, errors.New("send: chat id is required")
	}
	if d.Kind == "" {
		d.Kind = store.KindText
	}
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("send: unknown kind %q", d.Kind)
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().UnixMilli()
	}
	if d.ReplyToID != "" && d.ReplyTo == nil {
		target, err := e.db.GetMessage(d.ReplyToID)
		if err != nil {
			return nil, storeErr(err)
		}
		if target != nil {
			d.ReplyTo = &store.ReplySnapshot{
				MessageID:         target.ID,
				SenderID:          target.SenderID,
				SenderDisplayName: target.SenderDisplayName,
				Kind:              target.Kind,
				Body:              target.Body,
			}
		}
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}

	clientID := uuid.NewString()
	m := &store.Message{
		ID:                clientID,
		ChatID:            chatID,
		ClientID:          clientID,
		SenderID:          e.self(),
		SenderDisplayName: e.profile.DisplayName,
		SenderAvatarRef:   e.profile.AvatarRef,
		Kind:              d.Kind,
		Body:              d.Body,
		Caption:           d.Caption,
		MediaRefs:         d.MediaRefs,
		ReplyToID:         d.ReplyToID,
		ReplyTo:           d.ReplyTo,
		CreatedAt:         d.CreatedAt,
		Status:            store.StatusPending,
	}
	if err := e.db.SaveOptimisticSend(m, payload); err != nil {
		return nil, storeErr(err)
	}
	e.publish(bus.KindMessageUpserted, m.ChatID, m.ID, clientID)

	if e.ch.Connected() {
		entry := store.OutboxEntry{ClientID: clientID, ChatID: chatID, Payload: payload}
		if _, err := e.dispatcher.Dispatch(ctx, entry); err != nil {
			e.logger.Warn("record send attempt", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return m, nil
}

// EditMessage patches a message in place. While the message is still
// waiting for its ack the queued payload is rewritten instead.
func (e *Engine) EditMessage(ctx context.Context, id string, p store.MessagePatch) error {
	if p.Empty() {
		return errors.New("edit: empty patch")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	if m == nil || m.DeletedForAll {
		return fmt.Errorf("edit %q: %w", id, ErrNotFound)
	}

	edited, now := true, time.Now().UnixMilli()
	p.IsEdited, p.EditedAt = &edited, &now
	patched, err := e.db.PatchMessage(m.ID, p)
	if err != nil {
		return storeErr(err)
	}
	if !patched {
		return fmt.Errorf("edit %q: %w", id, ErrNotFound)
	}
	e.publish(bus.KindMessageUpdated, m.ChatID, m.ID, m.ClientID)

	entry, err := e.db.GetOutbox(m.ClientID)
	if err != nil {
		return storeErr(err)
	}
	if entry != nil {
		var d Draft
		if err := json.Unmarshal(entry.Payload, &d); err != nil {
			return fmt.Errorf("decode queued draft %q: %w", entry.ClientID, err)
		}
		d.apply(p)
		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode draft: %w", err)
		}
		return storeErr(e.db.Enqueue(entry.ChatID, entry.ClientID, payload))
	}

	e.emit(ctx, EventEdit, editRequest{ChatID: m.ChatID, MessageID: m.ID, Patch: p})
	return nil
}

// DeleteForAll tombstones a message and asks the server to delete it for
// everyone. Messages without an ack cannot be deleted this way.
func (e *Engine) DeleteForAll(ctx context.Context, id string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	entry, err := e.db.GetOutbox(m.ClientID)
	if err != nil {
		return storeErr(err)
	}
	if entry != nil {
		return fmt.Errorf("delete %q: %w", id, ErrNotAcknowledged)
	}

	changed, err := e.db.MarkDeletedForAll(m.ID)
	if err != nil {
		return storeErr(err)
	}
	if changed {
		e.publish(bus.KindMessageDeleted, m.ChatID, m.ID, m.ClientID)
	}
	e.emit(ctx, EventDeleteForAll, messageRef{ChatID: m.ChatID, MessageID: m.ID})
	return nil
}

// DeleteForMe hides a message on this device only.
func (e *Engine) DeleteForMe(id string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("hide %q: %w", id, ErrNotFound)
	}
	changed, err := e.db.HideLocally(m.ID)
	if err != nil {
		return storeErr(err)
	}
	if changed {
		e.publish(bus.KindMessageHidden, m.ChatID, m.ID, m.ClientID)
	}
	return nil
}

// MarkRead marks a received message read and tells the sender, once.
func (e *Engine) MarkRead(ctx context.Context, id string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("mark read %q: %w", id, ErrNotFound)
	}
	if m.SenderID == e.self() {
		return nil
	}
	changed, err := e.db.MarkStatus(m.ID, store.StatusRead)
	if err != nil {
		return storeErr(err)
	}
	if !changed {
		return nil
	}
	e.publish(bus.KindMessageUpdated, m.ChatID, m.ID, m.ClientID)
	e.emit(ctx, EventRead, messageRef{ChatID: m.ChatID, MessageID: m.ID})
	return nil
}

// ListMessages returns the latest limit visible messages of a chat, oldest
// first.
func (e *Engine) ListMessages(chatID string, limit int) ([]store.Message, error) {
	msgs, err := e.db.ListMessages(chatID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return msgs, nil
}

// Retry puts a rejected send back in the queue and dispatches it.
func (e *Engine) Retry(ctx context.Context, clientID string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	entry, err := e.db.GetOutbox(clientID)
	if err != nil {
		return storeErr(err)
	}
	if entry == nil {
		return fmt.Errorf("retry %q: %w", clientID, ErrNotFound)
	}
	m, err := e.db.GetMessageByClientID(clientID)
	if err != nil {
		return storeErr(err)
	}
	if m != nil {
		changed, err := e.db.MarkStatus(m.ID, store.StatusPending)
		if err != nil {
			return storeErr(err)
		}
		if changed {
			e.publish(bus.KindMessageUpdated, m.ChatID, m.ID, clientID)
		}
	}
	if err := e.db.ClearOutboxError(clientID); err != nil {
		return storeErr(err)
	}
	if e.ch.Connected() {
		if _, err := e.dispatcher.Dispatch(ctx, *entry); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// JoinChat opens a chat so it is joined now and after every reconnect.
func (e *Engine) JoinChat(ctx context.Context, chatID string) error {
	if err := e.db.OpenChat(chatID); err != nil {
		return storeErr(err)
	}
	if err := e.ch.Emit(ctx, outbox.EventJoin, outbox.ChatRequest{ChatID: chatID}); err != nil {
		e.logger.Debug("join deferred to reconnect", zap.String("chat_id", chatID))
	}
	return nil
}

// LeaveChat stops rejoining a chat.
func (e *Engine) LeaveChat(chatID string) error {
	return storeErr(e.db.CloseChat(chatID))
}

// StartTyping and StopTyping are dropped while offline.
func (e *Engine) StartTyping(ctx context.Context, chatID string) {
	_ = e.ch.Emit(ctx, EventTypingStart, chatRef{ChatID: chatID})
}

func (e *Engine) StopTyping(ctx context.Context, chatID string) {
	_ = e.ch.Emit(ctx, EventTypingStop, chatRef{ChatID: chatID})
}

// lookup finds a message by id, falling back to the client id so callers
// still holding a temporary id reach the row after its ack.
func (e *Engine) lookup(id string) (*store.Message, error) {
	m, err := e.db.GetMessage(id)
	if err != nil {
		return nil, storeErr(err)
	}
	if m != nil {
		return m, nil
	}
	m, err = e.db.GetMessageByClientID(id)
	if err != nil {
		return nil, storeErr(err)
	}
	return m, nil
}

// emit sends an intent, holding it in memory until the next connect when
// the channel is down.
func (e *Engine) emit(ctx context.Context, event string, data any) {
	err := e.ch.Emit(ctx, event, data)
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.deferred) >= maxDeferred {
		e.logger.Warn("dropping oldest deferred intent", zap.String("event", e.deferred[0].event))
		e.deferred = e.deferred[1:]
	}
	e.deferred = append(e.deferred, intent{event: event, data: data})
	e.logger.Debug("intent deferred", zap.String("event", event), zap.Error(err))
}

func (e *Engine) flushDeferred(ctx context.Context) {
	e.mu.Lock()
	pending := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	for i, it := range pending {
		if err := e.ch.Emit(ctx, it.event, it.data); err != nil {
			e.mu.Lock()
			e.deferred = slices.Concat(pending[i:], e.deferred)
			e.mu.Unlock()
			return
		}
	}
}

func (e *Engine) publish(kind, chatID, messageID, clientID string) {
	e.bus.PublishMessage(kind, bus.MessageChange{ChatID: chatID, MessageID: messageID, ClientID: clientID})
}

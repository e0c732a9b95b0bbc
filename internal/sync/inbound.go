package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// HandleLifecycle replays the outbox and flushes deferred intents on every
// connect.
func (e *Engine) HandleLifecycle(ctx context.Context, ev channel.Lifecycle) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch ev.Kind {
	case channel.LifecycleConnect:
		n, err := e.dispatcher.Replay(ctx)
		if err != nil {
			e.logger.Error("outbox replay failed", zap.Error(err))
			return
		}
		e.flushDeferred(ctx)
		e.logger.Debug("connected", zap.Int("replayed", n))
	case channel.LifecycleDisconnect:
		e.logger.Info("offline, sends will be queued", zap.Error(ev.Err))
	case channel.LifecycleConnectError:
		e.logger.Debug("connect attempt failed", zap.Error(ev.Err))
	case channel.LifecycleAuthFailed:
		e.logger.Error("channel gave up after credential failures", zap.Error(ev.Err))
	}
}

// HandleFrame applies one inbound event to the local store. Frames are
// delivered one at a time in arrival order.
func (e *Engine) HandleFrame(ctx context.Context, f channel.Frame) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	var err error
	switch f.Event {
	case EventSendAck:
		var ack sendAck
		if err = f.Decode(&ack); err == nil {
			err = e.handleSendAck(ctx, ack)
		}
	case EventNew:
		var m store.Message
		if err = f.Decode(&m); err == nil {
			err = e.handleNew(ctx, &m)
		}
	case EventReceipt:
		var r receipt
		if err = f.Decode(&r); err == nil {
			err = e.handleReceipt(r)
		}
	case EventDeleted:
		var ref messageRef
		if err = f.Decode(&ref); err == nil {
			err = e.handleDeleted(ref)
		}
	case EventEdited:
		var ev editBroadcast
		if err = f.Decode(&ev); err == nil {
			err = e.handleEdited(ev)
		}
	default:
		e.logger.Debug("ignoring event", zap.String("event", f.Event))
		return
	}
	if err != nil {
		e.logger.Error("failed to handle event", zap.String("event", f.Event), zap.Error(err))
	}
}

func (e *Engine) handleSendAck(ctx context.Context, ack sendAck) error {
	if ack.ClientID == "" {
		return errors.New("send-ack without client id")
	}
	switch ack.Status {
	case store.StatusSent:
		if ack.MessageID == "" {
			return fmt.Errorf("send-ack for %q without message id", ack.ClientID)
		}
		if _, err := e.db.Dequeue(ack.ClientID); err != nil {
			return storeErr(err)
		}
		res, err := e.db.ReplaceIdentifier(ack.ClientID, ack.MessageID)
		if err != nil {
			return storeErr(err)
		}
		switch res {
		case store.Replaced:
			e.bus.PublishMessage(bus.KindMessageIDReplaced, bus.MessageChange{
				ChatID: ack.ChatID, MessageID: ack.MessageID, ClientID: ack.ClientID, PreviousID: ack.ClientID,
			})
			if err := e.applyHeldReceipt(ack.ChatID, ack.MessageID); err != nil {
				return err
			}
		case store.ReplaceDuplicate:
			e.logger.Debug("duplicate send-ack", zap.String("client_id", ack.ClientID), zap.String("message_id", ack.MessageID))
			return nil
		case store.ReplaceMissing:
			e.logger.Warn("send-ack for a message that was never stored locally",
				zap.String("client_id", ack.ClientID), zap.String("message_id", ack.MessageID))
			return nil
		}
		return e.resendEdit(ctx, ack.MessageID)

	case store.StatusFailed:
		m, err := e.db.GetMessageByClientID(ack.ClientID)
		if err != nil {
			return storeErr(err)
		}
		if m != nil {
			if _, err := e.db.MarkStatus(m.ID, store.StatusFailed); err != nil {
				return storeErr(err)
			}
		}
		if err := e.db.MarkOutboxFailed(ack.ClientID, ack.Error); err != nil {
			return storeErr(err)
		}
		e.logger.Warn("send rejected", zap.String("client_id", ack.ClientID), zap.String("error", ack.Error))
		change := bus.MessageChange{ChatID: ack.ChatID, MessageID: ack.ClientID, ClientID: ack.ClientID, Error: ack.Error}
		if m != nil {
			change.ChatID, change.MessageID = m.ChatID, m.ID
		}
		e.bus.PublishMessage(bus.KindMessageSendFailed, change)
		return nil
	}
	return fmt.Errorf("send-ack for %q with status %q", ack.ClientID, ack.Status)
}

// resendEdit forwards edits made before the ack, since the server only knew
// the message by its client id while they happened.
func (e *Engine) resendEdit(ctx context.Context, id string) error {
	m, err := e.db.GetMessage(id)
	if err != nil {
		return storeErr(err)
	}
	if m == nil || !m.IsEdited || m.DeletedForAll {
		return nil
	}
	media := m.MediaRefs
	e.emit(ctx, EventEdit, editRequest{
		ChatID:    m.ChatID,
		MessageID: m.ID,
		Patch:     store.MessagePatch{Body: &m.Body, Caption: &m.Caption, MediaRefs: &media},
	})
	return nil
}

func (e *Engine) handleNew(ctx context.Context, m *store.Message) error {
	if m.ID == "" || m.ChatID == "" {
		return errors.New("msg:new without id or chat id")
	}

	// Our own echo can overtake the ack.
	if m.ClientID != "" && m.ClientID != m.ID {
		res, err := e.db.ReplaceIdentifier(m.ClientID, m.ID)
		if err != nil {
			return storeErr(err)
		}
		if res == store.Replaced {
			e.bus.PublishMessage(bus.KindMessageIDReplaced, bus.MessageChange{
				ChatID: m.ChatID, MessageID: m.ID, ClientID: m.ClientID, PreviousID: m.ClientID,
			})
		}
	}

	if !m.Status.Valid() || m.Status == store.StatusPending || m.Status == store.StatusFailed {
		m.Status = store.StatusSent
	}
	created, err := e.db.UpsertMessage(m)
	if err != nil {
		return storeErr(err)
	}
	e.bus.PublishMessage(bus.KindMessageUpserted, bus.MessageChange{ChatID: m.ChatID, MessageID: m.ID, ClientID: m.ClientID})
	if err := e.applyHeldReceipt(m.ChatID, m.ID); err != nil {
		return err
	}

	if created && m.SenderID != e.self() {
		e.emit(ctx, EventDelivered, messageRef{ChatID: m.ChatID, MessageID: m.ID})
	}
	return nil
}

func (e *Engine) handleReceipt(r receipt) error {
	var status store.Status
	switch r.Kind {
	case "delivered":
		status = store.StatusDelivered
	case "read":
		status = store.StatusRead
	default:
		return fmt.Errorf("receipt for %q with kind %q", r.MessageID, r.Kind)
	}
	changed, err := e.db.MarkStatus(r.MessageID, status)
	if err != nil {
		return storeErr(err)
	}
	if changed {
		e.bus.PublishMessage(bus.KindMessageUpdated, bus.MessageChange{ChatID: r.ChatID, MessageID: r.MessageID})
		return nil
	}

	// The ack naming this id may still be on its way.
	m, err := e.db.GetMessage(r.MessageID)
	if err != nil {
		return storeErr(err)
	}
	if m == nil {
		e.holdReceipt(r.MessageID, status)
	}
	return nil
}

func (e *Engine) holdReceipt(id string, status store.Status) {
	if prev, ok := e.held[id]; ok {
		if store.CanAdvance(prev, status) {
			e.held[id] = status
		}
		return
	}
	if len(e.heldOrder) >= maxHeldReceipts {
		oldest := e.heldOrder[0]
		e.heldOrder = e.heldOrder[1:]
		delete(e.held, oldest)
		e.logger.Debug("dropping held receipt", zap.String("message_id", oldest))
	}
	e.held[id] = status
	e.heldOrder = append(e.heldOrder, id)
}

// applyHeldReceipt replays a receipt held for id once the row exists.
func (e *Engine) applyHeldReceipt(chatID, id string) error {
	status, ok := e.held[id]
	if !ok {
		return nil
	}
	delete(e.held, id)
	e.heldOrder = slices.DeleteFunc(e.heldOrder, func(k string) bool { return k == id })

	changed, err := e.db.MarkStatus(id, status)
	if err != nil {
		return storeErr(err)
	}
	if changed {
		e.bus.PublishMessage(bus.KindMessageUpdated, bus.MessageChange{ChatID: chatID, MessageID: id})
	}
	return nil
}

func (e *Engine) handleDeleted(ref messageRef) error {
	hidden, err := e.db.IsHiddenLocally(ref.MessageID)
	if err != nil {
		return storeErr(err)
	}
	if hidden {
		e.logger.Debug("tombstone skipped, message hidden locally", zap.String("message_id", ref.MessageID))
		return nil
	}
	changed, err := e.db.MarkDeletedForAll(ref.MessageID)
	if err != nil {
		return storeErr(err)
	}
	if changed {
		e.bus.PublishMessage(bus.KindMessageDeleted, bus.MessageChange{ChatID: ref.ChatID, MessageID: ref.MessageID})
	}
	return nil
}

func (e *Engine) handleEdited(ev editBroadcast) error {
	if ev.Patch.Empty() {
		return fmt.Errorf("msg:edited for %q without changes", ev.MessageID)
	}
	p := ev.Patch
	edited := true
	p.IsEdited = &edited
	if ev.EditedAt > 0 {
		p.EditedAt = &ev.EditedAt
	}
	patched, err := e.db.PatchMessage(ev.MessageID, p)
	if err != nil {
		return storeErr(err)
	}
	if patched {
		e.bus.PublishMessage(bus.KindMessageUpdated, bus.MessageChange{ChatID: ev.ChatID, MessageID: ev.MessageID})
	}
	return nil
}

package sync

import "github.com/matheus3301/chatsync/internal/store"

// Events received from the backend.
const (
	EventSendAck = "send-ack"
	EventNew     = "msg:new"
	EventReceipt = "msg:receipt"
	EventDeleted = "msg:deleted"
	EventEdited  = "msg:edited"
)

// Events emitted to the backend, besides msg:send and chat:join which the
// outbox dispatcher owns.
const (
	EventDelivered    = "msg:delivered"
	EventRead         = "msg:read"
	EventDeleteForAll = "msg:deleteForAll"
	EventEdit         = "msg:edit"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
)

// Draft is a message as composed by the user. It is stored as the outbox
// payload and sent verbatim in msg:send.
type Draft struct {
	Kind      store.Kind           `json:"kind"`
	Body      string               `json:"body,omitempty"`
	Caption   string               `json:"caption,omitempty"`
	MediaRefs []store.MediaRef     `json:"mediaRefs,omitempty"`
	ReplyToID string               `json:"replyToId,omitempty"`
	ReplyTo   *store.ReplySnapshot `json:"replyToSnapshot,omitempty"`
	CreatedAt int64                `json:"createdAt"`
}

func (d *Draft) apply(p store.MessagePatch) {
	if p.Body != nil {
		d.Body = *p.Body
	}
	if p.Caption != nil {
		d.Caption = *p.Caption
	}
	if p.MediaRefs != nil {
		d.MediaRefs = *p.MediaRefs
	}
}

type sendAck struct {
	ChatID    string       `json:"chatId"`
	ClientID  string       `json:"clientId"`
	MessageID string       `json:"messageId"`
	Status    store.Status `json:"status"`
	Error     string       `json:"error,omitempty"`
}

type receipt struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Kind      string `json:"kind"`
}

// messageRef is the payload of every event that only names a message.
type messageRef struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type editRequest struct {
	ChatID    string             `json:"chatId"`
	MessageID string             `json:"messageId"`
	Patch     store.MessagePatch `json:"patch"`
}

type editBroadcast struct {
	ChatID    string             `json:"chatId"`
	MessageID string             `json:"messageId"`
	Patch     store.MessagePatch `json:"patch"`
	EditedAt  int64              `json:"editedAt,omitempty"`
}

type chatRef struct {
	ChatID string `json:"chatId"`
}

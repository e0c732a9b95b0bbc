package store

import "encoding/json"

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses along the forward path. Failed shares the pending slot.
func (s Status) rank() int {
	switch s {
	case StatusPending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanAdvance reports whether a message may move from one status to another.
// Statuses only move forward, except failed -> pending on retry. Only a
// pending message can fail.
func CanAdvance(from, to Status) bool {
	if from == to || !to.Valid() {
		return false
	}
	switch {
	case to == StatusFailed:
		return from == StatusPending
	case from == StatusFailed && to == StatusPending:
		return true
	}
	return to.rank() > from.rank()
}

// higher returns whichever of a and b is further along the forward path,
// preferring a on ties.
func higher(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Kind is the content type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindFile:
		return true
	}
	return false
}

// MediaRef describes one attachment of a message.
type MediaRef struct {
	URL        string `json:"url"`
	MimeType   string `json:"mimeType,omitempty"`
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// ReplySnapshot is a denormalized copy of a replied-to message, kept so the
// reply renders even when the original is not stored locally.
type ReplySnapshot struct {
	MessageID         string `json:"messageId"`
	SenderID          string `json:"senderId,omitempty"`
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
	Kind              Kind   `json:"kind,omitempty"`
	Body              string `json:"body,omitempty"`
}

// Message is one row of the local message table.
//
// ID starts out as the client-generated ClientID and is replaced once by the
// server-assigned id. CreatedAt and EditedAt are unix milliseconds.
type Message struct {
	ID                string         `json:"id"`
	ChatID            string         `json:"chatId"`
	ClientID          string         `json:"clientId,omitempty"`
	SenderID          string         `json:"senderId"`
	SenderDisplayName string         `json:"senderDisplayName,omitempty"`
	SenderAvatarRef   string         `json:"senderAvatarRef,omitempty"`
	Kind              Kind           `json:"kind"`
	Body              string         `json:"body,omitempty"`
	Caption           string         `json:"caption,omitempty"`
	MediaRefs         []MediaRef     `json:"mediaRefs,omitempty"`
	ReplyToID         string         `json:"replyToId,omitempty"`
	ReplyTo           *ReplySnapshot `json:"replyToSnapshot,omitempty"`
	CreatedAt         int64          `json:"createdAt"`
	Status            Status         `json:"status,omitempty"`
	DeletedForAll     bool           `json:"deletedForAll,omitempty"`
	HiddenLocally     bool           `json:"-"`
	IsEdited          bool           `json:"isEdited,omitempty"`
	EditedAt          int64          `json:"editedAt,omitempty"`
}

// MessagePatch names the fields a partial update touches. Nil fields are
// left as stored.
type MessagePatch struct {
	Body      *string     `json:"body,omitempty"`
	Caption   *string     `json:"caption,omitempty"`
	MediaRefs *[]MediaRef `json:"mediaRefs,omitempty"`
	IsEdited  *bool       `json:"-"`
	EditedAt  *int64      `json:"-"`
}

// Empty reports whether the patch names no content field.
func (p MessagePatch) Empty() bool {
	return p.Body == nil && p.Caption == nil && p.MediaRefs == nil
}

// OutboxEntry is a send that has not yet been positively acknowledged.
type OutboxEntry struct {
	Seq           int64
	ClientID      string
	ChatID        string
	Payload       json.RawMessage
	CreatedAt     int64
	AttemptCount  int
	LastError     string
	LastAttemptAt int64
}

// ReplaceResult reports what ReplaceIdentifier did.
type ReplaceResult int

const (
	// ReplaceMissing means neither the temporary nor the permanent row exists.
	ReplaceMissing ReplaceResult = iota
	// ReplaceDuplicate means the row already carries the permanent id.
	ReplaceDuplicate
	// Replaced means the temporary row now carries the permanent id.
	Replaced
)

func (r ReplaceResult) String() string {
	switch r {
	case ReplaceDuplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	}
	return "missing"
}

package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "message." receives every store-change notification.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageUpdated    = "message.updated"
	KindMessageIDReplaced = "message.id_replaced"
	KindMessageSendFailed = "message.send_failed"
	KindMessageDeleted    = "message.deleted"
	KindMessageHidden     = "message.hidden"
	KindChannelState      = "channel.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageChange is the payload of message.* events.
type MessageChange struct {
	ChatID    string
	MessageID string
	ClientID  string
	// PreviousID is set on message.id_replaced.
	PreviousID string
	// Error is set on message.send_failed.
	Error string
}

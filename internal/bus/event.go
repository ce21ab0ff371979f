package bus

import "time"

// Event kinds published by the sync daemon. Subscribers filter by prefix,
// so "conversation." receives every conversation event.
const (
	KindEnvelope = "realtime.envelope"

	KindConversationsLoaded = "conversation.loaded"
	KindConversationUpdated = "conversation.updated"
	KindConversationRead    = "conversation.read"
	KindConversationSelect  = "conversation.selected"

	KindMessageUpserted = "message.upserted"
	KindMessageRemoved  = "message.removed"
	KindHistoryLoaded   = "message.history_loaded"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"

	KindTypingChanged   = "typing.changed"
	KindPresenceChanged = "presence.changed"

	KindChannelStatus = "channel.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ConversationRef identifies the conversation an event is about.
type ConversationRef struct {
	ConversationID string
}

// MessageRef identifies a single message.
type MessageRef struct {
	ConversationID string
	MessageID      string
}

package models

// EventKind enumerates the change-feed event types.
type EventKind string

const (
	// EventMessageCreated signals a new row in the message log.
	EventMessageCreated EventKind = "message_created"
	// EventMessagesRead signals a bulk read-state update for one direction
	// of a conversation.
	EventMessagesRead EventKind = "messages_read"
)

// Event is one change-feed notification. Delivery is at-least-once and
// unordered; consumers dedupe created events by Message.ID and treat read
// events as idempotent state merges.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message *Message  `json:"message,omitempty"`
	// ReaderID/OtherID scope a messages_read event: every unread message
	// from OtherID to ReaderID became read.
	ReaderID string `json:"reader_id,omitempty"`
	OtherID  string `json:"other_id,omitempty"`
}

// Key derives the conversation the event belongs to.
func (e Event) Key() ConversationKey {
	if e.Kind == EventMessageCreated && e.Message != nil {
		return NewConversationKey(e.Message.SenderID, e.Message.ReceiverID)
	}
	return NewConversationKey(e.ReaderID, e.OtherID)
}

// Involves reports whether the event concerns one of the user's conversations.
func (e Event) Involves(userID string) bool {
	return e.Key().Has(userID)
}

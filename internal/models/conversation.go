package models

import (
	"fmt"
	"time"
)

// ConversationKey identifies the conversation between exactly two users.
// It is a derived value, never persisted: all messages between the pair
// belong to it regardless of which listing they reference. A is always
// the lexicographically smaller id so both participants derive the same
// key independently.
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey canonicalizes an unordered pair of user ids.
func NewConversationKey(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

// Channel names the pub/sub scope shared by message notification and
// presence for the pair.
func (k ConversationKey) Channel() string {
	return fmt.Sprintf("chat:%s:%s", k.A, k.B)
}

// ChannelForAd names the per-listing channel used by the embedded widget,
// partitioning presence per ad+pair rather than per pair only.
func (k ConversationKey) ChannelForAd(adID string) string {
	return fmt.Sprintf("chat:%s:%s:ad:%s", k.A, k.B, adID)
}

// Matches reports whether the message belongs to this conversation.
func (k ConversationKey) Matches(m Message) bool {
	return (m.SenderID == k.A && m.ReceiverID == k.B) ||
		(m.SenderID == k.B && m.ReceiverID == k.A)
}

// Has reports whether userID participates in the conversation.
func (k ConversationKey) Has(userID string) bool {
	return k.A == userID || k.B == userID
}

// Counterpart returns the other participant relative to userID.
func (k ConversationKey) Counterpart(userID string) string {
	if k.A == userID {
		return k.B
	}
	return k.A
}

// ConversationSummary is one row of a user's inbox: the counterpart and
// the most recent message exchanged with them, across all listings.
type ConversationSummary struct {
	CounterpartID string  `json:"counterpart_id"`
	Preview       Message `json:"preview"`
	UnreadCount   int     `json:"unread_count"`
}

// LastActivity is the preview timestamp, used to order the inbox.
func (s ConversationSummary) LastActivity() time.Time {
	return s.Preview.CreatedAt
}

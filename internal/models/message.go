package models

import (
	"errors"
	"fmt"
	"time"
)

// MessageType distinguishes plain text messages from image attachments.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

// ErrValidation is wrapped by all pre-persistence validation failures.
var ErrValidation = errors.New("validation failed")

// Message is a single durable chat message. Immutable once created
// except for the is_read flag, which only the receiver can flip.
type Message struct {
	ID            string      `db:"id" json:"id"`
	SenderID      string      `db:"sender_id" json:"sender_id"`
	ReceiverID    string      `db:"receiver_id" json:"receiver_id"`
	AdID          *string     `db:"ad_id" json:"ad_id"`
	Content       string      `db:"content" json:"content"`
	Type          MessageType `db:"type" json:"type"`
	AttachmentURL *string     `db:"attachment_url" json:"attachment_url"`
	IsRead        bool        `db:"is_read" json:"is_read"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// Counterpart returns the other participant of the message relative to userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Before orders messages by created_at ascending, breaking ties by id so
// the ordering is stable across re-sorts.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// NewMessage carries the client-supplied fields of a message to be inserted.
// ID and CreatedAt are server-assigned on insert.
type NewMessage struct {
	SenderID      string      `json:"sender_id"`
	ReceiverID    string      `json:"receiver_id"`
	AdID          *string     `json:"ad_id"`
	Content       string      `json:"content"`
	Type          MessageType `json:"type"`
	AttachmentURL *string     `json:"attachment_url"`
}

// Validate rejects malformed messages before any network or database call.
func (n NewMessage) Validate() error {
	if n.SenderID == "" || n.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrValidation)
	}
	if n.SenderID == n.ReceiverID {
		return fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	switch n.Type {
	case TypeText:
		if n.Content == "" {
			return fmt.Errorf("%w: content is required for text messages", ErrValidation)
		}
	case TypeImage:
		if n.AttachmentURL == nil || *n.AttachmentURL == "" {
			return fmt.Errorf("%w: attachment_url is required for image messages", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, n.Type)
	}
	return nil
}

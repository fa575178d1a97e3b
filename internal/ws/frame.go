package ws

import (
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

// Frame is the payload pushed to websocket clients: message events from the
// change feed and presence sync snapshots share the channel.
type Frame struct {
	Type     string            `json:"type"` // "message", "read", "presence"
	Message  *models.Message   `json:"message,omitempty"`
	ReaderID string            `json:"reader_id,omitempty"`
	OtherID  string            `json:"other_id,omitempty"`
	Presence presence.Snapshot `json:"presence,omitempty"`
}

// clientFrame is what connected clients send upstream.
type clientFrame struct {
	Type     string `json:"type"` // "typing", "heartbeat", "read"
	IsTyping bool   `json:"is_typing"`
}

func frameFromEvent(ev models.Event) Frame {
	switch ev.Kind {
	case models.EventMessageCreated:
		return Frame{Type: "message", Message: ev.Message}
	case models.EventMessagesRead:
		return Frame{Type: "read", ReaderID: ev.ReaderID, OtherID: ev.OtherID}
	default:
		return Frame{Type: string(ev.Kind)}
	}
}

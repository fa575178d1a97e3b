package ws

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ConnInfo is the metadata attached to one websocket connection, used for
// logging and metrics labels.
type ConnInfo struct {
	ConnID      string
	UserID      string
	Kind        string // "pair" for the inbox, "ad" for the listing widget
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// newConnID returns a random 128-bit hex id correlating a connection's
// lifecycle across log lines.
func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/identity"
)

func TestHandshakeTokenRequiresBearerScheme(t *testing.T) {
	provider := identity.NewProvider("test-secret", time.Hour)
	token, err := provider.Issue("alice")
	require.NoError(t, err)

	h := NewChatWebSocketHandler(nil, nil, nil, nil, nil, nil, provider)

	userID, err := h.validateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	userID, err = h.validateToken("bearer " + token)
	require.NoError(t, err, "scheme comparison is case-insensitive")
	assert.Equal(t, "alice", userID)

	_, err = h.validateToken("Basic " + token)
	assert.ErrorIs(t, err, identity.ErrAuthRequired)

	_, err = h.validateToken(token)
	assert.ErrorIs(t, err, identity.ErrAuthRequired)

	_, err = h.validateToken("")
	assert.ErrorIs(t, err, identity.ErrAuthRequired)
}

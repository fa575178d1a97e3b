package directory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"marketplace-chat/internal/models"
)

// Cache keeps msgpack-encoded preview lists in Redis with a short TTL.
// Every method is safe on a nil receiver, so a missing Redis just means
// every read goes to the log.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a preview cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func previewKey(userID string) string {
	return "previews:" + userID
}

// Get returns the cached preview list for the user, if present.
func (c *Cache) Get(ctx context.Context, userID string) ([]models.ConversationSummary, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, previewKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("preview cache get failed")
		}
		return nil, false
	}
	var previews []models.ConversationSummary
	if err := msgpack.Unmarshal(data, &previews); err != nil {
		return nil, false
	}
	return previews, true
}

// Set stores the preview list for the user.
func (c *Cache) Set(ctx context.Context, userID string, previews []models.ConversationSummary) {
	if c == nil || c.client == nil {
		return
	}
	data, err := msgpack.Marshal(previews)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, previewKey(userID), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("preview cache set failed")
	}
}

// Invalidate drops cached lists for the given users.
func (c *Cache) Invalidate(ctx context.Context, userIDs ...string) {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, previewKey(id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Msg("preview cache invalidate failed")
	}
}

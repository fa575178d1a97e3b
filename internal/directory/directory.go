// Package directory derives conversation identity and the inbox preview
// list from the flat message log. Conversations are never persisted: the
// unordered participant pair is the only identity they have.
package directory

import (
	"context"
	"sort"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/store"
)

// Directory groups the message log into per-counterpart conversations.
type Directory struct {
	store store.MessageStore
	cache *Cache
}

// New constructs a Directory. cache may be nil to disable caching.
func New(st store.MessageStore, cache *Cache) *Directory {
	return &Directory{store: st, cache: cache}
}

// Resolve canonicalizes a participant pair into the conversation key both
// sides derive independently.
func (d *Directory) Resolve(userA, userB string) models.ConversationKey {
	return models.NewConversationKey(userA, userB)
}

// ListConversations scans all messages involving the user and returns one
// summary per counterpart, previewed by the most recent message across all
// listings, ordered by that preview descending. Messages about different
// ads between the same pair collapse into a single row.
func (d *Directory) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if cached, ok := d.cache.Get(ctx, userID); ok {
		return cached, nil
	}

	msgs, err := d.store.ListInvolving(ctx, userID)
	if err != nil {
		return nil, err
	}

	byCounterpart := make(map[string]*models.ConversationSummary)
	for _, m := range msgs {
		other := m.Counterpart(userID)
		summary, ok := byCounterpart[other]
		if !ok {
			summary = &models.ConversationSummary{CounterpartID: other, Preview: m}
			byCounterpart[other] = summary
		} else if summary.Preview.Before(m) {
			summary.Preview = m
		}
		if m.ReceiverID == userID && !m.IsRead {
			summary.UnreadCount++
		}
	}

	result := make([]models.ConversationSummary, 0, len(byCounterpart))
	for _, summary := range byCounterpart {
		result = append(result, *summary)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LastActivity().Equal(result[j].LastActivity()) {
			return result[i].CounterpartID < result[j].CounterpartID
		}
		return result[i].LastActivity().After(result[j].LastActivity())
	})

	d.cache.Set(ctx, userID, result)
	return result, nil
}

// Invalidate drops the cached preview lists of the given users. Called on
// every insert and read-state change so both participants see fresh inboxes.
func (d *Directory) Invalidate(ctx context.Context, userIDs ...string) {
	d.cache.Invalidate(ctx, userIDs...)
}

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

// MessageStore abstracts the durable append-only message log.
type MessageStore interface {
	Insert(ctx context.Context, msg models.NewMessage) (models.Message, error)
	Range(ctx context.Context, userA, userB string) ([]models.Message, error)
	MarkRead(ctx context.Context, reader, other string) (int64, error)
	ListInvolving(ctx context.Context, userID string) ([]models.Message, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
}

// MessageRepo is a sqlx implementation of MessageStore.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, sender_id, receiver_id, ad_id, content, type, attachment_url, is_read, created_at`

// Insert validates and stores a message, returning the created record with
// its server-assigned id and timestamp.
func (r *MessageRepo) Insert(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	var created models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, ad_id, content, type, attachment_url)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         RETURNING `+messageColumns,
		uuid.NewString(), msg.SenderID, msg.ReceiverID, msg.AdID, msg.Content, msg.Type, msg.AttachmentURL).
		StructScan(&created)
	return created, err
}

// Range returns every message exchanged between the two users in either
// direction, ascending by created_at. Symmetric: Range(A,B) == Range(B,A).
func (r *MessageRepo) Range(ctx context.Context, userA, userB string) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
        ORDER BY created_at ASC, id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, userA, userB)
	return msgs, err
}

// MarkRead flips every unread message sent by other to reader. The query
// shape enforces that only the receiver can change read state and makes the
// call idempotent: a second invocation matches zero rows.
func (r *MessageRepo) MarkRead(ctx context.Context, reader, other string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE
         WHERE receiver_id=$1 AND sender_id=$2 AND is_read = FALSE`,
		reader, other)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListInvolving returns all messages the user sent or received, ascending
// by created_at. Input for conversation derivation.
func (r *MessageRepo) ListInvolving(ctx context.Context, userID string) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE sender_id=$1 OR receiver_id=$1
        ORDER BY created_at ASC, id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, userID)
	return msgs, err
}

// CountUnread returns the user's total unread message count across all
// conversations, used for the inbox badge.
func (r *MessageRepo) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages WHERE receiver_id=$1 AND is_read = FALSE`, userID)
	return count, err
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"civic_realtime/server/realtime/domain"
)

// Repository is the Postgres side of the realtime service.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	var m domain.Message
	err := r.pool.QueryRow(ctx, `
		SELECT message_id, conversation_id, sender_id, created_at
		FROM messages
		WHERE message_id=$1
	`, messageID).Scan(&m.MessageID, &m.ConversationID, &m.SenderID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
		}
		return domain.Message{}, err
	}
	return m, nil
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM conversation_participants
			WHERE conversation_id=$1 AND user_id=$2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) CountParticipants(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversation_participants WHERE conversation_id=$1`, conversationID).Scan(&n)
	return n, err
}

// UpsertReceipt keeps the first read_at for a (message, user) pair.
func (r *Repository) UpsertReceipt(ctx context.Context, receipt domain.ReadReceipt) (domain.ReadReceipt, error) {
	readAt := receipt.ReadAt
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	var out domain.ReadReceipt
	err := r.pool.QueryRow(ctx, `
		INSERT INTO message_reads(message_id, conversation_id, user_id, read_at, delivered_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET delivered_at=COALESCE(message_reads.delivered_at, EXCLUDED.delivered_at)
		RETURNING message_id, conversation_id, user_id, read_at, delivered_at
	`, receipt.MessageID, receipt.ConversationID, receipt.UserID, readAt, receipt.DeliveredAt).
		Scan(&out.MessageID, &out.ConversationID, &out.UserID, &out.ReadAt, &out.DeliveredAt)
	if err != nil {
		return domain.ReadReceipt{}, err
	}
	return out, nil
}

func (r *Repository) ListReceipts(ctx context.Context, conversationID string) ([]domain.ReadReceipt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_id, conversation_id, user_id, read_at, delivered_at
		FROM message_reads
		WHERE conversation_id=$1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ReadReceipt, 0)
	for rows.Next() {
		var rr domain.ReadReceipt
		if err := rows.Scan(&rr.MessageID, &rr.ConversationID, &rr.UserID, &rr.ReadAt, &rr.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// ToggleReaction deletes the triple if present, otherwise inserts it.
func (r *Repository) ToggleReaction(ctx context.Context, reaction domain.Reaction) (bool, domain.Reaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, domain.Reaction{}, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		DELETE FROM message_reactions
		WHERE message_id=$1 AND user_id=$2 AND emoji=$3
	`, reaction.MessageID, reaction.UserID, reaction.Emoji)
	if err != nil {
		return false, domain.Reaction{}, err
	}
	if cmd.RowsAffected() > 0 {
		if err := tx.Commit(ctx); err != nil {
			return false, domain.Reaction{}, err
		}
		return false, reaction, nil
	}

	var out domain.Reaction
	err = tx.QueryRow(ctx, `
		INSERT INTO message_reactions(message_id, conversation_id, user_id, emoji)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id, emoji) DO UPDATE SET emoji=EXCLUDED.emoji
		RETURNING reaction_id, message_id, conversation_id, user_id, emoji, created_at
	`, reaction.MessageID, reaction.ConversationID, reaction.UserID, reaction.Emoji).
		Scan(&out.ID, &out.MessageID, &out.ConversationID, &out.UserID, &out.Emoji, &out.CreatedAt)
	if err != nil {
		return false, domain.Reaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, domain.Reaction{}, err
	}
	return true, out, nil
}

func (r *Repository) ListReactions(ctx context.Context, conversationID string) ([]domain.Reaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT reaction_id, message_id, conversation_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE conversation_id=$1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Reaction, 0)
	for rows.Next() {
		var rr domain.Reaction
		if err := rows.Scan(&rr.ID, &rr.MessageID, &rr.ConversationID, &rr.UserID, &rr.Emoji, &rr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// UpsertPresence writes the durable copy of a user's last reported status.
func (r *Repository) UpsertPresence(ctx context.Context, rec domain.PresenceRecord) error {
	device := rec.DeviceInfo
	if device == nil {
		device = map[string]any{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_presence(user_id, status, last_seen, device_info)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET status=EXCLUDED.status, last_seen=EXCLUDED.last_seen, device_info=EXCLUDED.device_info
	`, rec.UserID, string(rec.Status), rec.LastSeen, device)
	return err
}

// AddParticipant registers userID as a member of conversationID.
func (r *Repository) AddParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversation_participants(conversation_id, user_id)
		VALUES($1, $2)
		ON CONFLICT DO NOTHING
	`, conversationID, userID)
	return err
}

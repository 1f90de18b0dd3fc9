package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"civic_realtime/server/notify/domain"
)

const notificationColumns = `notification_id, user_id, type, title, message, data, priority, action_url,
	is_read, read_at, interaction_count, archived_at, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var (
		n    domain.Notification
		data []byte
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Priority, &n.ActionURL,
		&n.IsRead, &n.ReadAt, &n.InteractionCount, &n.ArchivedAt, &n.CreatedAt)
	if err != nil {
		return domain.Notification{}, err
	}
	n.Data = data
	return n, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return err
}

func (r *Repository) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	data := string(n.Data)
	if data == "" {
		data = "{}"
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO notifications(notification_id, user_id, type, title, message, data, priority, action_url)
		VALUES($1, $2, $3, $4, $5, $6::JSONB, $7, $8)
		RETURNING `+notificationColumns,
		n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.Priority, n.ActionURL)
	return scanNotification(row)
}

func (r *Repository) GetNotification(ctx context.Context, userID, id string) (domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE notification_id=$1 AND user_id=$2`, id, userID)
	n, err := scanNotification(row)
	if err != nil {
		return domain.Notification{}, notFound(err, id)
	}
	return n, nil
}

func (r *Repository) ListNotifications(ctx context.Context, userID string, filter domain.ListFilter) ([]domain.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id=$1
			AND ($2::BOOLEAN = FALSE OR is_read = FALSE)
			AND ($3::BOOLEAN = TRUE OR archived_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $4
	`, userID, filter.UnreadOnly, filter.IncludeArchived, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *Repository) MarkRead(ctx context.Context, userID, id string, at time.Time) (domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE notifications
		SET is_read=TRUE, read_at=COALESCE(read_at, $3)
		WHERE notification_id=$1 AND user_id=$2
		RETURNING `+notificationColumns, id, userID, at)
	n, err := scanNotification(row)
	if err != nil {
		return domain.Notification{}, notFound(err, id)
	}
	return n, nil
}

func (r *Repository) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read=TRUE, read_at=$2 WHERE user_id=$1 AND is_read=FALSE`, userID, at)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *Repository) Interact(ctx context.Context, userID, id string) (domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE notifications
		SET interaction_count=interaction_count+1
		WHERE notification_id=$1 AND user_id=$2
		RETURNING `+notificationColumns, id, userID)
	n, err := scanNotification(row)
	if err != nil {
		return domain.Notification{}, notFound(err, id)
	}
	return n, nil
}

func (r *Repository) SetArchived(ctx context.Context, userID, id string, at time.Time) (domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE notifications
		SET archived_at=COALESCE(archived_at, $3)
		WHERE notification_id=$1 AND user_id=$2
		RETURNING `+notificationColumns, id, userID, at)
	n, err := scanNotification(row)
	if err != nil {
		return domain.Notification{}, notFound(err, id)
	}
	return n, nil
}

func (r *Repository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND is_read=FALSE AND archived_at IS NULL`, userID).Scan(&n)
	return n, err
}

// GetPreference reports found=false when the user never set one for eventType.
func (r *Repository) GetPreference(ctx context.Context, userID, eventType string) (domain.Preference, bool, error) {
	var p domain.Preference
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, event_type, push_enabled, email_enabled, updated_at
		FROM notification_preferences
		WHERE user_id=$1 AND event_type=$2
	`, userID, eventType).Scan(&p.UserID, &p.EventType, &p.PushEnabled, &p.EmailEnabled, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Preference{}, false, nil
		}
		return domain.Preference{}, false, err
	}
	return p, true, nil
}

func (r *Repository) UpsertPreference(ctx context.Context, p domain.Preference) (domain.Preference, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notification_preferences(user_id, event_type, push_enabled, email_enabled, updated_at)
		VALUES($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, event_type)
		DO UPDATE SET push_enabled=EXCLUDED.push_enabled, email_enabled=EXCLUDED.email_enabled, updated_at=NOW()
		RETURNING updated_at
	`, p.UserID, p.EventType, p.PushEnabled, p.EmailEnabled).Scan(&p.UpdatedAt)
	return p, err
}

func (r *Repository) ContactEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx, `SELECT email FROM notification_contacts WHERE user_id=$1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return email, err
}

func (r *Repository) SetContactEmail(ctx context.Context, userID, email string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_contacts(user_id, email) VALUES($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET email=EXCLUDED.email
	`, userID, email)
	return err
}

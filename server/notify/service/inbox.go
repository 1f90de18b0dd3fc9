package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/notify/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type InboxStore interface {
	GetNotification(ctx context.Context, userID, id string) (domain.Notification, error)
	ListNotifications(ctx context.Context, userID string, filter domain.ListFilter) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) (domain.Notification, error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	Interact(ctx context.Context, userID, id string) (domain.Notification, error)
	SetArchived(ctx context.Context, userID, id string, at time.Time) (domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	UpsertPreference(ctx context.Context, p domain.Preference) (domain.Preference, error)
}

// Archiver keeps a JSON snapshot of an archived notification.
// *object.JSONStore satisfies it.
type Archiver interface {
	PutJSON(ctx context.Context, key string, v any) error
}

// Inbox holds the recipient-side mutations. Notifications are never deleted.
type Inbox struct {
	store   InboxStore
	counter *UnreadCounter
	archive Archiver
	now     func() time.Time
}

func NewInbox(store InboxStore, counter *UnreadCounter, archive Archiver) *Inbox {
	return &Inbox{store: store, counter: counter, archive: archive, now: func() time.Time { return time.Now().UTC() }}
}

func requireID(userID, id string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(id) == "" {
		return fmt.Errorf("user and notification id are required: %w", ErrInvalidInput)
	}
	return nil
}

func (s *Inbox) List(ctx context.Context, userID string, filter domain.ListFilter) ([]domain.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user is required: %w", ErrInvalidInput)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.store.ListNotifications(ctx, userID, filter)
}

func (s *Inbox) MarkRead(ctx context.Context, userID, id string) (domain.Notification, error) {
	if err := requireID(userID, id); err != nil {
		return domain.Notification{}, err
	}
	n, err := s.store.MarkRead(ctx, userID, id, s.now())
	if err != nil {
		return domain.Notification{}, err
	}
	s.resyncUnread(ctx, userID)
	return n, nil
}

func (s *Inbox) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("user is required: %w", ErrInvalidInput)
	}
	n, err := s.store.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	s.resyncUnread(ctx, userID)
	return n, nil
}

func (s *Inbox) Interact(ctx context.Context, userID, id string) (domain.Notification, error) {
	if err := requireID(userID, id); err != nil {
		return domain.Notification{}, err
	}
	return s.store.Interact(ctx, userID, id)
}

// Archive snapshots the record to object storage before stamping archived_at.
// Archiving twice keeps the first timestamp.
func (s *Inbox) Archive(ctx context.Context, userID, id string) (domain.Notification, error) {
	if err := requireID(userID, id); err != nil {
		return domain.Notification{}, err
	}
	current, err := s.store.GetNotification(ctx, userID, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if current.ArchivedAt != nil {
		return current, nil
	}
	if s.archive != nil {
		if err := s.archive.PutJSON(ctx, archiveKey(current), current); err != nil {
			return domain.Notification{}, fmt.Errorf("snapshot notification: %w", err)
		}
	}
	n, err := s.store.SetArchived(ctx, userID, id, s.now())
	if err != nil {
		return domain.Notification{}, err
	}
	s.resyncUnread(ctx, userID)
	return n, nil
}

func archiveKey(n domain.Notification) string {
	return fmt.Sprintf("notifications/%s/%s.json", n.UserID, n.ID)
}

// UnreadCount reads the cached counter and falls back to Postgres on a miss.
func (s *Inbox) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("user is required: %w", ErrInvalidInput)
	}
	n, ok, err := s.counter.Get(ctx, userID)
	if err != nil {
		commonlog.Warnf("event=notification action=read_unread status=failed user_id=%s error=%v", userID, err)
	}
	if ok {
		return n, nil
	}
	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.counter.Set(ctx, userID, count); err != nil {
		commonlog.Warnf("event=notification action=set_unread status=failed user_id=%s error=%v", userID, err)
	}
	return count, nil
}

func (s *Inbox) SetPreference(ctx context.Context, p domain.Preference) (domain.Preference, error) {
	p.EventType = strings.TrimSpace(p.EventType)
	if strings.TrimSpace(p.UserID) == "" || p.EventType == "" {
		return domain.Preference{}, fmt.Errorf("event_type is required: %w", ErrInvalidInput)
	}
	return s.store.UpsertPreference(ctx, p)
}

func (s *Inbox) resyncUnread(ctx context.Context, userID string) {
	count, err := s.store.CountUnread(ctx, userID)
	if err == nil {
		err = s.counter.Set(ctx, userID, count)
	}
	if err != nil {
		commonlog.Warnf("event=notification action=resync_unread status=failed user_id=%s error=%v", userID, err)
	}
}

package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"civic_realtime/server/common/transport/push"
	"civic_realtime/server/notify/domain"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory DeliveryStore and InboxStore.
type memStore struct {
	mu            sync.Mutex
	notifications map[string]domain.Notification
	prefs         map[string]domain.Preference
	contacts      map[string]string
	lastFilter    domain.ListFilter

	createErr  error
	prefErr    error
	contactErr error
}

func newMemStore() *memStore {
	return &memStore{
		notifications: map[string]domain.Notification{},
		prefs:         map[string]domain.Preference{},
		contacts:      map[string]string{},
	}
}

func (s *memStore) seed(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Date(2026, 5, 1, 8, 0, len(s.notifications), 0, time.UTC)
	}
	s.notifications[n.ID] = n
}

func (s *memStore) get(id string) domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications[id]
}

func (s *memStore) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	if s.createErr != nil {
		return domain.Notification{}, s.createErr
	}
	n.CreatedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.seed(n)
	return n, nil
}

func (s *memStore) GetPreference(_ context.Context, userID, eventType string) (domain.Preference, bool, error) {
	if s.prefErr != nil {
		return domain.Preference{}, false, s.prefErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID+"/"+eventType]
	return p, ok, nil
}

func (s *memStore) ContactEmail(_ context.Context, userID string) (string, error) {
	if s.contactErr != nil {
		return "", s.contactErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[userID], nil
}

func (s *memStore) GetNotification(_ context.Context, userID, id string) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return domain.Notification{}, domain.ErrNotFound
	}
	return n, nil
}

func (s *memStore) ListNotifications(_ context.Context, userID string, filter domain.ListFilter) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	items := make([]domain.Notification, 0)
	for _, n := range s.notifications {
		if n.UserID != userID || (filter.UnreadOnly && n.IsRead) || (!filter.IncludeArchived && n.ArchivedAt != nil) {
			continue
		}
		items = append(items, n)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *memStore) update(userID, id string, fn func(*domain.Notification)) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return domain.Notification{}, domain.ErrNotFound
	}
	fn(&n)
	s.notifications[id] = n
	return n, nil
}

func (s *memStore) MarkRead(_ context.Context, userID, id string, at time.Time) (domain.Notification, error) {
	return s.update(userID, id, func(n *domain.Notification) {
		n.IsRead = true
		if n.ReadAt == nil {
			n.ReadAt = &at
		}
	})
}

func (s *memStore) MarkAllRead(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for id, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &at
			s.notifications[id] = n
			updated++
		}
	}
	return updated, nil
}

func (s *memStore) Interact(_ context.Context, userID, id string) (domain.Notification, error) {
	return s.update(userID, id, func(n *domain.Notification) { n.InteractionCount++ })
}

func (s *memStore) SetArchived(_ context.Context, userID, id string, at time.Time) (domain.Notification, error) {
	return s.update(userID, id, func(n *domain.Notification) {
		if n.ArchivedAt == nil {
			n.ArchivedAt = &at
		}
	})
}

func (s *memStore) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead && n.ArchivedAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *memStore) UpsertPreference(_ context.Context, p domain.Preference) (domain.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID+"/"+p.EventType] = p
	return p, nil
}

type recordingPush struct {
	mu   sync.Mutex
	keys []string
	msgs []push.Message
	err  error
}

func (p *recordingPush) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	if msg, ok := payload.(push.Message); ok {
		p.msgs = append(p.msgs, msg)
	}
	return p.err
}

type recordingMailer struct {
	sent []Email
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Email) error {
	m.sent = append(m.sent, msg)
	return m.err
}

type recordingArchiver struct {
	keys []string
	docs []any
	err  error
}

func (a *recordingArchiver) PutJSON(_ context.Context, key string, v any) error {
	a.keys = append(a.keys, key)
	a.docs = append(a.docs, v)
	return a.err
}

func newTestCounter(t *testing.T) (*UnreadCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewUnreadCounter(client), mr
}

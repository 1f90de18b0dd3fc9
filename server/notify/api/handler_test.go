package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "civic_realtime/server/common/auth"
	"civic_realtime/server/common/middleware"
	"civic_realtime/server/notify/domain"
	"civic_realtime/server/notify/service"
)

const testServiceKey = "svc-key-for-tests"

type memStore struct {
	mu            sync.Mutex
	notifications map[string]domain.Notification
	prefs         map[string]domain.Preference
	createErr     error
}

func newMemStore() *memStore {
	return &memStore{notifications: map[string]domain.Notification{}, prefs: map[string]domain.Preference{}}
}

func (s *memStore) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	if s.createErr != nil {
		return domain.Notification{}, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n.CreatedAt = time.Now().UTC()
	s.notifications[n.ID] = n
	return n, nil
}

func (s *memStore) GetPreference(_ context.Context, userID, eventType string) (domain.Preference, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID+"/"+eventType]
	return p, ok, nil
}

func (s *memStore) ContactEmail(context.Context, string) (string, error) { return "", nil }

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
	var items []domain.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && (!filter.UnreadOnly || !n.IsRead) {
			items = append(items, n)
		}
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
	return s.update(userID, id, func(n *domain.Notification) { n.IsRead, n.ReadAt = true, &at })
}

func (s *memStore) MarkAllRead(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for id, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead, n.ReadAt = true, &at
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
	return s.update(userID, id, func(n *domain.Notification) { n.ArchivedAt = &at })
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

type countingPush struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPush) Publish(context.Context, string, any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

type fixture struct {
	router *gin.Engine
	auth   *commonauth.Service
	store  *memStore
	push   *countingPush
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := commonauth.HashServiceKey(testServiceKey)
	require.NoError(t, err)
	auth := commonauth.NewService("test-secret", 60).WithServiceKeyHash(hash)

	store := newMemStore()
	pusher := &countingPush{}
	counter := service.NewUnreadCounter(client)
	h := NewHandler(service.NewOrchestrator(store, pusher, nil, counter), service.NewInbox(store, counter, nil), auth)
	r := gin.New()
	h.RegisterRoutes(r)
	return &fixture{router: r, auth: auth, store: store, push: pusher}
}

func (f *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://civic.example.org")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) asUser(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := f.auth.GenerateToken(userID, "user")
	require.NoError(t, err)
	return f.request(t, method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func (f *fixture) asService(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, http.MethodPost, "/functions/v1/notify", body, map[string]string{middleware.ServiceKeyHeader: testServiceKey})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPreflightAndCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/functions/v1/notify", nil)
	req.Header.Set("Origin", "https://civic.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = f.request(t, http.MethodPost, "/functions/v1/notify", map[string]any{"user_id": "u1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotifyWithServiceKey(t *testing.T) {
	f := newFixture(t)

	w := f.asService(t, map[string]any{"user_id": "u2", "type": "event_published", "title": "Cleanup day", "priority": "high"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.DeliveryResult](t, w)
	assert.True(t, res.Success)
	assert.True(t, res.SentPush)
	assert.False(t, res.SentEmail)
	assert.NotEmpty(t, res.NotificationID)
	assert.Equal(t, domain.PriorityHigh, f.store.notifications[res.NotificationID].Priority)

	w = f.request(t, http.MethodPost, "/functions/v1/notify", map[string]any{"user_id": "u2"}, map[string]string{middleware.ServiceKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNotifyAsUser(t *testing.T) {
	f := newFixture(t)

	w := f.asUser(t, http.MethodPost, "/functions/v1/notify", "u1", map[string]any{"user_id": "u2", "type": "reply", "title": "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.asUser(t, http.MethodPost, "/functions/v1/notify", "u1", map[string]any{"user_id": "u1", "type": "reply", "title": "hi"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotifyErrors(t *testing.T) {
	f := newFixture(t)

	w := f.asService(t, map[string]any{"user_id": "u1", "type": "reply"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "required")

	w = f.asService(t, map[string]any{"user_id": "u1", "type": "reply", "title": "t", "priority": "critical"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.store.createErr = errors.New("db down")
	w = f.asService(t, map[string]any{"user_id": "u1", "type": "reply", "title": "t"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, f.push.calls)
}

func TestPreferenceDisablesPush(t *testing.T) {
	f := newFixture(t)

	w := f.asUser(t, http.MethodPut, "/notifications/preferences", "u1", map[string]any{"event_type": "event_published", "push_enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	pref := decode[domain.Preference](t, w)
	assert.False(t, pref.PushEnabled)
	assert.True(t, pref.EmailEnabled)

	w = f.asService(t, map[string]any{"user_id": "u1", "type": "event_published", "title": "Town hall", "send_push": true})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[service.DeliveryResult](t, w)
	assert.True(t, res.Success)
	assert.False(t, res.SentPush)
	assert.Equal(t, 0, f.push.calls)

	w = f.asUser(t, http.MethodPut, "/notifications/preferences", "u1", map[string]any{"push_enabled": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxRoutes(t *testing.T) {
	f := newFixture(t)
	w := f.asService(t, map[string]any{"user_id": "u1", "type": "reply", "title": "first"})
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[service.DeliveryResult](t, w).NotificationID
	w = f.asService(t, map[string]any{"user_id": "u1", "type": "reply", "title": "second"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.asUser(t, http.MethodGet, "/notifications/unread-count", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unread":2}`, w.Body.String())

	w = f.asUser(t, http.MethodPost, "/notifications/"+first+"/read", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[domain.Notification](t, w).IsRead)

	w = f.asUser(t, http.MethodGet, "/notifications?unread=true", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Items []domain.Notification `json:"items"`
	}](t, w)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "second", page.Items[0].Title)

	w = f.asUser(t, http.MethodPost, "/notifications/"+first+"/interact", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[domain.Notification](t, w).InteractionCount)

	w = f.asUser(t, http.MethodPost, "/notifications/"+first+"/archive", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[domain.Notification](t, w).ArchivedAt)

	w = f.asUser(t, http.MethodPost, "/notifications/read-all", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updated":1}`, w.Body.String())

	w = f.asUser(t, http.MethodGet, "/notifications/unread-count", "u1", nil)
	assert.JSONEq(t, `{"unread":0}`, w.Body.String())

	w = f.asUser(t, http.MethodPost, "/notifications/"+first+"/read", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.asUser(t, http.MethodGet, "/notifications?limit=ten", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodGet, "/notifications", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

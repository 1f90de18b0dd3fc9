package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "civic_realtime/server/common/log"
)

// wsConn is the part of *websocket.Conn a Client writes through.
type wsConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Client struct {
	UserID    string
	SessionID string
	conn      wsConn
	mu        sync.Mutex
}

func NewClient(userID, sessionID string, conn wsConn) *Client {
	return &Client{UserID: userID, SessionID: sessionID, conn: conn}
}

func (c *Client) WriteJSON(payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.conn.WriteJSON(payload)
}

// Hub delivers user-targeted payloads to every session of a user, on any node.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[string]*Client
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

const (
	userEventsChannel = "civic:user_events"
	hubReceiveBackoff = 200 * time.Millisecond
)

type hubEvent struct {
	Kind    string          `json:"kind"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const hubKindNotifyUser = "notify_user"

func NewHub() *Hub {
	return &Hub{clients: map[string]map[string]*Client{}}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, userEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	if _, err := sub.Receive(subCtx); err != nil {
		h.StopRedisSubscriber()
		return err
	}
	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = map[string]*Client{}
	}
	h.clients[client.UserID][client.SessionID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.clients[client.UserID]; ok {
		delete(sessions, client.SessionID)
		if len(sessions) == 0 {
			delete(h.clients, client.UserID)
		}
	}
}

func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		out = append(out, userID)
	}
	return out
}

func (h *Hub) NotifyUser(userID string, payload any) {
	if h.publish(hubKindNotifyUser, func() (hubEvent, error) {
		raw, err := json.Marshal(payload)
		return hubEvent{Kind: hubKindNotifyUser, UserID: userID, Payload: raw}, err
	}) {
		return
	}
	fanoutCount := h.notifyUserLocal(userID, payload)
	commonlog.Infof("event=user_hub action=fallback_dispatch kind=%s fanout_count=%d", hubKindNotifyUser, fanoutCount)
}

func (h *Hub) notifyUserLocal(userID string, payload any) int {
	h.mu.RLock()
	sessions := make([]*Client, 0, len(h.clients[userID]))
	for _, client := range h.clients[userID] {
		sessions = append(sessions, client)
	}
	h.mu.RUnlock()

	for _, client := range sessions {
		client.WriteJSON(payload)
	}
	return len(sessions)
}

func (h *Hub) publish(kind string, build func() (hubEvent, error)) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	event, err := build()
	if err != nil {
		commonlog.Warnf("event=user_hub action=publish status=failed kind=%s error=%v", kind, err)
		return false
	}
	b, err := json.Marshal(event)
	if err != nil {
		commonlog.Warnf("event=user_hub action=publish status=failed kind=%s error=%v", kind, err)
		return false
	}
	if err := redisClient.Publish(context.Background(), userEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=user_hub action=publish status=failed kind=%s error=%v", kind, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// The next ReceiveMessage redials and resubscribes.
			commonlog.Warnf("event=user_hub action=receive status=failed channel=%s error=%v", userEventsChannel, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(hubReceiveBackoff):
			}
			continue
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		switch event.Kind {
		case hubKindNotifyUser:
			var payload any
			if len(event.Payload) == 0 || json.Unmarshal(event.Payload, &payload) != nil {
				continue
			}
			fanoutCount := h.notifyUserLocal(event.UserID, payload)
			commonlog.Debugf("event=user_hub action=consume status=ok kind=%s fanout_count=%d", event.Kind, fanoutCount)
		default:
			commonlog.Debugf("event=user_hub action=consume status=skipped kind=%s", event.Kind)
		}
	}
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type InboundLimit struct {
	Limit  int
	Window time.Duration
}

type Gateway struct {
	rooms    *RoomRegistry
	hub      *Hub
	limiter  *RateLimiter
	members  MembershipChecker
	limit    InboundLimit
	upgrader websocket.Upgrader
}

func NewGateway(rooms *RoomRegistry, hub *Hub, limiter *RateLimiter, members MembershipChecker, limit InboundLimit) *Gateway {
	return &Gateway{
		rooms:    rooms,
		hub:      hub,
		limiter:  limiter,
		members:  members,
		limit:    limit,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Serve upgrades the request and runs one session on ?channel=conversation:<id>
// for an already authenticated user.
func (g *Gateway) Serve(c *gin.Context, userID string) {
	channel := strings.TrimSpace(c.Query("channel"))
	conversationID, ok := domain.ConversationFromChannel(channel)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be conversation:<id>"})
		return
	}
	if g.members != nil {
		isMember, err := g.members.IsParticipant(c.Request.Context(), conversationID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !isMember {
			c.JSON(http.StatusForbidden, gin.H{"error": "conversation access denied"})
			return
		}
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=gateway action=upgrade status=failed user_id=%s error=%v", userID, err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	client := NewClient(userID, uuid.NewString(), conn)
	g.hub.Register(client)
	defer g.hub.Unregister(client)

	room, err := g.rooms.Acquire(ctx, channel)
	if err != nil {
		writeWSError(client, err.Error())
		commonlog.Errorf("event=gateway action=join status=failed channel=%s user_id=%s error=%v", channel, userID, err)
		return
	}
	defer g.rooms.Release(room)

	room.Join(ctx, client)
	defer room.Leave(context.Background(), client)
	commonlog.Infof("event=gateway action=join status=ok channel=%s user_id=%s session_id=%s", channel, userID, client.SessionID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in domain.Inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
			writeWSError(client, "invalid frame")
			continue
		}
		if g.limiter != nil && g.limit.Limit > 0 {
			if err := g.limiter.Enforce(ctx, "ws:"+in.Event, userID, g.limit.Limit, g.limit.Window); err != nil {
				writeWSError(client, err.Error())
				continue
			}
		}
		if err := room.Handle(ctx, client, in); err != nil {
			if !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrForbidden) {
				commonlog.Errorf("event=gateway action=handle status=failed channel=%s user_id=%s kind=%s error=%v", channel, userID, in.Event, err)
			}
			writeWSError(client, err.Error())
		}
	}
}

func writeWSError(client *Client, message string) {
	raw, _ := json.Marshal(domain.ErrorPayload{Error: message})
	client.WriteJSON(domain.Envelope{Event: domain.EventError, Payload: raw, SentAt: time.Now().UTC()})
}

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	commonauth "civic_realtime/server/common/auth"
	"civic_realtime/server/common/middleware"
	"civic_realtime/server/common/transport/httpresp"
	"civic_realtime/server/realtime/domain"
	"civic_realtime/server/realtime/service"
)

type Handler struct {
	rpc      *service.RPCService
	gateway  *service.Gateway
	rooms    *service.RoomRegistry
	messages service.MessageLookup
	limiter  *service.RateLimiter
	rpcLimit service.InboundLimit
	auth     *commonauth.Service
}

func NewHandler(rpc *service.RPCService, gateway *service.Gateway, rooms *service.RoomRegistry, messages service.MessageLookup, limiter *service.RateLimiter, rpcLimit service.InboundLimit, auth *commonauth.Service) *Handler {
	return &Handler{rpc: rpc, gateway: gateway, rooms: rooms, messages: messages, limiter: limiter, rpcLimit: rpcLimit, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(middleware.PermissiveCORS())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)

	rpc := r.Group("/rpc")
	rpc.Use(middleware.AuthRequired(h.auth), h.rateLimited())
	{
		rpc.POST("/mark_message_read", h.markMessageRead)
		rpc.POST("/set_typing_indicator", h.setTypingIndicator)
		rpc.POST("/update_user_presence", h.updateUserPresence)
		rpc.POST("/check_rate_limit_enhanced", h.checkRateLimit)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/conversations/:id/presence", h.getPresence)
		api.GET("/messages/:id/receipts", h.getReceipts)
		api.GET("/messages/:id/reactions", h.getReactions)
	}
}

func (h *Handler) handleWS(c *gin.Context) {
	token, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	userID, _, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}
	h.gateway.Serve(c, userID)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	if token, ok := middleware.BearerToken(c); ok {
		return token, true
	}
	token := strings.TrimSpace(c.Query("access_token"))
	return token, token != ""
}

// rateLimited applies the per-user RPC budget, keyed by route.
func (h *Handler) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil || h.rpcLimit.Limit <= 0 {
			c.Next()
			return
		}
		userID, _, err := middleware.ActorFromContext(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
			return
		}
		if err := h.limiter.Enforce(c.Request.Context(), "rpc:"+c.FullPath(), userID, h.rpcLimit.Limit, h.rpcLimit.Window); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpresp.NewErrorResponse(err.Error()))
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrSubscribeFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), httpresp.NewErrorResponse(err.Error()))
}

func (h *Handler) markMessageRead(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		MessageID string `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	res, err := h.rpc.MarkMessageRead(c.Request.Context(), userID, req.MessageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) setTypingIndicator(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id" binding:"required"`
		IsTyping       bool   `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if err := h.rpc.SetTypingIndicator(c.Request.Context(), userID, req.ConversationID, req.IsTyping); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) updateUserPresence(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Status     domain.PresenceStatus `json:"status" binding:"required"`
		DeviceInfo map[string]any        `json:"device_info"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	rec, err := h.rpc.UpdateUserPresence(c.Request.Context(), userID, req.Status, req.DeviceInfo)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) checkRateLimit(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Action        string `json:"action" binding:"required"`
		Subject       string `json:"subject"`
		Limit         int    `json:"limit" binding:"required,min=1"`
		WindowSeconds int    `json:"window_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if req.Subject == "" {
		req.Subject = userID
	}
	if req.WindowSeconds <= 0 {
		req.WindowSeconds = 60
	}
	res, err := h.rpc.CheckRateLimit(c.Request.Context(), req.Action, req.Subject, req.Limit, time.Duration(req.WindowSeconds)*time.Second)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type presenceResponse struct {
	ConversationID string                           `json:"conversation_id"`
	Online         []string                         `json:"online"`
	State          map[string]domain.PresenceRecord `json:"state"`
	Typing         []string                         `json:"typing"`
}

func (h *Handler) getPresence(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if err := h.rpc.RequireParticipant(c.Request.Context(), conversationID, userID); err != nil {
		writeError(c, err)
		return
	}
	room, err := h.rooms.Acquire(c.Request.Context(), domain.ConversationChannel(conversationID))
	if err != nil {
		writeError(c, err)
		return
	}
	defer h.rooms.Release(room)
	c.JSON(http.StatusOK, presenceResponse{
		ConversationID: conversationID,
		Online:         room.Presence.ListOnline(),
		State:          room.Presence.Snapshot(),
		Typing:         room.Typing.Typing(),
	})
}

type receiptsResponse struct {
	MessageID string               `json:"message_id"`
	ReadCount int                  `json:"read_count"`
	Status    domain.ReadStatus    `json:"status"`
	ReadBy    []domain.ReadReceipt `json:"read_by"`
	ReadByMe  bool                 `json:"read_by_me"`
}

func (h *Handler) getReceipts(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	msg, room, ok := h.messageRoom(c, userID)
	if !ok {
		return
	}
	defer h.rooms.Release(room)
	c.JSON(http.StatusOK, receiptsResponse{
		MessageID: msg.MessageID,
		ReadCount: room.Receipts.ReadCount(msg.MessageID),
		Status:    room.Receipts.Status(c.Request.Context(), msg.MessageID, msg.SenderID),
		ReadBy:    room.Receipts.Readers(msg.MessageID),
		ReadByMe:  room.Receipts.IsReadBy(msg.MessageID, userID),
	})
}

func (h *Handler) getReactions(c *gin.Context) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	msg, room, ok := h.messageRoom(c, userID)
	if !ok {
		return
	}
	defer h.rooms.Release(room)
	c.JSON(http.StatusOK, httpresp.NewPaginatedResponse(room.Reactions.Summary(msg.MessageID), ""))
}

func (h *Handler) messageRoom(c *gin.Context, userID string) (domain.Message, *service.Room, bool) {
	msg, err := h.messages.GetMessage(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return domain.Message{}, nil, false
	}
	if err := h.rpc.RequireParticipant(c.Request.Context(), msg.ConversationID, userID); err != nil {
		writeError(c, err)
		return domain.Message{}, nil, false
	}
	room, err := h.rooms.Acquire(c.Request.Context(), domain.ConversationChannel(msg.ConversationID))
	if err != nil {
		writeError(c, err)
		return domain.Message{}, nil, false
	}
	return msg, room, true
}

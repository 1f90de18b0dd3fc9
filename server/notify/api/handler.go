package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonauth "civic_realtime/server/common/auth"
	"civic_realtime/server/common/middleware"
	"civic_realtime/server/common/transport/httpresp"
	"civic_realtime/server/notify/domain"
	"civic_realtime/server/notify/service"
)

type Handler struct {
	orchestrator *service.Orchestrator
	inbox        *service.Inbox
	auth         *commonauth.Service
}

func NewHandler(orchestrator *service.Orchestrator, inbox *service.Inbox, auth *commonauth.Service) *Handler {
	return &Handler{orchestrator: orchestrator, inbox: inbox, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(middleware.PermissiveCORS())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok")) })

	fn := r.Group("/functions/v1")
	fn.Use(middleware.AuthOrServiceKey(h.auth))
	{
		fn.POST("/notify", h.notify)
	}

	inbox := r.Group("/notifications")
	inbox.Use(middleware.AuthRequired(h.auth))
	{
		inbox.GET("", h.list)
		inbox.GET("/unread-count", h.unreadCount)
		inbox.POST("/read-all", h.markAllRead)
		inbox.PUT("/preferences", h.setPreference)
		inbox.POST("/:id/read", h.markRead)
		inbox.POST("/:id/interact", h.interact)
		inbox.POST("/:id/archive", h.archive)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), httpresp.NewErrorResponse(err.Error()))
}

func currentUser(c *gin.Context) (string, bool) {
	userID, _, err := middleware.ActorFromContext(c)
	if err != nil || userID == "" {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return "", false
	}
	return userID, true
}

// notify is the delivery function. Backend callers use the service key and may
// target anyone; a signed-in user may only notify themselves.
func (h *Handler) notify(c *gin.Context) {
	userID, role, err := middleware.ActorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
		return
	}
	var req service.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if role != commonauth.RoleService && req.UserID != userID {
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
		return
	}
	res, err := h.orchestrator.Deliver(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) list(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	filter := domain.ListFilter{
		UnreadOnly:      c.Query("unread") == "true",
		IncludeArchived: c.Query("archived") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("limit must be a number"))
			return
		}
		filter.Limit = limit
	}
	items, err := h.inbox.List(c.Request.Context(), userID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewPaginatedResponse(items, ""))
}

func (h *Handler) markRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.inbox.MarkRead(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) markAllRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	updated, err := h.inbox.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *Handler) interact(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.inbox.Interact(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) archive(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.inbox.Archive(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) unreadCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.inbox.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *Handler) setPreference(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req struct {
		EventType    string `json:"event_type" binding:"required"`
		PushEnabled  *bool  `json:"push_enabled"`
		EmailEnabled *bool  `json:"email_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	pref := domain.Preference{UserID: userID, EventType: req.EventType, PushEnabled: true, EmailEnabled: true}
	if req.PushEnabled != nil {
		pref.PushEnabled = *req.PushEnabled
	}
	if req.EmailEnabled != nil {
		pref.EmailEnabled = *req.EmailEnabled
	}
	saved, err := h.inbox.SetPreference(c.Request.Context(), pref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "civic_realtime/server/common/auth"
	"civic_realtime/server/common/transport/httpresp"
)

const ServiceKeyHeader = "X-Service-Key"

type tokenAuth interface {
	ParseAuthContext(token string) (userID, role string, err error)
}

type serviceKeyAuth interface {
	tokenAuth
	VerifyServiceKey(key string) error
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		userID, role, err := auth.ParseAuthContext(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set("auth_access_token", token)
		c.Set("auth_user_id", userID)
		c.Set("auth_role", role)
		c.Next()
	}
}

// AuthOrServiceKey accepts either a user bearer token or the backend service key.
// Service callers get role "service" and no auth_user_id.
func AuthOrServiceKey(auth serviceKeyAuth) gin.HandlerFunc {
	userAuth := AuthRequired(auth)
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(ServiceKeyHeader))
		if key == "" {
			userAuth(c)
			return
		}
		if err := auth.VerifyServiceKey(key); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidServiceKey))
			return
		}
		c.Set("auth_role", commonauth.RoleService)
		c.Next()
	}
}

func BearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

// ActorFromContext returns what AuthRequired or AuthOrServiceKey stored.
// Service callers have an empty user id.
func ActorFromContext(c *gin.Context) (string, string, error) {
	rawRole, ok := c.Get("auth_role")
	if !ok {
		return "", "", errors.New(httpresp.ErrUnauthorized)
	}
	role, ok := rawRole.(string)
	if !ok {
		return "", "", errors.New(httpresp.ErrUnauthorized)
	}
	userID := ""
	if rawID, ok := c.Get("auth_user_id"); ok {
		if userID, ok = rawID.(string); !ok {
			return "", "", errors.New(httpresp.ErrUnauthorized)
		}
	}
	if userID == "" && role != commonauth.RoleService {
		return "", "", errors.New(httpresp.ErrUnauthorized)
	}
	return userID, role, nil
}

package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrInvalidServiceKey  = "invalid service key"
	ErrForbidden          = "forbidden"
	ErrNotFound           = "not found"
	ErrRateLimited        = "rate limit exceeded"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type PaginatedResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewIDResponse(id string) IDResponse {
	return IDResponse{ID: id}
}

func NewTokenResponse(accessToken, userID, role string) TokenResponse {
	return TokenResponse{AccessToken: accessToken, UserID: userID, Role: role}
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewPaginatedResponse[T any](items []T, nextCursor string) PaginatedResponse[T] {
	if items == nil {
		items = []T{}
	}
	return PaginatedResponse[T]{Items: items, NextCursor: nextCursor}
}

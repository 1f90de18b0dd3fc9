package service

import (
	"errors"

	"civic_realtime/server/realtime/domain"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = domain.ErrNotFound
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

package service

import (
	"errors"

	"civic_realtime/server/notify/domain"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = domain.ErrNotFound
)

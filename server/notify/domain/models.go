package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type Notification struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Type             string          `json:"type"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	Data             json.RawMessage `json:"data,omitempty"`
	Priority         Priority        `json:"priority"`
	ActionURL        string          `json:"action_url,omitempty"`
	IsRead           bool            `json:"is_read"`
	ReadAt           *time.Time      `json:"read_at,omitempty"`
	InteractionCount int             `json:"interaction_count"`
	ArchivedAt       *time.Time      `json:"archived_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Preference is one user's channel switches for one event type.
// A missing row means both channels are enabled.
type Preference struct {
	UserID       string    `json:"user_id"`
	EventType    string    `json:"event_type"`
	PushEnabled  bool      `json:"push_enabled"`
	EmailEnabled bool      `json:"email_enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ListFilter struct {
	UnreadOnly      bool
	IncludeArchived bool
	Limit           int
}

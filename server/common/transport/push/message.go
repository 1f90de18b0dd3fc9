package push

import (
	"encoding/json"
	"time"
)

const (
	RoutingPrefix = "push."
	BindingKey    = "push.#"
	// ClientEvent is the websocket event name a delivered push arrives under.
	ClientEvent = "notification.push"
)

// Message is what the notification function hands to the push sub-service.
type Message struct {
	NotificationID string          `json:"notification_id"`
	UserID         string          `json:"user_id"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Data           json.RawMessage `json:"data,omitempty"`
	Priority       string          `json:"priority"`
	ActionURL      string          `json:"action_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func RoutingKey(notificationType string) string {
	if notificationType == "" {
		notificationType = "generic"
	}
	return RoutingPrefix + notificationType
}

package domain

import (
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is one user's self-reported state inside a channel.
// PresenceRecord is one node's entry for a user. A user connected through
// several nodes has one record per node in the channel aggregate.
type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	Node       string         `json:"node,omitempty"`
	Status     PresenceStatus `json:"status"`
	LastSeen   time.Time      `json:"last_seen"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
}

// Key is the record's field in the channel aggregate.
func (r PresenceRecord) Key() string {
	if r.Node == "" {
		return r.UserID
	}
	return r.Node + "/" + r.UserID
}

type TypingState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastActivity   time.Time `json:"last_activity"`
}

type ReadReceipt struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	ReadAt         time.Time  `json:"read_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

type ReadStatus string

const (
	ReadStatusSent    ReadStatus = "sent"
	ReadStatusPartial ReadStatus = "partial"
	ReadStatusAll     ReadStatus = "all"
)

type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type Reaction struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at"`
}

type ReactionSummary struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

const ConversationChannelPrefix = "conversation:"

func ConversationChannel(conversationID string) string {
	return ConversationChannelPrefix + conversationID
}

// ConversationFromChannel returns the conversation id encoded in a channel name.
func ConversationFromChannel(name string) (string, bool) {
	if !strings.HasPrefix(name, ConversationChannelPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(name, ConversationChannelPrefix))
	return id, id != ""
}

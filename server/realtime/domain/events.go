package domain

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventPresenceSync    EventKind = "presence_sync"
	EventPresenceJoin    EventKind = "presence_join"
	EventPresenceLeave   EventKind = "presence_leave"
	EventTypingStart     EventKind = "typing_start"
	EventTypingStop      EventKind = "typing_stop"
	EventReceiptUpserted EventKind = "receipt_upserted"
	EventReactionAdded   EventKind = "reaction_added"
	EventReactionRemoved EventKind = "reaction_removed"
	EventBroadcast       EventKind = "broadcast"
	EventSystemResync    EventKind = "system_resync"
)

// AllEventKinds lists every kind a room dispatcher must handle.
var AllEventKinds = []EventKind{
	EventPresenceSync,
	EventPresenceJoin,
	EventPresenceLeave,
	EventTypingStart,
	EventTypingStop,
	EventReceiptUpserted,
	EventReactionAdded,
	EventReactionRemoved,
	EventBroadcast,
	EventSystemResync,
}

var eventKindsByName = func() map[string]EventKind {
	out := make(map[string]EventKind, len(AllEventKinds))
	for _, k := range AllEventKinds {
		out[string(k)] = k
	}
	return out
}()

func ParseEventKind(name string) (EventKind, bool) {
	k, ok := eventKindsByName[name]
	return k, ok
}

// Envelope is the wire form of every channel event.
type Envelope struct {
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

func NewEnvelope(event EventKind, sender string, payload any) (Envelope, error) {
	env := Envelope{Event: string(event), Sender: sender, SentAt: time.Now().UTC()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// PresenceSyncPayload carries the full channel aggregate keyed by user id.
type PresenceSyncPayload struct {
	State map[string]PresenceRecord `json:"state"`
}

type PresenceDeltaPayload struct {
	Record PresenceRecord `json:"record"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type BroadcastPayload struct {
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Inbound is a frame sent by a websocket client.
type Inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	InboundPresenceTrack  = "presence_track"
	InboundVisibility     = "visibility"
	InboundTyping         = "typing"
	InboundTypingStop     = "typing_stop"
	InboundMarkRead       = "mark_read"
	InboundReactionToggle = "reaction_toggle"
	InboundBroadcast      = "broadcast"
)

type PresenceTrackInput struct {
	Status     PresenceStatus `json:"status"`
	DeviceInfo map[string]any `json:"device_info"`
}

type VisibilityInput struct {
	Hidden bool `json:"hidden"`
}

type MarkReadInput struct {
	MessageID string `json:"message_id"`
}

type ReactionToggleInput struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type BroadcastInput struct {
	Data json.RawMessage `json:"data"`
}

// Client-only events, never dispatched through a room.
const (
	EventError        = "error"
	EventRoomSnapshot = "room_snapshot"
)

type ErrorPayload struct {
	Error string `json:"error"`
}

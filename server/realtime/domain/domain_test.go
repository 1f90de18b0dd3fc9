package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationChannel(t *testing.T) {
	assert.Equal(t, "conversation:c1", ConversationChannel("c1"))

	id, ok := ConversationFromChannel("conversation:c1")
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	for _, bad := range []string{"conversation:", "conversation:  ", "room:c1", ""} {
		_, ok := ConversationFromChannel(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseEventKind(t *testing.T) {
	for _, kind := range AllEventKinds {
		got, ok := ParseEventKind(string(kind))
		assert.True(t, ok)
		assert.Equal(t, kind, got)
	}
	_, ok := ParseEventKind(EventRoomSnapshot)
	assert.False(t, ok)
}

func TestPresenceStatusValid(t *testing.T) {
	for _, s := range []PresenceStatus{PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, PresenceStatus("invisible").Valid())
}

func TestEnvelopeDecode(t *testing.T) {
	env, err := NewEnvelope(EventTypingStart, "node-a", TypingPayload{ConversationID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "typing_start", env.Event)

	var p TypingPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "u1", p.UserID)

	empty, err := NewEnvelope(EventSystemResync, "node-a", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Payload)
	assert.NoError(t, empty.Decode(&p))
}

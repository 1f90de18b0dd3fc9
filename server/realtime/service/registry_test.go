package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySharesRoomUntilLastRelease(t *testing.T) {
	env := newTestRoomEnv(0)
	reg := NewRoomRegistry(env.deps)
	ctx := context.Background()

	a, err := reg.Acquire(ctx, testChannel)
	require.NoError(t, err)
	b, err := reg.Acquire(ctx, testChannel)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, subscriberCount(env.bus, testChannel))

	reg.Release(a)
	_, ok := reg.Get(testChannel)
	assert.True(t, ok)

	reg.Release(b)
	_, ok = reg.Get(testChannel)
	assert.False(t, ok)
	assert.Equal(t, ChannelClosed, env.manager.Status(testChannel))
	assert.Zero(t, subscriberCount(env.bus, testChannel))
}

func TestRegistryTypingBurstKeepsRoomOpen(t *testing.T) {
	env := newTestRoomEnv(60 * time.Millisecond)
	reg := NewRoomRegistry(env.deps)

	room, err := reg.Acquire(context.Background(), testChannel)
	require.NoError(t, err)
	room.Typing.Keystroke(context.Background(), "u1")
	reg.Release(room)

	_, ok := reg.Get(testChannel)
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := reg.Get(testChannel)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryFailedOpenIsNotCached(t *testing.T) {
	env := newTestRoomEnv(0)
	bus := &flakyBus{MemoryBus: env.bus, failures: 1}
	env.deps.Manager = NewChannelManager(bus, "node-test")
	reg := NewRoomRegistry(env.deps)
	ctx := context.Background()

	_, err := reg.Acquire(ctx, testChannel)
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.Empty(t, reg.Rooms())

	room, err := reg.Acquire(ctx, testChannel)
	require.NoError(t, err)
	reg.Release(room)
}

func TestRegistryRejectsBadChannel(t *testing.T) {
	reg := NewRoomRegistry(newTestRoomEnv(0).deps)
	_, err := reg.Acquire(context.Background(), "conversation:")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, reg.Rooms())
}

func TestRegistryRoomsWithUserAndHeartbeat(t *testing.T) {
	env := newTestRoomEnv(0)
	reg := NewRoomRegistry(env.deps)
	ctx := context.Background()

	room, err := reg.Acquire(ctx, testChannel)
	require.NoError(t, err)
	defer reg.Release(room)
	other, err := reg.Acquire(ctx, "conversation:c2")
	require.NoError(t, err)
	defer reg.Release(other)

	joinClient(t, room, "u1", "s1")
	rooms := reg.RoomsWithUser("u1")
	require.Len(t, rooms, 1)
	assert.Equal(t, testChannel, rooms[0].Name)

	before, err := env.presence.All(ctx, testChannel)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	reg.Heartbeat(ctx)
	after, err := env.presence.All(ctx, testChannel)
	require.NoError(t, err)
	assert.True(t, after["node-test/u1"].LastSeen.After(before["node-test/u1"].LastSeen))
}

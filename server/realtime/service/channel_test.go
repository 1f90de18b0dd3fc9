package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic_realtime/server/realtime/domain"
)

type flakyBus struct {
	*MemoryBus
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	b.calls++
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return nil, errors.New("handshake timeout")
	}
	return b.MemoryBus.Subscribe(ctx, channel)
}

type envelopeSink struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (s *envelopeSink) add(env domain.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *envelopeSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, env.Event)
	}
	return out
}

func (s *envelopeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func subscriberCount(b *MemoryBus, channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func TestOpenSharesOneSubscriptionPerName(t *testing.T) {
	bus := NewMemoryBus()
	m := NewChannelManager(bus, "node-a")
	ctx := context.Background()

	h1, err := m.Open(ctx, "conversation:c1")
	require.NoError(t, err)
	h2, err := m.Open(ctx, "conversation:c1")
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, 1, subscriberCount(bus, "conversation:c1"))
	assert.Equal(t, ChannelSubscribed, m.Status("conversation:c1"))

	var s1, s2 envelopeSink
	m.On(h1, string(domain.EventBroadcast), s1.add)
	m.On(h2, AnyEvent, s2.add)

	require.NoError(t, m.Send(ctx, h1, domain.EventBroadcast, domain.BroadcastPayload{UserID: "u1"}))
	require.Eventually(t, func() bool { return s1.len() == 1 && s2.len() == 1 }, time.Second, 10*time.Millisecond)

	m.Close(h1)
	assert.Equal(t, ChannelSubscribed, m.Status("conversation:c1"))
	assert.ErrorIs(t, m.Send(ctx, h1, domain.EventBroadcast, nil), ErrChannelClosed)

	m.Close(h2)
	m.Close(h2)
	assert.Equal(t, ChannelClosed, m.Status("conversation:c1"))
	assert.Zero(t, subscriberCount(bus, "conversation:c1"))
}

func TestEnvelopeCarriesSender(t *testing.T) {
	m := NewChannelManager(NewMemoryBus(), "node-a")
	h, err := m.Open(context.Background(), "conversation:c1")
	require.NoError(t, err)
	defer m.Close(h)

	var sink envelopeSink
	m.On(h, AnyEvent, sink.add)
	require.NoError(t, m.Send(context.Background(), h, domain.EventTypingStart, domain.TypingPayload{ConversationID: "c1", UserID: "u1"}))
	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	env := sink.envs[0]
	sink.mu.Unlock()
	assert.Equal(t, "node-a", env.Sender)
	var payload domain.TypingPayload
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "u1", payload.UserID)
}

func TestOpenFailureLeavesChannelClosed(t *testing.T) {
	bus := &flakyBus{MemoryBus: NewMemoryBus(), failures: 1}
	m := NewChannelManager(bus, "node-a")

	_, err := m.Open(context.Background(), "conversation:c1")
	require.ErrorIs(t, err, ErrSubscribeFailed)
	assert.Equal(t, ChannelClosed, m.Status("conversation:c1"))

	h, err := m.Open(context.Background(), "conversation:c1")
	require.NoError(t, err)
	defer m.Close(h)
	assert.Equal(t, 2, bus.calls)
}

func TestRetryOpenBacksOff(t *testing.T) {
	bus := &flakyBus{MemoryBus: NewMemoryBus(), failures: 2}
	m := NewChannelManager(bus, "node-a")

	h, err := RetryOpen(context.Background(), m, "conversation:c1", 3, time.Millisecond)
	require.NoError(t, err)
	defer m.Close(h)
	assert.Equal(t, 3, bus.calls)

	bus.failures = 5
	_, err = RetryOpen(context.Background(), NewChannelManager(bus, "node-b"), "conversation:c2", 2, time.Millisecond)
	assert.ErrorIs(t, err, ErrSubscribeFailed)
}

func TestReconnectDeliversResyncToEveryHandle(t *testing.T) {
	bus := NewMemoryBus()
	m := NewChannelManager(bus, "node-a")
	h1, err := m.Open(context.Background(), "conversation:c1")
	require.NoError(t, err)
	h2, err := m.Open(context.Background(), "conversation:c1")
	require.NoError(t, err)

	var s1, s2 envelopeSink
	m.On(h1, string(domain.EventSystemResync), s1.add)
	m.On(h2, string(domain.EventSystemResync), s2.add)

	bus.Resync("conversation:c1")
	require.Eventually(t, func() bool { return s1.len() == 1 && s2.len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{string(domain.EventSystemResync)}, s1.events())
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewChannelManager(NewRedisBus(client, time.Second), "node-a")
	h, err := m.Open(context.Background(), "conversation:c1")
	require.NoError(t, err)
	defer m.Close(h)

	var sink envelopeSink
	m.On(h, AnyEvent, sink.add)

	other := NewChannelManager(NewRedisBus(client, time.Second), "node-b")
	h2, err := other.Open(context.Background(), "conversation:c1")
	require.NoError(t, err)
	defer other.Close(h2)

	require.NoError(t, other.Send(context.Background(), h2, domain.EventBroadcast, domain.BroadcastPayload{UserID: "u2"}))
	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, "node-b", sink.envs[0].Sender)
	sink.mu.Unlock()
}

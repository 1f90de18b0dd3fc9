package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "civic_realtime/server/common/log"
)

// Delivery is one message received on a bus subscription. Resync marks the
// first delivery after the transport reconnected; anything published during
// the gap is gone.
type Delivery struct {
	Channel string
	Payload []byte
	Resync  bool
}

type Subscription interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Bus is the publish-subscribe transport behind channels. Subscribe returns
// only after the subscription is confirmed.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

const busChannelPrefix = "civic:channel:"

type RedisBus struct {
	client           *redis.Client
	handshakeTimeout time.Duration
}

func NewRedisBus(client *redis.Client, handshakeTimeout time.Duration) *RedisBus {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &RedisBus{client: client, handshakeTimeout: handshakeTimeout}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, busChannelPrefix+channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	key := busChannelPrefix + channel
	ps := b.client.Subscribe(ctx, key)

	hctx, cancel := context.WithTimeout(ctx, b.handshakeTimeout)
	defer cancel()
	msg, err := ps.Receive(hctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	confirm, ok := msg.(*redis.Subscription)
	if !ok || confirm.Kind != "subscribe" || confirm.Channel != key {
		_ = ps.Close()
		return nil, fmt.Errorf("unexpected handshake reply %T", msg)
	}

	sub := &redisSubscription{
		channel: channel,
		ps:      ps,
		out:     make(chan Delivery, 256),
		done:    make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	channel string
	ps      *redis.PubSub
	out     chan Delivery
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) Deliveries() <-chan Delivery {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for {
		msg, err := s.ps.Receive(context.Background())
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			commonlog.Warnf("event=channel_bus action=receive status=failed channel=%s error=%v", s.channel, err)
			select {
			case <-s.done:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		var d Delivery
		switch m := msg.(type) {
		case *redis.Message:
			d = Delivery{Channel: s.channel, Payload: []byte(m.Payload)}
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			commonlog.Infof("event=channel_bus action=resubscribe status=ok channel=%s", s.channel)
			d = Delivery{Channel: s.channel, Resync: true}
		default:
			continue
		}
		select {
		case s.out <- d:
		case <-s.done:
			return
		}
	}
}

// MemoryBus delivers within one process.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[*memorySubscription]struct{}{}}
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{bus: b, channel: channel, out: make(chan Delivery, 256)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[*memorySubscription]struct{}{}
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		sub.send(Delivery{Channel: channel, Payload: payload})
	}
	return nil
}

// Resync signals every subscriber of channel as if the transport had reconnected.
func (b *MemoryBus) Resync(channel string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		sub.send(Delivery{Channel: channel, Resync: true})
	}
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	out     chan Delivery

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Deliveries() <-chan Delivery {
	return s.out
}

func (s *memorySubscription) send(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- d:
	default:
		commonlog.Warnf("event=channel_bus action=deliver status=dropped channel=%s", s.channel)
	}
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

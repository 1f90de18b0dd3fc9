package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

var (
	ErrSubscribeFailed = errors.New("channel subscribe failed")
	ErrChannelClosed   = errors.New("channel closed")
)

type ChannelStatus string

const (
	ChannelSubscribing ChannelStatus = "subscribing"
	ChannelSubscribed  ChannelStatus = "subscribed"
	ChannelClosed      ChannelStatus = "closed"
)

// AnyEvent registers a callback for every event on a handle.
const AnyEvent = "*"

type Callback func(env domain.Envelope)

type ChannelHandle struct {
	id    string
	name  string
	state *channelState

	mu        sync.RWMutex
	callbacks map[string][]Callback
	closed    bool
}

func (h *ChannelHandle) ID() string   { return h.id }
func (h *ChannelHandle) Name() string { return h.name }

func (h *ChannelHandle) deliver(env domain.Envelope) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	cbs := append([]Callback{}, h.callbacks[env.Event]...)
	cbs = append(cbs, h.callbacks[AnyEvent]...)
	h.mu.RUnlock()
	for _, cb := range cbs {
		cb(env)
	}
}

type channelState struct {
	name    string
	status  ChannelStatus
	sub     Subscription
	handles map[string]*ChannelHandle
	ready   chan struct{}
	err     error
}

// ChannelManager keeps at most one bus subscription per channel name and
// multiplexes it onto any number of handles.
type ChannelManager struct {
	bus    Bus
	sender string

	mu       sync.Mutex
	channels map[string]*channelState
}

func NewChannelManager(bus Bus, sender string) *ChannelManager {
	if sender == "" {
		sender = uuid.NewString()
	}
	return &ChannelManager{bus: bus, sender: sender, channels: map[string]*channelState{}}
}

func (m *ChannelManager) Sender() string {
	return m.sender
}

// Open returns a handle on name, subscribing if this is the first handle.
// A failed handshake yields an error wrapping ErrSubscribeFailed; there is no
// built-in retry.
func (m *ChannelManager) Open(ctx context.Context, name string) (*ChannelHandle, error) {
	for {
		m.mu.Lock()
		st, ok := m.channels[name]
		if !ok {
			st = &channelState{name: name, status: ChannelSubscribing, handles: map[string]*ChannelHandle{}, ready: make(chan struct{})}
			m.channels[name] = st
			m.mu.Unlock()
			return m.subscribe(ctx, st)
		}
		m.mu.Unlock()

		select {
		case <-st.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.Lock()
		if st.err != nil {
			m.mu.Unlock()
			return nil, st.err
		}
		if m.channels[name] != st {
			// torn down while we waited; start over
			m.mu.Unlock()
			continue
		}
		h := m.attach(st)
		m.mu.Unlock()
		return h, nil
	}
}

func (m *ChannelManager) subscribe(ctx context.Context, st *channelState) (*ChannelHandle, error) {
	sub, err := m.bus.Subscribe(ctx, st.name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		st.status = ChannelClosed
		st.err = fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, st.name, err)
		delete(m.channels, st.name)
		close(st.ready)
		commonlog.Warnf("event=channel action=subscribe status=failed channel=%s error=%v", st.name, err)
		return nil, st.err
	}
	st.sub = sub
	st.status = ChannelSubscribed
	close(st.ready)
	go m.pump(st)
	commonlog.Infof("event=channel action=subscribe status=ok channel=%s", st.name)
	return m.attach(st), nil
}

func (m *ChannelManager) attach(st *channelState) *ChannelHandle {
	h := &ChannelHandle{id: uuid.NewString(), name: st.name, state: st, callbacks: map[string][]Callback{}}
	st.handles[h.id] = h
	return h
}

func (m *ChannelManager) pump(st *channelState) {
	for d := range st.sub.Deliveries() {
		var env domain.Envelope
		if d.Resync {
			env = domain.Envelope{Event: string(domain.EventSystemResync), Sender: m.sender, SentAt: time.Now().UTC()}
		} else if err := json.Unmarshal(d.Payload, &env); err != nil {
			commonlog.Debugf("event=channel action=decode status=failed channel=%s error=%v", st.name, err)
			continue
		}

		m.mu.Lock()
		handles := make([]*ChannelHandle, 0, len(st.handles))
		for _, h := range st.handles {
			handles = append(handles, h)
		}
		m.mu.Unlock()
		for _, h := range handles {
			h.deliver(env)
		}
	}
}

// Close detaches the handle. The last handle on a name tears down the subscription.
func (m *ChannelManager) Close(h *ChannelHandle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.callbacks = map[string][]Callback{}
	h.mu.Unlock()

	m.mu.Lock()
	st := h.state
	delete(st.handles, h.id)
	var sub Subscription
	if len(st.handles) == 0 && m.channels[st.name] == st {
		st.status = ChannelClosed
		delete(m.channels, st.name)
		sub = st.sub
	}
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			commonlog.Warnf("event=channel action=unsubscribe status=failed channel=%s error=%v", st.name, err)
			return
		}
		commonlog.Infof("event=channel action=unsubscribe status=ok channel=%s", st.name)
	}
}

func (m *ChannelManager) Send(ctx context.Context, h *ChannelHandle, event domain.EventKind, payload any) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}
	env, err := domain.NewEnvelope(event, m.sender, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, h.name, raw)
}

// On registers cb for event on h. Use AnyEvent to receive everything.
func (m *ChannelManager) On(h *ChannelHandle, event string, cb Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.callbacks[event] = append(h.callbacks[event], cb)
}

func (m *ChannelManager) Status(name string) ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[name]
	if !ok {
		return ChannelClosed
	}
	return st.status
}

// RetryOpen retries Open with capped exponential backoff for callers that want it.
func RetryOpen(ctx context.Context, m *ChannelManager, name string, attempts int, base time.Duration) (*ChannelHandle, error) {
	if attempts <= 0 {
		attempts = 1
	}
	delay := base
	var lastErr error
	for i := 0; i < attempts; i++ {
		h, err := m.Open(ctx, name)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if !errors.Is(err, ErrSubscribeFailed) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
	return nil, lastErr
}

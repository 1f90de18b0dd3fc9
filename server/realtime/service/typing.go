package service

import (
	"context"
	"sort"
	"sync"
	"time"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

const DefaultTypingIdle = 3 * time.Second

type typingBurst struct {
	timer *time.Timer
	gen   uint64
}

// TypingCoordinator tracks who is typing in one conversation. A local burst
// broadcasts one start, is rearmed by every keystroke, and ends with exactly
// one stop on idle expiry or explicit Stop.
type TypingCoordinator struct {
	conversationID string
	idle           time.Duration
	publish        publishFunc
	onBurst        func(active bool)
	now            func() time.Time

	mu     sync.Mutex
	local  map[string]*typingBurst
	typing map[string]domain.TypingState
	closed bool
}

func NewTypingCoordinator(conversationID string, idle time.Duration, publish publishFunc) *TypingCoordinator {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingCoordinator{
		conversationID: conversationID,
		idle:           idle,
		publish:        publish,
		now:            time.Now,
		local:          map[string]*typingBurst{},
		typing:         map[string]domain.TypingState{},
	}
}

// OnBurst is called with true when a local burst starts and false when it ends.
func (t *TypingCoordinator) OnBurst(fn func(active bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBurst = fn
}

func (t *TypingCoordinator) Keystroke(ctx context.Context, userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	burst, ok := t.local[userID]
	if !ok {
		burst = &typingBurst{}
		t.local[userID] = burst
	}
	burst.gen++
	gen := burst.gen
	if burst.timer != nil {
		burst.timer.Stop()
	}
	burst.timer = time.AfterFunc(t.idle, func() { t.expire(userID, burst, gen) })
	t.typing[userID] = domain.TypingState{ConversationID: t.conversationID, UserID: userID, LastActivity: t.now().UTC()}
	onBurst := t.onBurst
	t.mu.Unlock()

	if !ok {
		if onBurst != nil {
			onBurst(true)
		}
		t.emit(ctx, domain.EventTypingStart, userID)
	}
}

// Stop ends userID's local burst, if any, on blur or send.
func (t *TypingCoordinator) Stop(ctx context.Context, userID string) {
	t.mu.Lock()
	burst, ok := t.local[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	burst.timer.Stop()
	delete(t.local, userID)
	delete(t.typing, userID)
	onBurst := t.onBurst
	t.mu.Unlock()

	t.emit(ctx, domain.EventTypingStop, userID)
	if onBurst != nil {
		onBurst(false)
	}
}

// expire ends burst if it is still the user's current burst and gen is its
// latest arming. A timer left over from a stopped burst never ends a newer one.
func (t *TypingCoordinator) expire(userID string, burst *typingBurst, gen uint64) {
	t.mu.Lock()
	if t.local[userID] != burst || burst.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.local, userID)
	delete(t.typing, userID)
	onBurst := t.onBurst
	t.mu.Unlock()

	t.emit(context.Background(), domain.EventTypingStop, userID)
	if onBurst != nil {
		onBurst(false)
	}
}

func (t *TypingCoordinator) ApplyStart(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing[userID] = domain.TypingState{ConversationID: t.conversationID, UserID: userID, LastActivity: t.now().UTC()}
}

func (t *TypingCoordinator) ApplyStop(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, local := t.local[userID]; local {
		return
	}
	delete(t.typing, userID)
}

// ClearRemote drops every user not typing through this node.
func (t *TypingCoordinator) ClearRemote() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID := range t.typing {
		if _, local := t.local[userID]; !local {
			delete(t.typing, userID)
		}
	}
}

func (t *TypingCoordinator) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.typing))
	for userID := range t.typing {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (t *TypingCoordinator) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// ActiveBursts reports how many local bursts are armed.
func (t *TypingCoordinator) ActiveBursts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.local)
}

// Close disarms every timer without broadcasting.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for userID, burst := range t.local {
		burst.timer.Stop()
		delete(t.local, userID)
	}
	t.typing = map[string]domain.TypingState{}
}

func (t *TypingCoordinator) emit(ctx context.Context, kind domain.EventKind, userID string) {
	if t.publish == nil {
		return
	}
	payload := domain.TypingPayload{ConversationID: t.conversationID, UserID: userID}
	if err := t.publish(ctx, kind, payload); err != nil {
		commonlog.Warnf("event=typing action=publish status=failed conversation_id=%s user_id=%s kind=%s error=%v", t.conversationID, userID, kind, err)
	}
}

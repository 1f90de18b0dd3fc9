package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"civic_realtime/server/realtime/domain"
)

type memPresenceStore struct {
	mu    sync.Mutex
	state map[string]map[string]domain.PresenceRecord
	err   error
}

func newMemPresenceStore() *memPresenceStore {
	return &memPresenceStore{state: map[string]map[string]domain.PresenceRecord{}}
}

func (s *memPresenceStore) Put(_ context.Context, channel string, rec domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.state[channel] == nil {
		s.state[channel] = map[string]domain.PresenceRecord{}
	}
	s.state[channel][rec.Key()] = rec
	return nil
}

func (s *memPresenceStore) Remove(_ context.Context, channel, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.state[channel], key)
	return nil
}

func (s *memPresenceStore) All(_ context.Context, channel string) (map[string]domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]domain.PresenceRecord{}
	for k, v := range s.state[channel] {
		out[k] = v
	}
	return out, nil
}

type memReceiptStore struct {
	mu     sync.Mutex
	rows   map[string]domain.ReadReceipt
	upsert int
	err    error
}

func newMemReceiptStore() *memReceiptStore {
	return &memReceiptStore{rows: map[string]domain.ReadReceipt{}}
}

func (s *memReceiptStore) UpsertReceipt(_ context.Context, r domain.ReadReceipt) (domain.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert++
	if s.err != nil {
		return domain.ReadReceipt{}, s.err
	}
	key := r.MessageID + "/" + r.UserID
	if cur, ok := s.rows[key]; ok {
		return cur, nil
	}
	s.rows[key] = r
	return r, nil
}

func (s *memReceiptStore) ListReceipts(_ context.Context, conversationID string) ([]domain.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReadReceipt
	for _, r := range s.rows {
		if r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memReceiptStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type memReactionStore struct {
	mu   sync.Mutex
	rows map[reactionKey]domain.Reaction
	err  error
	seq  int
}

func newMemReactionStore() *memReactionStore {
	return &memReactionStore{rows: map[reactionKey]domain.Reaction{}}
}

func (s *memReactionStore) ToggleReaction(_ context.Context, r domain.Reaction) (bool, domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, domain.Reaction{}, s.err
	}
	k := keyOf(r)
	if cur, ok := s.rows[k]; ok {
		delete(s.rows, k)
		return false, cur, nil
	}
	s.seq++
	r.ID = fmt.Sprintf("r%d", s.seq)
	s.rows[k] = r
	return true, r, nil
}

func (s *memReactionStore) ListReactions(_ context.Context, conversationID string) ([]domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reaction
	for _, r := range s.rows {
		if r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixedParticipants struct {
	mu  sync.Mutex
	n   int
	err error
}

func (f *fixedParticipants) CountParticipants(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, f.err
}

func (f *fixedParticipants) set(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n, f.err = n, err
}

type memMessages struct {
	messages map[string]domain.Message
	members  map[string]map[string]bool
}

func newMemMessages() *memMessages {
	return &memMessages{messages: map[string]domain.Message{}, members: map[string]map[string]bool{}}
}

func (m *memMessages) addMessage(id, conversationID, senderID string) {
	m.messages[id] = domain.Message{MessageID: id, ConversationID: conversationID, SenderID: senderID, CreatedAt: time.Now().UTC()}
}

func (m *memMessages) addMember(conversationID string, userIDs ...string) {
	if m.members[conversationID] == nil {
		m.members[conversationID] = map[string]bool{}
	}
	for _, id := range userIDs {
		m.members[conversationID][id] = true
	}
}

func (m *memMessages) GetMessage(_ context.Context, id string) (domain.Message, error) {
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

func (m *memMessages) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	return m.members[conversationID][userID], nil
}

func (m *memMessages) UpsertPresence(context.Context, domain.PresenceRecord) error {
	return nil
}

// recordingConn captures what a Client writes.
type recordingConn struct {
	mu     sync.Mutex
	frames []domain.Envelope
	closed bool
}

func (c *recordingConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *recordingConn) last(event string) (domain.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			return c.frames[i], true
		}
	}
	return domain.Envelope{}, false
}

func (c *recordingConn) has(event string) bool {
	_, ok := c.last(event)
	return ok
}

type published struct {
	kind    domain.EventKind
	payload any
}

// publishRecorder stands in for a channel send.
type publishRecorder struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *publishRecorder) publish(_ context.Context, kind domain.EventKind, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{kind: kind, payload: payload})
	return nil
}

func (p *publishRecorder) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.kind)
	}
	return out
}

func (p *publishRecorder) count(kind domain.EventKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (p *publishRecorder) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

var errStoreDown = errors.New("store unavailable")

type testRoomEnv struct {
	bus       *MemoryBus
	manager   *ChannelManager
	presence  *memPresenceStore
	receipts  *memReceiptStore
	reactions *memReactionStore
	counter   *fixedParticipants
	messages  *memMessages
	deps      RoomDeps
}

func newTestRoomEnv(typingIdle time.Duration) *testRoomEnv {
	env := &testRoomEnv{
		bus:       NewMemoryBus(),
		presence:  newMemPresenceStore(),
		receipts:  newMemReceiptStore(),
		reactions: newMemReactionStore(),
		counter:   &fixedParticipants{n: 2},
		messages:  newMemMessages(),
	}
	env.manager = NewChannelManager(env.bus, "node-test")
	env.deps = RoomDeps{
		Manager:      env.manager,
		Presence:     env.presence,
		Receipts:     env.receipts,
		Reactions:    env.reactions,
		Participants: env.counter,
		Messages:     env.messages,
		TypingIdle:   typingIdle,
	}
	return env
}

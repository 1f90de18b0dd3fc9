package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

type ReceiptStore interface {
	UpsertReceipt(ctx context.Context, r domain.ReadReceipt) (domain.ReadReceipt, error)
	ListReceipts(ctx context.Context, conversationID string) ([]domain.ReadReceipt, error)
}

type ParticipantCounter interface {
	CountParticipants(ctx context.Context, conversationID string) (int, error)
}

// ReceiptAggregator holds message_id -> user_id -> receipt for one conversation.
type ReceiptAggregator struct {
	conversationID string
	store          ReceiptStore
	participants   ParticipantCounter
	now            func() time.Time

	mu                   sync.RWMutex
	reads                map[string]map[string]domain.ReadReceipt
	lastParticipantCount int
}

func NewReceiptAggregator(conversationID string, store ReceiptStore, participants ParticipantCounter) *ReceiptAggregator {
	return &ReceiptAggregator{
		conversationID: conversationID,
		store:          store,
		participants:   participants,
		now:            time.Now,
		reads:          map[string]map[string]domain.ReadReceipt{},
	}
}

// MarkRead records userID's read of messageID. Repeating it is harmless: the
// store keeps the first read_at.
func (a *ReceiptAggregator) MarkRead(ctx context.Context, messageID, userID string) (domain.ReadReceipt, error) {
	if messageID == "" || userID == "" {
		return domain.ReadReceipt{}, fmt.Errorf("%w: message_id and user_id are required", ErrInvalidInput)
	}
	pending := domain.ReadReceipt{MessageID: messageID, ConversationID: a.conversationID, UserID: userID, ReadAt: a.now().UTC()}
	var (
		added  bool
		stored domain.ReadReceipt
	)
	m := &Mutation{
		Name: "mark_read",
		Apply: func() {
			added = a.put(pending)
		},
		Commit: func(ctx context.Context) error {
			var err error
			stored, err = a.store.UpsertReceipt(ctx, pending)
			return err
		},
		Revert: func() {
			if added {
				a.Remove(messageID, userID)
			}
		},
	}
	if err := m.Run(ctx); err != nil {
		return domain.ReadReceipt{}, fmt.Errorf("mark read: %w", err)
	}
	a.Apply(stored)
	return stored, nil
}

func (a *ReceiptAggregator) put(r domain.ReadReceipt) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	users, ok := a.reads[r.MessageID]
	if !ok {
		users = map[string]domain.ReadReceipt{}
		a.reads[r.MessageID] = users
	}
	if _, exists := users[r.UserID]; exists {
		return false
	}
	users[r.UserID] = r
	return true
}

// Apply merges a receipt from the store or the row-change feed. Duplicates and
// out-of-order deliveries converge on the earliest read_at.
func (a *ReceiptAggregator) Apply(r domain.ReadReceipt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	users, ok := a.reads[r.MessageID]
	if !ok {
		users = map[string]domain.ReadReceipt{}
		a.reads[r.MessageID] = users
	}
	cur, exists := users[r.UserID]
	if !exists {
		users[r.UserID] = r
		return
	}
	if !r.ReadAt.IsZero() && r.ReadAt.Before(cur.ReadAt) {
		cur.ReadAt = r.ReadAt
	}
	if cur.DeliveredAt == nil && r.DeliveredAt != nil {
		cur.DeliveredAt = r.DeliveredAt
	}
	users[r.UserID] = cur
}

func (a *ReceiptAggregator) Remove(messageID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if users, ok := a.reads[messageID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(a.reads, messageID)
		}
	}
}

func (a *ReceiptAggregator) ReadCount(messageID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.reads[messageID])
}

func (a *ReceiptAggregator) IsReadBy(messageID, userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.reads[messageID][userID]
	return ok
}

func (a *ReceiptAggregator) Readers(messageID string) []domain.ReadReceipt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.ReadReceipt, 0, len(a.reads[messageID]))
	for _, r := range a.reads[messageID] {
		out = append(out, r)
	}
	return out
}

// Status compares reads by users other than senderID against the current
// participant count. The count is looked up on every call; when the lookup
// fails the last known count is used, and with none known "all" is unreachable.
func (a *ReceiptAggregator) Status(ctx context.Context, messageID, senderID string) domain.ReadStatus {
	a.mu.RLock()
	others := 0
	for userID := range a.reads[messageID] {
		if userID != senderID {
			others++
		}
	}
	a.mu.RUnlock()

	participants := a.participantCount(ctx)
	switch {
	case others == 0:
		return domain.ReadStatusSent
	case participants > 1 && others >= participants-1:
		return domain.ReadStatusAll
	default:
		return domain.ReadStatusPartial
	}
}

func (a *ReceiptAggregator) participantCount(ctx context.Context) int {
	if a.participants != nil {
		n, err := a.participants.CountParticipants(ctx, a.conversationID)
		if err == nil {
			a.mu.Lock()
			a.lastParticipantCount = n
			a.mu.Unlock()
			return n
		}
		commonlog.Warnf("event=receipts action=count_participants status=failed conversation_id=%s error=%v", a.conversationID, err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastParticipantCount
}

// Load replaces the in-memory state with the stored receipts.
func (a *ReceiptAggregator) Load(ctx context.Context) error {
	receipts, err := a.store.ListReceipts(ctx, a.conversationID)
	if err != nil {
		return fmt.Errorf("load receipts: %w", err)
	}
	next := map[string]map[string]domain.ReadReceipt{}
	for _, r := range receipts {
		if next[r.MessageID] == nil {
			next[r.MessageID] = map[string]domain.ReadReceipt{}
		}
		next[r.MessageID][r.UserID] = r
	}
	a.mu.Lock()
	a.reads = next
	a.mu.Unlock()
	return nil
}

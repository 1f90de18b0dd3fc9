package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"civic_realtime/server/realtime/domain"
)

type ReactionStore interface {
	// ToggleReaction removes the (message, user, emoji) row if present and
	// inserts it otherwise, reporting which happened.
	ToggleReaction(ctx context.Context, r domain.Reaction) (added bool, stored domain.Reaction, err error)
	ListReactions(ctx context.Context, conversationID string) ([]domain.Reaction, error)
}

type reactionKey struct {
	messageID string
	userID    string
	emoji     string
}

func keyOf(r domain.Reaction) reactionKey {
	return reactionKey{messageID: r.MessageID, userID: r.UserID, emoji: r.Emoji}
}

type ReactionAggregator struct {
	conversationID string
	store          ReactionStore
	now            func() time.Time

	mu        sync.RWMutex
	reactions map[reactionKey]domain.Reaction
}

func NewReactionAggregator(conversationID string, store ReactionStore) *ReactionAggregator {
	return &ReactionAggregator{
		conversationID: conversationID,
		store:          store,
		now:            time.Now,
		reactions:      map[reactionKey]domain.Reaction{},
	}
}

// Toggle adds the reaction if absent and removes it if present. The local set
// flips first and is reconciled with the store's answer or reverted on failure.
func (a *ReactionAggregator) Toggle(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || userID == "" || emoji == "" {
		return false, fmt.Errorf("%w: message_id, user_id and emoji are required", ErrInvalidInput)
	}
	r := domain.Reaction{MessageID: messageID, ConversationID: a.conversationID, UserID: userID, Emoji: emoji, CreatedAt: a.now().UTC()}
	k := keyOf(r)

	var (
		prev    domain.Reaction
		existed bool
		added   bool
		stored  domain.Reaction
	)
	m := &Mutation{
		Name: "reaction_toggle",
		Apply: func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			prev, existed = a.reactions[k]
			if existed {
				delete(a.reactions, k)
			} else {
				a.reactions[k] = r
			}
		},
		Commit: func(ctx context.Context) error {
			var err error
			added, stored, err = a.store.ToggleReaction(ctx, r)
			return err
		},
		Revert: func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if existed {
				a.reactions[k] = prev
			} else {
				delete(a.reactions, k)
			}
		},
	}
	if err := m.Run(ctx); err != nil {
		return false, fmt.Errorf("toggle reaction: %w", err)
	}
	if added {
		a.Apply(stored)
	} else {
		a.Remove(messageID, userID, emoji)
	}
	return added, nil
}

func (a *ReactionAggregator) Apply(r domain.Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactions[keyOf(r)] = r
}

func (a *ReactionAggregator) Remove(messageID, userID, emoji string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reactions, reactionKey{messageID: messageID, userID: userID, emoji: emoji})
}

func (a *ReactionAggregator) Has(messageID, userID, emoji string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.reactions[reactionKey{messageID: messageID, userID: userID, emoji: emoji}]
	return ok
}

// Summary groups a message's reactions by emoji, ordered by emoji.
func (a *ReactionAggregator) Summary(messageID string) []domain.ReactionSummary {
	a.mu.RLock()
	byEmoji := map[string][]string{}
	for k := range a.reactions {
		if k.messageID == messageID {
			byEmoji[k.emoji] = append(byEmoji[k.emoji], k.userID)
		}
	}
	a.mu.RUnlock()

	out := make([]domain.ReactionSummary, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		sort.Strings(users)
		out = append(out, domain.ReactionSummary{Emoji: emoji, Count: len(users), UserIDs: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

func (a *ReactionAggregator) Load(ctx context.Context) error {
	list, err := a.store.ListReactions(ctx, a.conversationID)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	next := make(map[reactionKey]domain.Reaction, len(list))
	for _, r := range list {
		next[keyOf(r)] = r
	}
	a.mu.Lock()
	a.reactions = next
	a.mu.Unlock()
	return nil
}

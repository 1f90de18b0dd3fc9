package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

type PresenceRepository interface {
	UpsertPresence(ctx context.Context, rec domain.PresenceRecord) error
}

type MarkReadResult struct {
	Receipt   domain.ReadReceipt `json:"receipt"`
	ReadCount int                `json:"read_count"`
	Status    domain.ReadStatus  `json:"status"`
}

// RPCService implements the request/response calls clients make outside the
// websocket: mark_message_read, set_typing_indicator, update_user_presence and
// check_rate_limit_enhanced.
type RPCService struct {
	rooms    *RoomRegistry
	messages MessageLookup
	members  MembershipChecker
	presence PresenceRepository
	limiter  *RateLimiter
	now      func() time.Time
}

func NewRPCService(rooms *RoomRegistry, messages MessageLookup, members MembershipChecker, presence PresenceRepository, limiter *RateLimiter) *RPCService {
	return &RPCService{rooms: rooms, messages: messages, members: members, presence: presence, limiter: limiter, now: time.Now}
}

func (s *RPCService) RequireParticipant(ctx context.Context, conversationID, userID string) error {
	if s.members == nil {
		return nil
	}
	ok, err := s.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a participant of %s", ErrForbidden, conversationID)
	}
	return nil
}

func (s *RPCService) MarkMessageRead(ctx context.Context, userID, messageID string) (MarkReadResult, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return MarkReadResult{}, fmt.Errorf("%w: message_id is required", ErrInvalidInput)
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return MarkReadResult{}, err
	}
	if err := s.RequireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return MarkReadResult{}, err
	}

	room, err := s.rooms.Acquire(ctx, domain.ConversationChannel(msg.ConversationID))
	if err != nil {
		return MarkReadResult{}, err
	}
	defer s.rooms.Release(room)

	receipt, err := room.Receipts.MarkRead(ctx, messageID, userID)
	if err != nil {
		return MarkReadResult{}, err
	}
	return MarkReadResult{
		Receipt:   receipt,
		ReadCount: room.Receipts.ReadCount(messageID),
		Status:    room.Receipts.Status(ctx, messageID, msg.SenderID),
	}, nil
}

// SetTypingIndicator drives the same burst a websocket keystroke does. The room
// stays open until the burst ends.
func (s *RPCService) SetTypingIndicator(ctx context.Context, userID, conversationID string, isTyping bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}
	if err := s.RequireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	room, err := s.rooms.Acquire(ctx, domain.ConversationChannel(conversationID))
	if err != nil {
		return err
	}
	defer s.rooms.Release(room)

	if isTyping {
		room.Typing.Keystroke(ctx, userID)
	} else {
		room.Typing.Stop(ctx, userID)
	}
	return nil
}

// UpdateUserPresence persists the status and re-tracks it in every room the
// user has a session in on this node.
func (s *RPCService) UpdateUserPresence(ctx context.Context, userID string, status domain.PresenceStatus, device map[string]any) (domain.PresenceRecord, error) {
	if !status.Valid() {
		return domain.PresenceRecord{}, fmt.Errorf("%w: presence status %q", ErrInvalidInput, status)
	}
	rec := domain.PresenceRecord{UserID: userID, Status: status, LastSeen: s.now().UTC(), DeviceInfo: device}
	if err := s.presence.UpsertPresence(ctx, rec); err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("persist presence: %w", err)
	}
	for _, room := range s.rooms.RoomsWithUser(userID) {
		if _, err := room.Presence.Track(ctx, userID, status, device); err != nil {
			commonlog.Warnf("event=rpc action=update_user_presence status=track_failed channel=%s user_id=%s error=%v", room.Name, userID, err)
		}
	}
	return rec, nil
}

func (s *RPCService) CheckRateLimit(ctx context.Context, action, subject string, limit int, window time.Duration) (domain.RateLimitResult, error) {
	if strings.TrimSpace(action) == "" || strings.TrimSpace(subject) == "" {
		return domain.RateLimitResult{}, fmt.Errorf("%w: action and subject are required", ErrInvalidInput)
	}
	if s.limiter == nil {
		return domain.RateLimitResult{Allowed: true, Remaining: limit, ResetAt: s.now().Add(window).UTC()}, nil
	}
	return s.limiter.Check(ctx, action, subject, limit, window), nil
}

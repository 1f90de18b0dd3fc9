package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"civic_realtime/server/common/infra/db"
	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

const (
	tableMessageReads     = "message_reads"
	tableMessageReactions = "message_reactions"
)

// RowChangeSource is the subset of *db.ChangeFeed a room listens through.
type RowChangeSource interface {
	Subscribe(filter db.Filter, handle func(db.RowChange), resync func()) func()
}

type MessageLookup interface {
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
}

type RoomDeps struct {
	Manager            *ChannelManager
	Presence           PresenceStore
	Receipts           ReceiptStore
	Reactions          ReactionStore
	Participants       ParticipantCounter
	Messages           MessageLookup
	Feed               RowChangeSource
	TypingIdle         time.Duration
	PresenceStaleAfter time.Duration
}

type inboundHandler func(ctx context.Context, client *Client, payload json.RawMessage) error

// Room owns all coordination state for one conversation channel on this node.
type Room struct {
	Name           string
	ConversationID string

	Presence  *PresenceTracker
	Typing    *TypingCoordinator
	Receipts  *ReceiptAggregator
	Reactions *ReactionAggregator

	manager    *ChannelManager
	handle     *ChannelHandle
	messages   MessageLookup
	dispatcher *Dispatcher
	inbound    map[string]inboundHandler
	unsubs     []func()

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRoom(ctx context.Context, deps RoomDeps, name string) (*Room, error) {
	conversationID, ok := domain.ConversationFromChannel(name)
	if !ok {
		return nil, fmt.Errorf("%w: channel %q is not a conversation channel", ErrInvalidInput, name)
	}
	handle, err := deps.Manager.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	r := &Room{
		Name:           name,
		ConversationID: conversationID,
		manager:        deps.Manager,
		handle:         handle,
		messages:       deps.Messages,
		clients:        map[string]*Client{},
	}
	publish := func(ctx context.Context, kind domain.EventKind, payload any) error {
		return r.manager.Send(ctx, r.handle, kind, payload)
	}
	r.Presence = NewPresenceTracker(name, deps.Manager.Sender(), deps.Presence, publish, deps.PresenceStaleAfter)
	r.Typing = NewTypingCoordinator(conversationID, deps.TypingIdle, publish)
	r.Receipts = NewReceiptAggregator(conversationID, deps.Receipts, deps.Participants)
	r.Reactions = NewReactionAggregator(conversationID, deps.Reactions)

	r.dispatcher, err = NewDispatcher(r.eventTable())
	if err != nil {
		deps.Manager.Close(handle)
		return nil, err
	}
	r.inbound = r.inboundTable()

	deps.Manager.On(handle, AnyEvent, func(env domain.Envelope) {
		if err := r.dispatcher.Dispatch(context.Background(), env); err != nil {
			commonlog.Warnf("event=room action=dispatch status=failed channel=%s kind=%s error=%v", name, env.Event, err)
		}
	})

	if deps.Feed != nil {
		r.unsubs = append(r.unsubs,
			deps.Feed.Subscribe(db.Filter{Table: tableMessageReads, Column: "conversation_id", Value: conversationID}, r.onReceiptRow, r.onFeedResync),
			deps.Feed.Subscribe(db.Filter{Table: tableMessageReactions, Column: "conversation_id", Value: conversationID}, r.onReactionRow, nil),
		)
	}

	r.rebuild(ctx)
	return r, nil
}

func (r *Room) eventTable() map[domain.EventKind]EventHandler {
	return map[domain.EventKind]EventHandler{
		domain.EventPresenceSync:    r.onPresenceSync,
		domain.EventPresenceJoin:    r.onPresenceDelta,
		domain.EventPresenceLeave:   r.onPresenceDelta,
		domain.EventTypingStart:     r.onTypingStart,
		domain.EventTypingStop:      r.onTypingStop,
		domain.EventReceiptUpserted: r.onReceiptUpserted,
		domain.EventReactionAdded:   r.onReactionAdded,
		domain.EventReactionRemoved: r.onReactionRemoved,
		domain.EventBroadcast:       r.fanoutHandler,
		domain.EventSystemResync:    r.onResync,
	}
}

func (r *Room) inboundTable() map[string]inboundHandler {
	return map[string]inboundHandler{
		domain.InboundPresenceTrack:  r.handlePresenceTrack,
		domain.InboundVisibility:     r.handleVisibility,
		domain.InboundTyping:         r.handleTyping,
		domain.InboundTypingStop:     r.handleTypingStop,
		domain.InboundMarkRead:       r.handleMarkRead,
		domain.InboundReactionToggle: r.handleReactionToggle,
		domain.InboundBroadcast:      r.handleBroadcast,
	}
}

// Join attaches a websocket session and announces the user online.
func (r *Room) Join(ctx context.Context, client *Client) {
	r.mu.Lock()
	r.clients[client.SessionID] = client
	r.mu.Unlock()

	if _, err := r.Presence.Track(ctx, client.UserID, domain.PresenceOnline, nil); err != nil {
		commonlog.Warnf("event=room action=join status=presence_failed channel=%s user_id=%s error=%v", r.Name, client.UserID, err)
	}
	client.WriteJSON(r.snapshotEnvelope())
}

// Leave detaches a session. The user's last session leaving ends its typing
// burst and marks it offline.
func (r *Room) Leave(ctx context.Context, client *Client) {
	r.mu.Lock()
	delete(r.clients, client.SessionID)
	stillHere := false
	for _, other := range r.clients {
		if other.UserID == client.UserID {
			stillHere = true
			break
		}
	}
	r.mu.Unlock()
	if stillHere {
		return
	}
	r.Typing.Stop(ctx, client.UserID)
	if _, err := r.Presence.Leave(ctx, client.UserID); err != nil {
		commonlog.Warnf("event=room action=leave status=presence_failed channel=%s user_id=%s error=%v", r.Name, client.UserID, err)
	}
}

func (r *Room) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// Users lists users with at least one session in this room on this node.
func (r *Room) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		out = append(out, c.UserID)
	}
	sort.Strings(out)
	return out
}

// Handle runs one inbound websocket frame from client.
func (r *Room) Handle(ctx context.Context, client *Client, in domain.Inbound) error {
	h, ok := r.inbound[in.Event]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidInput, in.Event)
	}
	return h(ctx, client, in.Payload)
}

func (r *Room) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.Typing.Close()
	r.manager.Close(r.handle)
}

func (r *Room) rebuild(ctx context.Context) {
	if err := r.Presence.Resync(ctx); err != nil {
		commonlog.Warnf("event=room action=resync_presence status=failed channel=%s error=%v", r.Name, err)
	}
	if err := r.Receipts.Load(ctx); err != nil {
		commonlog.Warnf("event=room action=resync_receipts status=failed channel=%s error=%v", r.Name, err)
	}
	if err := r.Reactions.Load(ctx); err != nil {
		commonlog.Warnf("event=room action=resync_reactions status=failed channel=%s error=%v", r.Name, err)
	}
	r.Typing.ClearRemote()
}

type roomSnapshot struct {
	ConversationID string                           `json:"conversation_id"`
	Presence       map[string]domain.PresenceRecord `json:"presence"`
	Online         []string                         `json:"online"`
	Typing         []string                         `json:"typing"`
}

func (r *Room) snapshotEnvelope() domain.Envelope {
	raw, _ := json.Marshal(roomSnapshot{
		ConversationID: r.ConversationID,
		Presence:       r.Presence.Snapshot(),
		Online:         r.Presence.ListOnline(),
		Typing:         r.Typing.Typing(),
	})
	return domain.Envelope{Event: domain.EventRoomSnapshot, Sender: r.manager.Sender(), Payload: raw, SentAt: time.Now().UTC()}
}

func (r *Room) fanout(env domain.Envelope) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.WriteJSON(env)
	}
}

func (r *Room) fanoutHandler(_ context.Context, env domain.Envelope) error {
	r.fanout(env)
	return nil
}

func (r *Room) onPresenceSync(_ context.Context, env domain.Envelope) error {
	var p domain.PresenceSyncPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.Presence.ApplySync(p.State)
	// Clients see one record per user, not the per-node entries.
	out, err := domain.NewEnvelope(domain.EventPresenceSync, env.Sender, domain.PresenceSyncPayload{State: r.Presence.Snapshot()})
	if err != nil {
		return err
	}
	out.SentAt = env.SentAt
	r.fanout(out)
	return nil
}

func (r *Room) onPresenceDelta(_ context.Context, env domain.Envelope) error {
	var p domain.PresenceDeltaPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.Presence.ApplyDelta(p.Record)
	r.fanout(env)
	return nil
}

func (r *Room) onTypingStart(_ context.Context, env domain.Envelope) error {
	var p domain.TypingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.Typing.ApplyStart(p.UserID)
	r.fanout(env)
	return nil
}

func (r *Room) onTypingStop(_ context.Context, env domain.Envelope) error {
	var p domain.TypingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.Typing.ApplyStop(p.UserID)
	r.fanout(env)
	return nil
}

type receiptUpdate struct {
	Receipt   domain.ReadReceipt `json:"receipt"`
	ReadCount int                `json:"read_count"`
}

func (r *Room) onReceiptUpserted(_ context.Context, env domain.Envelope) error {
	var receipt domain.ReadReceipt
	if err := env.Decode(&receipt); err != nil {
		return err
	}
	r.Receipts.Apply(receipt)
	out, err := domain.NewEnvelope(domain.EventReceiptUpserted, env.Sender, receiptUpdate{
		Receipt:   receipt,
		ReadCount: r.Receipts.ReadCount(receipt.MessageID),
	})
	if err != nil {
		return err
	}
	r.fanout(out)
	return nil
}

func (r *Room) onReactionAdded(_ context.Context, env domain.Envelope) error {
	var reaction domain.Reaction
	if err := env.Decode(&reaction); err != nil {
		return err
	}
	r.Reactions.Apply(reaction)
	r.fanout(env)
	return nil
}

func (r *Room) onReactionRemoved(_ context.Context, env domain.Envelope) error {
	var reaction domain.Reaction
	if err := env.Decode(&reaction); err != nil {
		return err
	}
	r.Reactions.Remove(reaction.MessageID, reaction.UserID, reaction.Emoji)
	r.fanout(env)
	return nil
}

func (r *Room) onResync(ctx context.Context, env domain.Envelope) error {
	r.rebuild(ctx)
	r.fanout(env)
	return nil
}

func (r *Room) dispatchLocal(kind domain.EventKind, payload any) {
	env, err := domain.NewEnvelope(kind, r.manager.Sender(), payload)
	if err != nil {
		commonlog.Warnf("event=room action=encode status=failed channel=%s kind=%s error=%v", r.Name, kind, err)
		return
	}
	if err := r.dispatcher.Dispatch(context.Background(), env); err != nil {
		commonlog.Warnf("event=room action=dispatch status=failed channel=%s kind=%s error=%v", r.Name, kind, err)
	}
}

func (r *Room) onFeedResync() {
	r.dispatchLocal(domain.EventSystemResync, nil)
}

func (r *Room) onReceiptRow(change db.RowChange) {
	if change.Type == db.ChangeDelete {
		var receipt domain.ReadReceipt
		if err := decodeRow(change.Old, &receipt); err == nil {
			r.Receipts.Remove(receipt.MessageID, receipt.UserID)
		}
		return
	}
	var receipt domain.ReadReceipt
	if err := decodeRow(change.New, &receipt); err != nil {
		commonlog.Warnf("event=room action=decode_row status=failed table=%s error=%v", change.Table, err)
		return
	}
	r.dispatchLocal(domain.EventReceiptUpserted, receipt)
}

type reactionRow struct {
	ReactionID     string    `json:"reaction_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at"`
}

func (row reactionRow) toDomain() domain.Reaction {
	return domain.Reaction{
		ID:             row.ReactionID,
		MessageID:      row.MessageID,
		ConversationID: row.ConversationID,
		UserID:         row.UserID,
		Emoji:          row.Emoji,
		CreatedAt:      row.CreatedAt,
	}
}

func (r *Room) onReactionRow(change db.RowChange) {
	var row reactionRow
	switch change.Type {
	case db.ChangeInsert:
		if err := decodeRow(change.New, &row); err != nil {
			commonlog.Warnf("event=room action=decode_row status=failed table=%s error=%v", change.Table, err)
			return
		}
		r.dispatchLocal(domain.EventReactionAdded, row.toDomain())
	case db.ChangeDelete:
		if err := decodeRow(change.Old, &row); err != nil {
			commonlog.Warnf("event=room action=decode_row status=failed table=%s error=%v", change.Table, err)
			return
		}
		r.dispatchLocal(domain.EventReactionRemoved, row.toDomain())
	}
}

func decodeRow(row map[string]any, v any) error {
	if row == nil {
		return fmt.Errorf("%w: empty row", ErrInvalidInput)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func decodeInbound(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (r *Room) handlePresenceTrack(ctx context.Context, client *Client, payload json.RawMessage) error {
	var in domain.PresenceTrackInput
	if err := decodeInbound(payload, &in); err != nil {
		return err
	}
	if in.Status == "" {
		in.Status = domain.PresenceOnline
	}
	_, err := r.Presence.Track(ctx, client.UserID, in.Status, in.DeviceInfo)
	return err
}

func (r *Room) handleVisibility(ctx context.Context, client *Client, payload json.RawMessage) error {
	var in domain.VisibilityInput
	if err := decodeInbound(payload, &in); err != nil {
		return err
	}
	_, err := r.Presence.SetVisibility(ctx, client.UserID, in.Hidden)
	return err
}

func (r *Room) handleTyping(ctx context.Context, client *Client, _ json.RawMessage) error {
	r.Typing.Keystroke(ctx, client.UserID)
	return nil
}

func (r *Room) handleTypingStop(ctx context.Context, client *Client, _ json.RawMessage) error {
	r.Typing.Stop(ctx, client.UserID)
	return nil
}

func (r *Room) handleMarkRead(ctx context.Context, client *Client, payload json.RawMessage) error {
	var in domain.MarkReadInput
	if err := decodeInbound(payload, &in); err != nil {
		return err
	}
	if err := r.checkMessage(ctx, in.MessageID); err != nil {
		return err
	}
	_, err := r.Receipts.MarkRead(ctx, in.MessageID, client.UserID)
	return err
}

func (r *Room) handleReactionToggle(ctx context.Context, client *Client, payload json.RawMessage) error {
	var in domain.ReactionToggleInput
	if err := decodeInbound(payload, &in); err != nil {
		return err
	}
	if err := r.checkMessage(ctx, in.MessageID); err != nil {
		return err
	}
	_, err := r.Reactions.Toggle(ctx, in.MessageID, client.UserID, in.Emoji)
	return err
}

func (r *Room) handleBroadcast(ctx context.Context, client *Client, payload json.RawMessage) error {
	var in domain.BroadcastInput
	if err := decodeInbound(payload, &in); err != nil {
		return err
	}
	return r.manager.Send(ctx, r.handle, domain.EventBroadcast, domain.BroadcastPayload{UserID: client.UserID, Data: in.Data})
}

// checkMessage rejects message ids that belong to another conversation.
func (r *Room) checkMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message_id is required", ErrInvalidInput)
	}
	if r.messages == nil {
		return nil
	}
	msg, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != r.ConversationID {
		return fmt.Errorf("%w: message %s is not in this conversation", ErrForbidden, messageID)
	}
	return nil
}

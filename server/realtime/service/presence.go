package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

type publishFunc func(ctx context.Context, kind domain.EventKind, payload any) error

// PresenceStore holds the channel-wide presence aggregate, one field per
// node and user (PresenceRecord.Key).
type PresenceStore interface {
	Put(ctx context.Context, channel string, rec domain.PresenceRecord) error
	Remove(ctx context.Context, channel, key string) error
	All(ctx context.Context, channel string) (map[string]domain.PresenceRecord, error)
}

// PresenceTracker keeps one channel's view of who is present. The view holds
// one entry per node a user is connected through; reads fold those entries
// per user. Users missing from the view are unknown; records older than
// staleAfter read as offline.
type PresenceTracker struct {
	channel    string
	node       string
	store      PresenceStore
	publish    publishFunc
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	view map[string]domain.PresenceRecord
}

func NewPresenceTracker(channel, node string, store PresenceStore, publish publishFunc, staleAfter time.Duration) *PresenceTracker {
	return &PresenceTracker{
		channel:    channel,
		node:       node,
		store:      store,
		publish:    publish,
		staleAfter: staleAfter,
		now:        time.Now,
		view:       map[string]domain.PresenceRecord{},
	}
}

func (p *PresenceTracker) ownKey(userID string) string {
	return domain.PresenceRecord{UserID: userID, Node: p.node}.Key()
}

// Track announces userID's own status to the channel.
func (p *PresenceTracker) Track(ctx context.Context, userID string, status domain.PresenceStatus, device map[string]any) (domain.PresenceRecord, error) {
	if !status.Valid() {
		return domain.PresenceRecord{}, fmt.Errorf("%w: presence status %q", ErrInvalidInput, status)
	}
	if status == domain.PresenceOffline {
		return p.leave(ctx, userID)
	}
	rec := domain.PresenceRecord{UserID: userID, Node: p.node, Status: status, LastSeen: p.now().UTC(), DeviceInfo: device}

	p.mu.RLock()
	prev, own := p.view[rec.Key()]
	if !own {
		prev, _ = p.userRecordLocked(userID)
	}
	known := p.presentLocked(userID)
	p.mu.RUnlock()
	if device == nil {
		rec.DeviceInfo = prev.DeviceInfo
	}

	if err := p.store.Put(ctx, p.channel, rec); err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("store presence: %w", err)
	}
	p.ApplyDelta(rec)
	p.broadcastSync(ctx)
	if !known {
		p.emit(ctx, domain.EventPresenceJoin, domain.PresenceDeltaPayload{Record: rec})
	}
	return rec, nil
}

// SetVisibility maps a hidden tab to away and a visible one back to online.
func (p *PresenceTracker) SetVisibility(ctx context.Context, userID string, hidden bool) (domain.PresenceRecord, error) {
	status := domain.PresenceOnline
	if hidden {
		status = domain.PresenceAway
	}
	return p.Track(ctx, userID, status, nil)
}

// Leave is the explicit teardown transition to offline for this node's entry.
func (p *PresenceTracker) Leave(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	return p.leave(ctx, userID)
}

// leave drops this node's entry. presence_leave goes out only when no other
// node still holds an entry for the user.
func (p *PresenceTracker) leave(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	rec := domain.PresenceRecord{UserID: userID, Node: p.node, Status: domain.PresenceOffline, LastSeen: p.now().UTC()}
	if err := p.store.Remove(ctx, p.channel, rec.Key()); err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("remove presence: %w", err)
	}
	p.mu.Lock()
	delete(p.view, rec.Key())
	p.mu.Unlock()
	if err := p.Resync(ctx); err != nil {
		commonlog.Warnf("event=presence action=load_aggregate status=failed channel=%s user_id=%s error=%v", p.channel, userID, err)
	}
	p.broadcastSync(ctx)

	p.mu.RLock()
	elsewhere := p.presentLocked(userID)
	p.mu.RUnlock()
	if elsewhere {
		commonlog.Debugf("event=presence action=leave status=kept channel=%s user_id=%s node=%s", p.channel, userID, p.node)
		return rec, nil
	}
	p.emit(ctx, domain.EventPresenceLeave, domain.PresenceDeltaPayload{Record: rec})
	return rec, nil
}

// Heartbeat refreshes last_seen on this node's entries for userIDs.
func (p *PresenceTracker) Heartbeat(ctx context.Context, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	now := p.now().UTC()
	for _, userID := range userIDs {
		p.mu.RLock()
		rec, ok := p.view[p.ownKey(userID)]
		if !ok {
			rec, ok = p.userRecordLocked(userID)
		}
		p.mu.RUnlock()
		if !ok {
			rec = domain.PresenceRecord{UserID: userID, Status: domain.PresenceOnline}
		}
		rec.Node = p.node
		rec.LastSeen = now
		if err := p.store.Put(ctx, p.channel, rec); err != nil {
			commonlog.Warnf("event=presence action=heartbeat status=failed channel=%s user_id=%s error=%v", p.channel, userID, err)
			continue
		}
		p.ApplyDelta(rec)
	}
	p.broadcastSync(ctx)
}

// Resync rebuilds the view from the stored aggregate.
func (p *PresenceTracker) Resync(ctx context.Context) error {
	state, err := p.store.All(ctx, p.channel)
	if err != nil {
		return err
	}
	p.ApplySync(state)
	return nil
}

// ApplySync replaces the local view with state, keyed by aggregate field. An
// entry whose local copy is newer than the incoming one keeps the local copy;
// entries absent from state are dropped.
func (p *PresenceTracker) ApplySync(state map[string]domain.PresenceRecord) {
	next := make(map[string]domain.PresenceRecord, len(state))
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, rec := range state {
		if rec.UserID == "" {
			rec.UserID = key
		}
		if cur, ok := p.view[key]; ok && cur.LastSeen.After(rec.LastSeen) {
			rec = cur
		}
		next[key] = rec
	}
	p.view = next
}

// ApplyDelta merges a single join/leave entry, last writer wins.
func (p *PresenceTracker) ApplyDelta(rec domain.PresenceRecord) {
	key := rec.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.view[key]; ok && cur.LastSeen.After(rec.LastSeen) {
		return
	}
	if rec.Status == domain.PresenceOffline {
		delete(p.view, key)
		return
	}
	p.view[key] = rec
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.userRecordLocked(userID)
	return ok && p.online(rec)
}

func (p *PresenceTracker) ListOnline() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	folded := p.foldLocked()
	out := make([]string, 0, len(folded))
	for userID, rec := range folded {
		if p.online(rec) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns one record per user, keyed by user id.
func (p *PresenceTracker) Snapshot() map[string]domain.PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.foldLocked()
}

func (p *PresenceTracker) foldLocked() map[string]domain.PresenceRecord {
	out := make(map[string]domain.PresenceRecord, len(p.view))
	for _, rec := range p.view {
		if cur, ok := out[rec.UserID]; !ok || p.preferred(rec, cur) {
			out[rec.UserID] = rec
		}
	}
	return out
}

// userRecordLocked folds every entry held for userID.
func (p *PresenceTracker) userRecordLocked(userID string) (domain.PresenceRecord, bool) {
	var best domain.PresenceRecord
	found := false
	for _, rec := range p.view {
		if rec.UserID != userID {
			continue
		}
		if !found || p.preferred(rec, best) {
			best = rec
			found = true
		}
	}
	return best, found
}

// presentLocked reports whether any node holds a fresh entry for userID.
func (p *PresenceTracker) presentLocked(userID string) bool {
	for _, rec := range p.view {
		if rec.UserID == userID && p.fresh(rec) {
			return true
		}
	}
	return false
}

// preferred reports whether a should stand for the user over b: an online
// entry beats any other, then the latest last_seen wins.
func (p *PresenceTracker) preferred(a, b domain.PresenceRecord) bool {
	if ao, bo := p.online(a), p.online(b); ao != bo {
		return ao
	}
	return a.LastSeen.After(b.LastSeen)
}

func (p *PresenceTracker) online(rec domain.PresenceRecord) bool {
	return rec.Status == domain.PresenceOnline && p.fresh(rec)
}

func (p *PresenceTracker) fresh(rec domain.PresenceRecord) bool {
	return p.staleAfter <= 0 || p.now().Sub(rec.LastSeen) <= p.staleAfter
}

// broadcastSync publishes the full per-node aggregate so peers can rebuild
// their entries.
func (p *PresenceTracker) broadcastSync(ctx context.Context) {
	state, err := p.store.All(ctx, p.channel)
	if err != nil {
		commonlog.Warnf("event=presence action=load_aggregate status=failed channel=%s error=%v", p.channel, err)
		p.mu.RLock()
		state = make(map[string]domain.PresenceRecord, len(p.view))
		for k, v := range p.view {
			state[k] = v
		}
		p.mu.RUnlock()
	}
	p.emit(ctx, domain.EventPresenceSync, domain.PresenceSyncPayload{State: state})
}

func (p *PresenceTracker) emit(ctx context.Context, kind domain.EventKind, payload any) {
	if p.publish == nil {
		return
	}
	if err := p.publish(ctx, kind, payload); err != nil {
		commonlog.Warnf("event=presence action=publish status=failed channel=%s kind=%s error=%v", p.channel, kind, err)
	}
}

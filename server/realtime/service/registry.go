package service

import (
	"context"
	"sync"
	"time"

	commonlog "civic_realtime/server/common/log"
)

type roomEntry struct {
	room  *Room
	refs  int
	ready chan struct{}
	err   error
}

// RoomRegistry keeps one Room per channel name on this node. A room lives while
// it has websocket sessions, in-flight RPCs, or an armed local typing burst.
type RoomRegistry struct {
	deps RoomDeps

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

func NewRoomRegistry(deps RoomDeps) *RoomRegistry {
	return &RoomRegistry{deps: deps, rooms: map[string]*roomEntry{}}
}

// Acquire returns the room for name, creating it on first use. Every
// successful Acquire must be paired with Release.
func (g *RoomRegistry) Acquire(ctx context.Context, name string) (*Room, error) {
	g.mu.Lock()
	e, ok := g.rooms[name]
	if ok {
		e.refs++
		g.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			go func() {
				<-e.ready
				if e.err == nil {
					g.Release(e.room)
				}
			}()
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.room, nil
	}
	e = &roomEntry{refs: 1, ready: make(chan struct{})}
	g.rooms[name] = e
	g.mu.Unlock()

	room, err := NewRoom(ctx, g.deps, name)

	g.mu.Lock()
	if err != nil {
		e.err = err
		delete(g.rooms, name)
		close(e.ready)
		g.mu.Unlock()
		return nil, err
	}
	room.Typing.OnBurst(func(active bool) {
		if active {
			g.retain(room)
			return
		}
		g.Release(room)
	})
	e.room = room
	close(e.ready)
	g.mu.Unlock()

	commonlog.Infof("event=room_registry action=open status=ok channel=%s", name)
	return room, nil
}

func (g *RoomRegistry) retain(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.rooms[room.Name]; ok && e.room == room {
		e.refs++
	}
}

func (g *RoomRegistry) Release(room *Room) {
	if room == nil {
		return
	}
	g.mu.Lock()
	e, ok := g.rooms[room.Name]
	if !ok || e.room != room {
		g.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, room.Name)
	g.mu.Unlock()

	room.Close()
	commonlog.Infof("event=room_registry action=close status=ok channel=%s", room.Name)
}

func (g *RoomRegistry) Get(name string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[name]
	if !ok || e.room == nil {
		return nil, false
	}
	return e.room, true
}

func (g *RoomRegistry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		if e.room != nil {
			out = append(out, e.room)
		}
	}
	return out
}

// RoomsWithUser lists open rooms where userID has a session on this node.
func (g *RoomRegistry) RoomsWithUser(userID string) []*Room {
	var out []*Room
	for _, room := range g.Rooms() {
		if room.HasUser(userID) {
			out = append(out, room)
		}
	}
	return out
}

// Heartbeat re-announces every locally connected user in every room.
func (g *RoomRegistry) Heartbeat(ctx context.Context) {
	for _, room := range g.Rooms() {
		room.Presence.Heartbeat(ctx, room.Users())
	}
}

func (g *RoomRegistry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Heartbeat(ctx)
		}
	}
}

func (g *RoomRegistry) Close() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for name, e := range g.rooms {
		if e.room != nil {
			rooms = append(rooms, e.room)
		}
		delete(g.rooms, name)
	}
	g.mu.Unlock()
	for _, room := range rooms {
		room.Close()
	}
}

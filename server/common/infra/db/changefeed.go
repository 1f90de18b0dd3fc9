package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	commonlog "civic_realtime/server/common/log"
)

const RowChangesChannel = "row_changes"

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// RowChange is the payload emitted by the notify_row_change trigger.
type RowChange struct {
	Table string         `json:"table"`
	Type  string         `json:"type"`
	Old   map[string]any `json:"old"`
	New   map[string]any `json:"new"`
}

// Row returns the new row, or the old one for deletes.
func (c RowChange) Row() map[string]any {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

func (c RowChange) Value(column string) (string, bool) {
	row := c.Row()
	if row == nil {
		return "", false
	}
	v, ok := row[column]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Filter selects changes on one table whose Column equals Value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func (f Filter) Matches(c RowChange) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := c.Value(f.Column)
	return ok && v == f.Value
}

type feedSub struct {
	filter Filter
	handle func(RowChange)
	resync func()
}

type ChangeFeed struct {
	dsn     string
	channel string
	backoff time.Duration

	mu     sync.RWMutex
	subs   map[int]*feedSub
	nextID int
}

func NewChangeFeed(dsn string) *ChangeFeed {
	return &ChangeFeed{dsn: dsn, channel: RowChangesChannel, backoff: time.Second, subs: map[int]*feedSub{}}
}

// Subscribe registers handle for changes matching filter. resync, if set, is called
// after the feed reconnects because notifications in the gap are gone.
func (f *ChangeFeed) Subscribe(filter Filter, handle func(RowChange), resync func()) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = &feedSub{filter: filter, handle: handle, resync: resync}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Run listens until ctx is cancelled, reconnecting with capped backoff.
func (f *ChangeFeed) Run(ctx context.Context) error {
	backoff := f.backoff
	connected := false
	for {
		err := f.listen(ctx, func() {
			if connected {
				f.resyncAll()
			}
			connected = true
			backoff = f.backoff
		})
		if ctx.Err() != nil {
			return nil
		}
		commonlog.Warnf("event=change_feed action=listen status=failed channel=%s retry_in=%s error=%v", f.channel, backoff, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context, onListening func()) error {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return err
	}
	commonlog.Infof("event=change_feed action=listen status=ok channel=%s", f.channel)
	onListening()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		f.dispatch(n.Payload)
	}
}

func (f *ChangeFeed) dispatch(payload string) {
	var change RowChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		commonlog.Warnf("event=change_feed action=decode status=failed error=%v", err)
		return
	}
	f.mu.RLock()
	matched := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.filter.Matches(change) {
			matched = append(matched, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range matched {
		sub.handle(change)
	}
}

func (f *ChangeFeed) resyncAll() {
	f.mu.RLock()
	subs := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()
	for _, sub := range subs {
		if sub.resync != nil {
			sub.resync()
		}
	}
}

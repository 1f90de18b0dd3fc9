package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic_realtime/server/realtime/domain"
)

func TestTypingBurstStopsOnceAfterIdle(t *testing.T) {
	stops := make(chan time.Time, 4)
	publish := func(_ context.Context, kind domain.EventKind, _ any) error {
		if kind == domain.EventTypingStop {
			stops <- time.Now()
		}
		return nil
	}
	tc := NewTypingCoordinator("c1", 0, publish)

	start := time.Now()
	tc.Keystroke(context.Background(), "A")
	assert.True(t, tc.IsTyping("A"))

	select {
	case at := <-stops:
		elapsed := at.Sub(start)
		assert.True(t, elapsed >= DefaultTypingIdle, "stopped after %s", elapsed)
		assert.True(t, elapsed < DefaultTypingIdle+200*time.Millisecond, "stopped after %s", elapsed)
	case <-time.After(5 * time.Second):
		t.Fatal("typing stop was not emitted")
	}

	select {
	case <-stops:
		t.Fatal("typing stop emitted twice")
	case <-time.After(300 * time.Millisecond):
	}
	assert.False(t, tc.IsTyping("A"))
	assert.Zero(t, tc.ActiveBursts())
}

func TestTypingKeystrokesRearmTheBurst(t *testing.T) {
	rec := &publishRecorder{}
	tc := NewTypingCoordinator("c1", 250*time.Millisecond, rec.publish)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tc.Keystroke(ctx, "A")
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, rec.count(domain.EventTypingStart))
	assert.Zero(t, rec.count(domain.EventTypingStop))

	require.Eventually(t, func() bool { return rec.count(domain.EventTypingStop) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, rec.count(domain.EventTypingStop))
}

func TestTypingExplicitStopSuppressesExpiry(t *testing.T) {
	rec := &publishRecorder{}
	tc := NewTypingCoordinator("c1", 80*time.Millisecond, rec.publish)
	ctx := context.Background()

	tc.Keystroke(ctx, "A")
	tc.Stop(ctx, "A")
	tc.Stop(ctx, "A")
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []domain.EventKind{domain.EventTypingStart, domain.EventTypingStop}, rec.kinds())
	assert.False(t, tc.IsTyping("A"))
}

func TestTypingRemoteEvents(t *testing.T) {
	tc := NewTypingCoordinator("c1", time.Minute, nil)
	ctx := context.Background()

	tc.ApplyStart("B")
	tc.Keystroke(ctx, "A")
	assert.Equal(t, []string{"A", "B"}, tc.Typing())

	// A stop echoed for a user still typing here does not end the local burst.
	tc.ApplyStop("A")
	assert.True(t, tc.IsTyping("A"))

	tc.ClearRemote()
	assert.Equal(t, []string{"A"}, tc.Typing())
	tc.Close()
}

func TestTypingOnBurstPairsStartAndEnd(t *testing.T) {
	tc := NewTypingCoordinator("c1", 50*time.Millisecond, nil)
	var (
		mu     sync.Mutex
		active []bool
	)
	tc.OnBurst(func(a bool) {
		mu.Lock()
		defer mu.Unlock()
		active = append(active, a)
	})

	tc.Keystroke(context.Background(), "A")
	tc.Keystroke(context.Background(), "A")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(active) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, active)
}

func TestTypingCloseDisarmsSilently(t *testing.T) {
	rec := &publishRecorder{}
	tc := NewTypingCoordinator("c1", 50*time.Millisecond, rec.publish)

	tc.Keystroke(context.Background(), "A")
	tc.Close()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, []domain.EventKind{domain.EventTypingStart}, rec.kinds())
	tc.Keystroke(context.Background(), "A")
	assert.Empty(t, tc.Typing())
}

func TestStaleTimerDoesNotEndNewerBurst(t *testing.T) {
	rec := &publishRecorder{}
	tc := NewTypingCoordinator("c1", time.Minute, rec.publish)
	t.Cleanup(tc.Close)
	ctx := context.Background()

	tc.Keystroke(ctx, "A")
	tc.mu.Lock()
	old := tc.local["A"]
	oldGen := old.gen
	tc.mu.Unlock()
	tc.Stop(ctx, "A")

	// The new burst starts again at generation 1, same as the stopped one.
	tc.Keystroke(ctx, "A")
	tc.expire("A", old, oldGen)

	assert.True(t, tc.IsTyping("A"))
	assert.Equal(t, 1, tc.ActiveBursts())
	assert.Equal(t, 1, rec.count(domain.EventTypingStop))
	assert.Equal(t, 2, rec.count(domain.EventTypingStart))
}

package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

func newTestManager() *Manager {
	return NewManager(slog.Default(), nil, nil)
}

func TestAcquireCreatesPlaceholderSession(t *testing.T) {
	m := newTestManager()

	sess, err := m.AcquireLock(context.Background(), "alice", time.Second)
	require.NoError(t, err)
	require.Equal(t, "alice", sess.AgentID)
	require.Equal(t, "alice", sess.SessionID)
	require.False(t, sess.HasSession)
	require.True(t, sess.Locked)
}

func TestAcquireContendedTimesOut(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.AcquireLock(ctx, "alice", 300*time.Millisecond)
	require.True(t, kinderr.Is(err, kinderr.Busy))

	var ke *kinderr.Error
	require.ErrorAs(t, err, &ke)
	require.NotZero(t, ke.RetryAfter)

	// Deadline respected within a small margin.
	require.InDelta(t, 300, time.Since(start).Milliseconds(), 150)
}

func TestReleaseWakesWaiter(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.AcquireLock(ctx, "alice", 5*time.Second)
		done <- err
	}()

	time.Sleep(150 * time.Millisecond)
	m.ReleaseLock("alice")
	require.NoError(t, <-done)
}

func TestSerialization(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var inCritical bool

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AcquireLock(ctx, "alice", 10*time.Second)
			require.NoError(t, err)
			mu.Lock()
			require.False(t, inCritical)
			inCritical = true
			order = append(order, i)
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inCritical = false
			mu.Unlock()
			m.ReleaseLock("alice")
		}(i)
	}
	wg.Wait()
	require.Len(t, order, 4)
}

func TestReleaseIdempotentAndPreservesSessionID(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)
	m.MarkSessionInitialized("alice", "sess-real")
	m.ReleaseLock("alice")
	m.ReleaseLock("alice")
	m.ReleaseLock("ghost") // unknown agent is a no-op

	sess, ok := m.Get("alice")
	require.True(t, ok)
	require.False(t, sess.Locked)
	require.True(t, sess.HasSession)
	require.Equal(t, "sess-real", sess.SessionID)
}

func TestMarkSessionInitializedIsOneShot(t *testing.T) {
	m := newTestManager()

	m.MarkSessionInitialized("alice", "first")
	m.MarkSessionInitialized("alice", "second")

	sess, ok := m.Get("alice")
	require.True(t, ok)
	require.Equal(t, "first", sess.SessionID)
}

func TestCancelExecution(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	err := m.CancelExecution("ghost")
	require.True(t, kinderr.Is(err, kinderr.NotFound))

	_, err = m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)

	err = m.CancelExecution("alice")
	require.True(t, kinderr.Is(err, kinderr.Conflict)) // nothing registered yet

	execCtx, cancel := context.WithCancel(ctx)
	m.RegisterCancel("alice", cancel)
	require.NoError(t, m.CancelExecution("alice"))
	require.ErrorIs(t, execCtx.Err(), context.Canceled)
}

func TestEndSessionDropsState(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)
	m.MarkSessionInitialized("alice", "sess-1")

	m.EndSession("alice")
	_, ok := m.Get("alice")
	require.False(t, ok)

	// A new session starts from the placeholder again.
	sess, err := m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)
	require.False(t, sess.HasSession)
}

func TestCleanupStale(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "old", time.Second)
	require.NoError(t, err)
	_, err = m.AcquireLock(ctx, "fresh", time.Second)
	require.NoError(t, err)

	// Age only the first session.
	m.mu.Lock()
	m.sessions["old"].ActiveStartedAt = time.Now().Add(-25 * time.Hour)
	m.mu.Unlock()

	ended := m.CleanupStale(24 * time.Hour)
	require.Equal(t, 1, ended)
	_, ok := m.Get("old")
	require.False(t, ok)
	_, ok = m.Get("fresh")
	require.True(t, ok)
}

func TestAcquireRespectsContext(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := m.AcquireLock(ctx, "alice", time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err = m.AcquireLock(ctx, "alice", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

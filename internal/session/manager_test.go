package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_CreateGetRemove(t *testing.T) {
	m := NewManager(testLogger())

	s := m.Create("doc-1", "alice")
	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	m.Remove(s.ID())
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, m.Len())

	_, ok = m.Get(s.ID())
	assert.False(t, ok)

	m.Remove(s.ID()) // idempotent
}

func TestManager_ForDocument(t *testing.T) {
	m := NewManager(testLogger())

	a := m.Create("doc-1", "alice")
	b := m.Create("doc-1", "bob")
	m.Create("doc-2", "carol")

	got := m.ForDocument("doc-1")
	require.Len(t, got, 2)
	ids := []string{got[0].ID(), got[1].ID()}
	assert.Contains(t, ids, a.ID())
	assert.Contains(t, ids, b.ID())
	assert.True(t, ids[0] < ids[1], "deterministic order")

	assert.Empty(t, m.ForDocument("doc-3"))

	m.Remove(a.ID())
	m.Remove(b.ID())
	assert.Empty(t, m.ForDocument("doc-1"))
}

func TestManager_SweepExpired(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := now
	m := NewManager(testLogger(),
		WithHeartbeatTimeout(30*time.Second),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		}))

	stale := m.Create("doc-1", "alice")
	fresh := m.Create("doc-1", "bob")

	mu.Lock()
	clock = now.Add(31 * time.Second)
	mu.Unlock()
	fresh.Heartbeat(clock)

	var notified []*Session
	m.OnExpire(func(s *Session) { notified = append(notified, s) })

	expired := m.SweepExpired()
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID(), expired[0].ID())
	assert.Equal(t, StateClosed, stale.State())

	require.Len(t, notified, 1)
	assert.Same(t, stale, notified[0])

	_, ok := m.Get(stale.ID())
	assert.False(t, ok)
	_, ok = m.Get(fresh.ID())
	assert.True(t, ok)
}

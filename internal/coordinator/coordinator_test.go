package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-dev/coedit/internal/document"
	"github.com/coedit-dev/coedit/internal/ot"
)

// memPersister is an in-memory Persister that can fail a configured number
// of times before succeeding, to exercise the retry path.
type memPersister struct {
	mu       sync.Mutex
	ops      map[uint64]ot.Operation
	snaps    map[uint64]string
	failures int
}

func newMemPersister() *memPersister {
	return &memPersister{
		ops:   make(map[uint64]ot.Operation),
		snaps: make(map[uint64]string),
	}
}

func (p *memPersister) AppendOperation(_ context.Context, _ string, rev uint64, op ot.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("disk unavailable")
	}
	p.ops[rev] = op
	return nil
}

func (p *memPersister) WriteSnapshot(_ context.Context, _ string, rev uint64, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[rev] = content
	return nil
}

func (p *memPersister) opCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}

type denyAll struct{}

func (denyAll) CanEdit(string, string) bool { return false }

// startCoordinator runs c in the background and stops it on test cleanup.
func startCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestCoordinator(t *testing.T, revision uint64, content string, opts ...Option) (*Coordinator, *memPersister) {
	t.Helper()
	p := newMemPersister()
	c := New("doc-1", document.New(revision, content), AllowAll{}, p, opts...)
	startCoordinator(t, c)
	return c, p
}

func TestCoordinator_Submit_AtCurrentRevision(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")

	res, err := c.Submit(context.Background(), "s1", ot.New(0, "a").Insert("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)

	gotRev, content := c.Snapshot()
	assert.Equal(t, uint64(1), gotRev)
	assert.Equal(t, "hello", content)
}

func TestCoordinator_Submit_TransformsBehindOperation(t *testing.T) {
	// Document at revision 5, content "hello". A's insert lands first;
	// B's concurrent delete of "h" is transformed past it.
	c, _ := newTestCoordinator(t, 5, "hello")
	ctx := context.Background()

	res, err := c.Submit(ctx, "sA", ot.New(5, "a").Insert("X").Retain(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Revision)

	res, err = c.Submit(ctx, "sB", ot.New(5, "b").Delete(1).Retain(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.Revision)
	assert.Equal(t, []ot.Component{ot.Retain(1), ot.Delete(1), ot.Retain(4)}, res.Applied.Components(),
		"ack carries the applied, transformed form")

	_, content := c.Snapshot()
	assert.Equal(t, "Xello", content)
}

func TestCoordinator_Submit_ArrivalOrderIrrelevant(t *testing.T) {
	ctx := context.Background()
	opA := func() ot.Operation { return ot.New(5, "a").Insert("X").Retain(5) }
	opB := func() ot.Operation { return ot.New(5, "b").Delete(1).Retain(4) }

	c1, _ := newTestCoordinator(t, 5, "hello")
	_, err := c1.Submit(ctx, "sA", opA())
	require.NoError(t, err)
	_, err = c1.Submit(ctx, "sB", opB())
	require.NoError(t, err)

	c2, _ := newTestCoordinator(t, 5, "hello")
	_, err = c2.Submit(ctx, "sB", opB())
	require.NoError(t, err)
	_, err = c2.Submit(ctx, "sA", opA())
	require.NoError(t, err)

	_, content1 := c1.Snapshot()
	_, content2 := c2.Snapshot()
	assert.Equal(t, "Xello", content1)
	assert.Equal(t, content1, content2, "replicas converge regardless of arrival order")
}

func TestCoordinator_Submit_FutureRevision(t *testing.T) {
	c, _ := newTestCoordinator(t, 2, "ab")

	_, err := c.Submit(context.Background(), "s1", ot.New(7, "a").Retain(2).Insert("!"))
	require.Error(t, err)
	assert.True(t, IsFutureRevision(err))

	rev, _ := c.Snapshot()
	assert.Equal(t, uint64(2), rev, "rejected operation must not advance the revision")
}

func TestCoordinator_Submit_PermissionDenied(t *testing.T) {
	p := newMemPersister()
	c := New("doc-1", document.New(0, ""), denyAll{}, p)
	startCoordinator(t, c)

	_, err := c.Submit(context.Background(), "s1", ot.New(0, "a").Insert("x"))
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))

	rev, content := c.Snapshot()
	assert.Equal(t, uint64(0), rev)
	assert.Equal(t, "", content)
}

func TestCoordinator_Submit_MalformedOperation(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "hello")

	// Covers only 2 of 5 codepoints.
	_, err := c.Submit(context.Background(), "s1", ot.New(0, "a").Retain(2))
	require.Error(t, err)
	assert.True(t, IsMalformedOperation(err))
}

func TestCoordinator_RunSurvivesStaleWakeupTokens(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")

	// Every enqueue leaves a wakeup token behind, and the loop usually
	// dequeues the item before consuming the token. A stale token plus an
	// empty queue must not be mistaken for shutdown; each later submission
	// would otherwise block on its reply forever.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := c.Submit(ctx, "s1", ot.New(uint64(i), "a").Retain(i).Insert("x"))
		cancel()
		require.NoError(t, err, "submission %d: loop must still be running", i)
		require.Equal(t, uint64(i+1), res.Revision)
		// Let the loop go idle so it sees the stale token before the next
		// submission arrives.
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCoordinator_Stop_ReturnsAfterDraining(t *testing.T) {
	p := newMemPersister()
	c := New("doc-1", document.New(0, ""), AllowAll{}, p)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Submit(ctx, "s1", ot.New(0, "a").Insert("x"))
	require.NoError(t, err)

	c.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestCoordinator_RevisionMonotonicity(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")
	ctx := context.Background()

	var last uint64
	for i := 0; i < 25; i++ {
		res, err := c.Submit(ctx, "s1", ot.New(last, "a").Retain(i).Insert("x"))
		require.NoError(t, err)
		require.Equal(t, last+1, res.Revision, "revision advances by exactly 1")
		last = res.Revision
	}
}

func TestCoordinator_Broadcast_ReachesOtherSessionsOnly(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")

	origin := c.Subscribe("origin")
	other := c.Subscribe("other")

	_, err := c.Submit(context.Background(), "origin", ot.New(0, "a").Insert("hi"))
	require.NoError(t, err)

	select {
	case b := <-other:
		assert.Equal(t, uint64(1), b.Revision)
		assert.Equal(t, "a", b.ClientID)
	case <-time.After(time.Second):
		t.Fatal("other session never received the broadcast")
	}

	select {
	case b := <-origin:
		t.Fatalf("originating session must only get an ack, got broadcast %+v", b)
	default:
	}
}

func TestCoordinator_Unsubscribe_ClosesChannel(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")

	ch := c.Subscribe("s1")
	c.Unsubscribe("s1")

	_, open := <-ch
	assert.False(t, open)
}

func TestCoordinator_OperationsSince_Backfill(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		_, err := c.Submit(ctx, "s1", ot.New(uint64(i), "a").Retain(i).Insert(text))
		require.NoError(t, err)
	}

	ops, err := c.OperationsSince(1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].Revision)
	assert.Equal(t, uint64(3), ops[1].Revision)

	ops, err = c.OperationsSince(3)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestCoordinator_OperationsSince_BeyondRetention(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "", WithRetention(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Submit(ctx, "s1", ot.New(uint64(i), "a").Retain(i).Insert("x"))
		require.NoError(t, err)
	}

	_, err := c.OperationsSince(0)
	require.Error(t, err)
	assert.True(t, IsRevisionTooOld(err), "gap beyond retention forces a snapshot resync")

	ops, err := c.OperationsSince(3)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestCoordinator_PersistsAcceptedOperations(t *testing.T) {
	c, p := newTestCoordinator(t, 0, "")

	_, err := c.Submit(context.Background(), "s1", ot.New(0, "a").Insert("x"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return p.opCount() == 1 },
		2*time.Second, 10*time.Millisecond, "accepted operation reaches the durable log")
}

func TestCoordinator_PersistenceFailure_RetriedNotFatal(t *testing.T) {
	p := newMemPersister()
	p.failures = 2
	c := New("doc-1", document.New(0, ""), AllowAll{}, p,
		WithRetryBackoff(5*time.Millisecond, 20*time.Millisecond))
	startCoordinator(t, c)

	res, err := c.Submit(context.Background(), "s1", ot.New(0, "a").Insert("x"))
	require.NoError(t, err, "durability failures never block convergence")
	assert.Equal(t, uint64(1), res.Revision)

	assert.Eventually(t, func() bool { return p.opCount() == 1 },
		2*time.Second, 10*time.Millisecond, "append retried until it lands")
}

func TestCoordinator_SnapshotCadence(t *testing.T) {
	p := newMemPersister()
	c := New("doc-1", document.New(0, ""), AllowAll{}, p, WithSnapshotEvery(2))
	startCoordinator(t, c)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := c.Submit(ctx, "s1", ot.New(uint64(i), "a").Retain(i).Insert("x"))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, at2 := p.snaps[2]
		_, at4 := p.snaps[4]
		return at2 && at4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_ParallelSubmissions_AllAccepted(t *testing.T) {
	c, _ := newTestCoordinator(t, 0, "")
	ctx := context.Background()

	// Every submission is authored against revision 0; the coordinator
	// serializes and transforms them so all are accepted.
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := string(rune('a' + i))
			_, errs[i] = c.Submit(ctx, "s-"+client, ot.New(0, client).Insert(client))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "submission %d", i)
	}
	rev, content := c.Snapshot()
	assert.Equal(t, uint64(n), rev)
	assert.Len(t, []rune(content), n)
	assert.Equal(t, "abcdefgh", content, "same-position inserts order by client ID")
}

// Package coordinator serializes all edits to a single logical document.
//
// One Coordinator exists per document ID. All submissions funnel through a
// FIFO queue into a single-writer Run loop: the transform engine therefore
// never observes two operations racing against the same base revision, and
// the document's revision counter increases by exactly one per accepted
// operation. Coordinators for different documents share no mutable state
// and run fully in parallel.
//
// Data flow per submission: permission gate, catch-up transform against the
// accepted history since the operation's base revision, apply to the
// document model, append to the retained history, asynchronous durable
// append, broadcast to every other subscribed session, acknowledgement to
// the originator.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coedit-dev/coedit/internal/document"
	"github.com/coedit-dev/coedit/internal/ot"
)

// Authorizer is the consumed permission collaborator. Checked before any
// submission is applied.
type Authorizer interface {
	CanEdit(clientID, documentID string) bool
}

// AllowAll authorizes every edit. Useful for tests and single-user setups.
type AllowAll struct{}

func (AllowAll) CanEdit(string, string) bool { return true }

// Persister is the consumed durability collaborator. Failures are retried
// with backoff and never roll back in-memory accepted state.
type Persister interface {
	AppendOperation(ctx context.Context, documentID string, revision uint64, op ot.Operation) error
	WriteSnapshot(ctx context.Context, documentID string, revision uint64, content string) error
}

// Accepted is one operation the coordinator has applied, tagged with the
// revision it produced.
type Accepted struct {
	Revision  uint64 // revision after applying; op.BaseRevision == Revision-1
	SessionID string
	Op        ot.Operation
}

// Broadcast is what other sessions receive after an accepted edit.
type Broadcast struct {
	Revision uint64
	ClientID string
	Op       ot.Operation
}

// Result is the originator's acknowledgement: the revision the edit
// produced and the operation as actually applied (post catch-up transform).
// Sessions need the applied form to keep shadow state and undo inverses
// exact.
type Result struct {
	Revision uint64
	Applied  ot.Operation
}

// DefaultRetention is how many accepted operations are kept for catch-up
// transforms and reconnect backfill.
const DefaultRetention = 1024

// DefaultSnapshotEvery is how many accepted operations pass between durable
// content snapshots.
const DefaultSnapshotEvery = 100

// subscriberBuffer bounds per-session broadcast channels. A session that
// cannot drain in time loses broadcasts and recovers through resync.
const subscriberBuffer = 64

// Coordinator is the single serialization authority for one document.
type Coordinator struct {
	docID   string
	auth    Authorizer
	persist Persister

	retention     int
	snapshotEvery int

	queue *submitQueue

	// mu guards doc and history. Writes happen only in the Run loop;
	// readers (Snapshot, OperationsSince) take the read side.
	mu            sync.RWMutex
	doc           *document.Document
	history       []Accepted
	sinceSnapshot int

	subMu sync.Mutex
	subs  map[string]chan Broadcast

	retryBase time.Duration
	retryMax  time.Duration

	log *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetention sets the accepted-history retention window.
func WithRetention(n int) Option {
	return func(c *Coordinator) { c.retention = n }
}

// WithSnapshotEvery sets how many accepted operations pass between durable
// snapshots. Zero disables snapshotting.
func WithSnapshotEvery(n int) Option {
	return func(c *Coordinator) { c.snapshotEvery = n }
}

// WithRetryBackoff sets the persistence retry backoff bounds.
func WithRetryBackoff(base, maxWait time.Duration) Option {
	return func(c *Coordinator) {
		c.retryBase = base
		c.retryMax = maxWait
	}
}

// New creates a coordinator for docID over an initial document snapshot.
func New(docID string, doc *document.Document, auth Authorizer, persist Persister, opts ...Option) *Coordinator {
	c := &Coordinator{
		docID:         docID,
		auth:          auth,
		persist:       persist,
		retention:     DefaultRetention,
		snapshotEvery: DefaultSnapshotEvery,
		queue:         newSubmitQueue(),
		doc:           doc,
		subs:          make(map[string]chan Broadcast),
		retryBase:     100 * time.Millisecond,
		retryMax:      10 * time.Second,
		log:           slog.Default().With("doc", docID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DocumentID returns the document this coordinator serializes.
func (c *Coordinator) DocumentID() string {
	return c.docID
}

// Run is the single-writer loop. Blocks until ctx is cancelled or Stop is
// called. Must be called from exactly one goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("coordinator starting", "revision", c.Revision())

	for {
		sub, ok := c.queue.TryDequeue()
		if ok {
			c.process(ctx, sub)
			continue
		}

		// Empty does not mean closed: a wakeup token can outlive the item
		// that produced it, so closure is read from the queue itself.
		if c.queue.Closed() {
			c.log.Info("coordinator stopping: queue closed")
			return nil
		}

		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopping: context cancelled")
			c.queue.Close()
			c.queue.drain(ctx.Err())
			return ctx.Err()

		case <-c.queue.Wait():
		}
	}
}

// Stop closes the submission queue, which makes Run return once drained.
func (c *Coordinator) Stop() {
	c.queue.Close()
}

// Submit queues an operation and waits for the outcome. On success the
// result carries the revision the accepted operation produced and its
// applied form; the broadcast to other sessions has already been
// dispatched.
//
// A disconnected session's in-flight submission is still applied - it has
// already left the client - so cancellation of ctx abandons the wait, not
// the edit.
func (c *Coordinator) Submit(ctx context.Context, sessionID string, op ot.Operation) (Result, error) {
	reply := make(chan submitResult, 1)
	if !c.queue.Enqueue(submission{sessionID: sessionID, op: op, reply: reply}) {
		return Result{}, fmt.Errorf("coordinator for %s is stopped", c.docID)
	}

	select {
	case res := <-reply:
		return res.res, res.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// process handles one submission. Called only from the Run loop.
func (c *Coordinator) process(ctx context.Context, sub submission) {
	res, err := c.accept(ctx, sub)
	if err != nil {
		c.logRejection(sub, err)
	}
	sub.reply <- submitResult{res: res, err: err}
}

func (c *Coordinator) accept(ctx context.Context, sub submission) (Result, error) {
	op := sub.op

	if !c.auth.CanEdit(op.ClientID, c.docID) {
		return Result{}, permissionDeniedError(c.docID, op.ClientID)
	}

	current := c.doc.Revision()
	if op.BaseRevision > current {
		return Result{}, futureRevisionError(c.docID, op.BaseRevision, current)
	}

	if op.BaseRevision < current {
		missed, err := c.operationsSinceLocked(op.BaseRevision)
		if err != nil {
			return Result{}, err
		}
		op, err = ot.TransformAgainst(op, missed)
		if err != nil {
			// Transforming against our own accepted history must never
			// fail; if it does the operation itself is malformed.
			return Result{}, malformedError(c.docID, err)
		}
	}

	next, err := c.doc.Apply(op)
	if err != nil {
		if ot.IsMalformed(err) {
			return Result{}, malformedError(c.docID, err)
		}
		// RevisionMismatch here means the coordinator's own bookkeeping
		// broke. Surface loudly instead of recovering silently.
		c.log.Error("document apply failed after transform",
			"error", err,
			"base_revision", op.BaseRevision,
			"document_revision", c.doc.Revision(),
		)
		return Result{}, &SyncError{
			Code:       CodeRevisionMismatch,
			Message:    err.Error(),
			DocumentID: c.docID,
			Revision:   c.doc.Revision(),
		}
	}

	accepted := Accepted{Revision: next.Revision(), SessionID: sub.sessionID, Op: op}

	c.mu.Lock()
	c.doc = next
	c.history = append(c.history, accepted)
	if len(c.history) > c.retention {
		c.history = c.history[len(c.history)-c.retention:]
	}
	c.sinceSnapshot++
	snapshotDue := c.snapshotEvery > 0 && c.sinceSnapshot >= c.snapshotEvery
	var snapshotContent string
	if snapshotDue {
		c.sinceSnapshot = 0
		snapshotContent = next.Content()
	}
	c.mu.Unlock()

	c.log.Debug("operation accepted",
		"revision", accepted.Revision,
		"client", op.ClientID,
		"session", sub.sessionID,
	)

	go c.persistOperation(ctx, accepted)
	if snapshotDue {
		go c.persistSnapshot(ctx, accepted.Revision, snapshotContent)
	}

	c.broadcast(accepted)
	return Result{Revision: accepted.Revision, Applied: op}, nil
}

// broadcast fans the accepted operation out to every subscriber except the
// originating session. Sends never block: a full channel means the session
// is not draining, and it will recover through the resync path.
func (c *Coordinator) broadcast(a Accepted) {
	msg := Broadcast{Revision: a.Revision, ClientID: a.Op.ClientID, Op: a.Op}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for sessionID, ch := range c.subs {
		if sessionID == a.SessionID {
			continue
		}
		select {
		case ch <- msg:
		default:
			c.log.Warn("dropping broadcast to slow session",
				"session", sessionID,
				"revision", a.Revision,
			)
		}
	}
}

// Subscribe registers a session for broadcasts. The returned channel is
// closed by Unsubscribe.
func (c *Coordinator) Subscribe(sessionID string) <-chan Broadcast {
	ch := make(chan Broadcast, subscriberBuffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if old, ok := c.subs[sessionID]; ok {
		close(old)
	}
	c.subs[sessionID] = ch
	return ch
}

// Unsubscribe removes a session. Pending sends to it are dropped, not
// retried; a reconnecting session backfills through OperationsSince.
func (c *Coordinator) Unsubscribe(sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[sessionID]; ok {
		close(ch)
		delete(c.subs, sessionID)
	}
}

// Revision returns the current document revision.
func (c *Coordinator) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.Revision()
}

// Snapshot returns the current revision and full content, for JOIN_ACK and
// RESYNC_SNAPSHOT payloads.
func (c *Coordinator) Snapshot() (uint64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.Revision(), c.doc.Content()
}

// OperationsSince returns the accepted operations after revision rev, in
// acceptance order, for reconnect backfill. Returns a CodeRevisionTooOld
// error when rev predates the retention window; the caller should fall back
// to a full snapshot.
func (c *Coordinator) OperationsSince(rev uint64) ([]Broadcast, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops, err := c.operationsSinceLocked(rev)
	if err != nil {
		return nil, err
	}
	out := make([]Broadcast, len(ops))
	for i, op := range ops {
		out[i] = Broadcast{Revision: op.BaseRevision + 1, ClientID: op.ClientID, Op: op}
	}
	return out, nil
}

// operationsSinceLocked collects accepted ops with revision > rev. The
// caller must hold mu (either side); the Run loop calls it unlocked since it
// is the only writer.
func (c *Coordinator) operationsSinceLocked(rev uint64) ([]ot.Operation, error) {
	current := c.doc.Revision()
	if rev > current {
		return nil, futureRevisionError(c.docID, rev, current)
	}
	if rev == current {
		return nil, nil
	}
	if len(c.history) == 0 || c.history[0].Revision > rev+1 {
		oldest := current + 1
		if len(c.history) > 0 {
			oldest = c.history[0].Revision
		}
		return nil, revisionTooOldError(c.docID, rev, oldest)
	}

	start := int(rev + 1 - c.history[0].Revision)
	ops := make([]ot.Operation, 0, len(c.history)-start)
	for _, a := range c.history[start:] {
		ops = append(ops, a.Op)
	}
	return ops, nil
}

// persistOperation appends the accepted operation to the durable log,
// retrying with exponential backoff. In-memory convergence is never blocked
// or rolled back by durability failures.
func (c *Coordinator) persistOperation(ctx context.Context, a Accepted) {
	backoff := c.retryBase
	for {
		err := c.persist.AppendOperation(ctx, c.docID, a.Revision, a.Op)
		if err == nil {
			return
		}
		c.log.Error("operation log append failed, retrying",
			"error", err,
			"code", CodePersistenceWriteFailure,
			"revision", a.Revision,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			c.log.Error("giving up operation log append: context cancelled",
				"revision", a.Revision,
			)
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.retryMax)
	}
}

func (c *Coordinator) persistSnapshot(ctx context.Context, rev uint64, content string) {
	backoff := c.retryBase
	for {
		err := c.persist.WriteSnapshot(ctx, c.docID, rev, content)
		if err == nil {
			return
		}
		c.log.Error("snapshot write failed, retrying",
			"error", err,
			"code", CodePersistenceWriteFailure,
			"revision", rev,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.retryMax)
	}
}

func (c *Coordinator) logRejection(sub submission, err error) {
	switch CodeOf(err) {
	case CodeFutureRevision, CodePermissionDenied, CodeRevisionTooOld:
		c.log.Warn("submission rejected",
			"error", err,
			"session", sub.sessionID,
			"client", sub.op.ClientID,
		)
	default:
		// Malformed operations and revision mismatches are invariant
		// breaches, not client mistakes.
		c.log.Error("submission failed",
			"error", err,
			"session", sub.sessionID,
			"client", sub.op.ClientID,
			"base_revision", sub.op.BaseRevision,
		)
	}
}

package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coedit-dev/coedit/internal/coordinator"
	"github.com/coedit-dev/coedit/internal/session"
	"github.com/coedit-dev/coedit/internal/wire"
)

const (
	// joinDeadline bounds how long a fresh connection may stall before
	// sending its JOIN.
	joinDeadline = 10 * time.Second

	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second

	// sendBuffer is the outgoing message queue per connection.
	sendBuffer = 64

	// ackWaitLimit bounds how long an ack may wait for in-flight broadcasts
	// to reach the shadow before falling back to a snapshot resync.
	ackWaitLimit = 2 * time.Second
)

// conn is one upgraded websocket connection bound to a session.
type conn struct {
	srv   *Server
	ws    *websocket.Conn
	docID string

	coord *coordinator.Coordinator
	sess  *session.Session

	// send is drained by a single writer goroutine; the read loop and the
	// broadcast pump both produce into it.
	send chan wire.Message
	done chan struct{}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "doc", docID)
		return
	}

	c := &conn{
		srv:   s,
		ws:    ws,
		docID: docID,
		send:  make(chan wire.Message, sendBuffer),
		done:  make(chan struct{}),
	}
	c.serve()
}

func (c *conn) serve() {
	defer c.ws.Close()

	if err := c.join(); err != nil {
		c.srv.log.Warn("join failed", "error", err, "doc", c.docID)
		return
	}

	log := c.srv.log.With("doc", c.docID, "session", c.sess.ID(), "client", c.sess.ClientID())
	log.Info("session joined", "revision", c.sess.AckedRevision())

	c.srv.registerConn(c)
	sub := c.coord.Subscribe(c.sess.ID())
	defer func() {
		c.coord.Unsubscribe(c.sess.ID())
		c.srv.unregisterConn(c)
		c.srv.sessions.Remove(c.sess.ID())
		close(c.done)
		log.Info("session disconnected")
	}()

	go c.writePump()
	go c.broadcastPump(sub)

	c.readLoop()
}

// join performs the initial handshake: the first frame must be a JOIN, and
// the reply is a JOIN_ACK carrying the session ID and current snapshot.
func (c *conn) join() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(joinDeadline))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read join: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if msg.Type != wire.TypeJoin {
		return fmt.Errorf("expected join, got %s", msg.Type)
	}
	if msg.Join.ClientID == "" {
		return errors.New("join missing client id")
	}

	coord, err := c.srv.coordinatorFor(c.srv.ctx, c.docID)
	if err != nil {
		return fmt.Errorf("open document %s: %w", c.docID, err)
	}
	c.coord = coord

	c.sess = c.srv.sessions.Create(c.docID, msg.Join.ClientID)
	rev, content := coord.Snapshot()
	if err := c.sess.Activate(rev, content); err != nil {
		return err
	}

	return c.writeNow(wire.Message{Type: wire.TypeJoinAck, JoinAck: &wire.JoinAck{
		SessionID: c.sess.ID(),
		Revision:  rev,
		Content:   content,
	}})
}

// writeNow encodes and writes a message directly. Only used before the
// writer goroutine starts.
func (c *conn) writeNow(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// enqueue queues an outgoing message. A full queue means the peer stopped
// reading; the connection is torn down rather than blocked.
func (c *conn) enqueue(m wire.Message) {
	select {
	case c.send <- m:
	case <-c.done:
	default:
		c.srv.log.Warn("outgoing queue full, dropping connection",
			"doc", c.docID, "session", c.sess.ID())
		_ = c.ws.Close()
	}
}

// writePump is the single websocket writer.
func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			data, err := wire.Encode(m)
			if err != nil {
				c.srv.log.Error("encode outgoing message", "error", err, "type", m.Type)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// broadcastPump forwards accepted operations from other sessions to the
// client and mirrors them into the session shadow. A continuity failure
// falls back to a snapshot resync.
func (c *conn) broadcastPump(sub <-chan coordinator.Broadcast) {
	for b := range sub {
		// Stale delivery after a snapshot resync; the snapshot already
		// includes it.
		if b.Revision <= c.sess.AckedRevision() {
			continue
		}
		if err := c.sess.ObserveRemote(b); err != nil {
			c.srv.log.Warn("broadcast continuity lost, snapshot resync",
				"error", err, "doc", c.docID, "session", c.sess.ID())
			c.resyncSnapshot()
			continue
		}
		c.enqueue(wire.Message{Type: wire.TypeOpBroadcast, OpBroadcast: &wire.OpBroadcast{
			Revision:   b.Revision,
			ClientID:   b.ClientID,
			Components: b.Op.Components(),
		}})
	}
}

// readLoop dispatches incoming frames until the connection drops.
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			c.enqueue(errorMessage(wire.ErrCodeMalformedOperation, err.Error()))
			continue
		}

		c.sess.Heartbeat(time.Now())

		switch msg.Type {
		case wire.TypeOp:
			c.handleOp(msg.Op)
		case wire.TypeHeartbeat:
			c.enqueue(wire.Message{Type: wire.TypeHeartbeat})
		case wire.TypeResyncRequest:
			c.handleResync(msg.ResyncRequest.LastKnownRevision)
		default:
			c.enqueue(errorMessage(wire.ErrCodeMalformedOperation,
				fmt.Sprintf("unexpected %s message", msg.Type)))
		}
	}
}

func (c *conn) handleOp(p *wire.Op) {
	op := p.Operation()

	// A session speaks only for the identity it joined with; the permission
	// gate downstream trusts the operation's author field.
	if op.ClientID != c.sess.ClientID() {
		c.enqueue(errorMessage(wire.ErrCodePermissionDenied,
			fmt.Sprintf("operation authored as %q on a session joined as %q",
				op.ClientID, c.sess.ClientID())))
		return
	}

	if max := c.srv.cfg.MaxDocumentSize; op.TargetLen() > max {
		c.enqueue(errorMessage(wire.ErrCodeMalformedOperation,
			fmt.Sprintf("operation grows document past %d codepoints", max)))
		return
	}

	res, err := c.coord.Submit(c.srv.ctx, c.sess.ID(), op)
	if err != nil {
		if coordinator.IsRevisionTooOld(err) {
			c.resyncSnapshot()
			return
		}
		c.enqueue(errorMessage(wireErrorCode(err), err.Error()))
		return
	}

	c.enqueue(wire.Message{Type: wire.TypeOpAck, OpAck: &wire.OpAck{Revision: res.Revision}})

	// The ack can only be folded into the shadow once every broadcast that
	// preceded it has been; those are already in flight on the pump, which
	// signals each arrival.
	err = c.sess.AwaitRevision(res.Applied.BaseRevision, ackWaitLimit)
	if err == nil {
		err = c.sess.ApplyAck(res, session.EditNormal)
	}
	if err != nil {
		c.srv.log.Warn("ack could not be applied, snapshot resync",
			"error", err, "doc", c.docID, "session", c.sess.ID())
		c.resyncSnapshot()
	}
}

// handleResync serves missed history since the client's last known
// revision, falling back to a full snapshot when the gap exceeds the
// retention window.
func (c *conn) handleResync(lastKnown uint64) {
	ops, err := c.coord.OperationsSince(lastKnown)
	if err != nil {
		c.resyncSnapshot()
		return
	}
	for _, b := range ops {
		c.enqueue(wire.Message{Type: wire.TypeOpBroadcast, OpBroadcast: &wire.OpBroadcast{
			Revision:   b.Revision,
			ClientID:   b.ClientID,
			Components: b.Op.Components(),
		}})
	}
}

// resyncSnapshot rebases the session on the current document snapshot and
// sends it to the client. Local session history that predates the snapshot
// is discarded.
func (c *conn) resyncSnapshot() {
	rev, content := c.coord.Snapshot()
	c.sess.MarkDiverged()
	if err := c.sess.Activate(rev, content); err != nil {
		_ = c.ws.Close()
		return
	}
	c.enqueue(wire.Message{Type: wire.TypeResyncSnapshot, ResyncSnapshot: &wire.ResyncSnapshot{
		Revision: rev,
		Content:  content,
	}})
}

func errorMessage(code wire.ErrorCode, msg string) wire.Message {
	return wire.Message{Type: wire.TypeError, Error: &wire.Error{Code: code, Message: msg}}
}

// wireErrorCode maps coordinator rejection codes onto the protocol's error
// codes.
func wireErrorCode(err error) wire.ErrorCode {
	switch {
	case coordinator.IsFutureRevision(err):
		return wire.ErrCodeFutureRevision
	case coordinator.IsPermissionDenied(err):
		return wire.ErrCodePermissionDenied
	default:
		return wire.ErrCodeMalformedOperation
	}
}

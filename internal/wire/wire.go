// Package wire defines the message-level protocol between clients and the
// synchronization server.
//
// Messages are a tagged union: a JSON envelope whose "type" field selects
// exactly one payload. The encoding is transport-agnostic - the websocket
// layer frames it today, but nothing here depends on that.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/coedit-dev/coedit/internal/ot"
)

// Type tags a protocol message.
type Type string

const (
	TypeJoin           Type = "join"
	TypeJoinAck        Type = "join_ack"
	TypeOp             Type = "op"
	TypeOpBroadcast    Type = "op_broadcast"
	TypeOpAck          Type = "op_ack"
	TypeResyncRequest  Type = "resync_request"
	TypeResyncSnapshot Type = "resync_snapshot"
	TypeHeartbeat      Type = "heartbeat"
	TypeError          Type = "error"
)

// ErrorCode identifies fatal-to-session or recoverable protocol errors.
type ErrorCode string

const (
	ErrCodeFutureRevision     ErrorCode = "future_revision"
	ErrCodeMalformedOperation ErrorCode = "malformed_operation"
	ErrCodePermissionDenied   ErrorCode = "permission_denied"
)

// Message is the envelope. Exactly one payload pointer matching Type is set.
type Message struct {
	Type           Type            `json:"type"`
	Join           *Join           `json:"join,omitempty"`
	JoinAck        *JoinAck        `json:"join_ack,omitempty"`
	Op             *Op             `json:"op,omitempty"`
	OpBroadcast    *OpBroadcast    `json:"op_broadcast,omitempty"`
	OpAck          *OpAck          `json:"op_ack,omitempty"`
	ResyncRequest  *ResyncRequest  `json:"resync_request,omitempty"`
	ResyncSnapshot *ResyncSnapshot `json:"resync_snapshot,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// Join opens a session and requests the current revision and snapshot.
type Join struct {
	DocumentID string `json:"documentId"`
	ClientID   string `json:"clientId"`
}

// JoinAck is the initial sync reply.
type JoinAck struct {
	SessionID string `json:"sessionId"`
	Revision  uint64 `json:"revision"`
	Content   string `json:"content"`
}

// Op submits a local edit authored against BaseRevision.
type Op struct {
	BaseRevision uint64         `json:"baseRevision"`
	ClientID     string         `json:"clientId"`
	Components   []ot.Component `json:"components"`
}

// OpBroadcast delivers an accepted edit to every other session.
type OpBroadcast struct {
	Revision   uint64         `json:"revision"`
	ClientID   string         `json:"clientId"`
	Components []ot.Component `json:"components"`
}

// OpAck confirms the submitter's own edit landed at Revision.
type OpAck struct {
	Revision uint64 `json:"revision"`
}

// ResyncRequest asks for history missed since LastKnownRevision.
type ResyncRequest struct {
	LastKnownRevision uint64 `json:"lastKnownRevision"`
}

// ResyncSnapshot is the full-content fallback when the history gap exceeds
// the retention window.
type ResyncSnapshot struct {
	Revision uint64 `json:"revision"`
	Content  string `json:"content"`
}

// Error reports a rejected operation or a fatal session condition.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Encode serializes a message for the transport.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a message and checks the payload matches the type tag.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// validate checks that the payload pointer selected by Type is present.
// Heartbeats carry no payload.
func (m Message) validate() error {
	var ok bool
	switch m.Type {
	case TypeJoin:
		ok = m.Join != nil
	case TypeJoinAck:
		ok = m.JoinAck != nil
	case TypeOp:
		ok = m.Op != nil
	case TypeOpBroadcast:
		ok = m.OpBroadcast != nil
	case TypeOpAck:
		ok = m.OpAck != nil
	case TypeResyncRequest:
		ok = m.ResyncRequest != nil
	case TypeResyncSnapshot:
		ok = m.ResyncSnapshot != nil
	case TypeHeartbeat:
		ok = true
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("%s message missing payload", m.Type)
	}
	return nil
}

// NewOp builds an OP message from an operation.
func NewOp(op ot.Operation) Message {
	return Message{Type: TypeOp, Op: &Op{
		BaseRevision: op.BaseRevision,
		ClientID:     op.ClientID,
		Components:   op.Components(),
	}}
}

// Operation reconstructs the operation carried by an OP payload.
func (p *Op) Operation() ot.Operation {
	return ot.FromComponents(p.BaseRevision, p.ClientID, p.Components)
}

// Operation reconstructs the operation carried by a broadcast. The base
// revision is the one preceding the broadcast revision.
func (p *OpBroadcast) Operation() ot.Operation {
	return ot.FromComponents(p.Revision-1, p.ClientID, p.Components)
}

// Package wire implements the §6 JSON wire protocol shared by the
// transport session (C5) and the relay (C6): the framed messages
// exchanged between a participant and the relay, and the canonical
// encoding of insert/delete operations carried inside them.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/collabtext/replica/internal/crdt"
)

// Message type discriminators, per §6.
const (
	TypeOperation    = "operation"
	TypeUsersUpdate  = "users_update"
	TypeOperationAck = "operation_ack"
)

// Op discriminators inside an operation payload.
const (
	opInsert = "insert"
	opDelete = "delete"
)

// OpPayload is the canonical, deterministic encoding of a crdt.Operation
// (§4.3: "the same operation produces the same bytes on every replica").
// OriginLamport/OriginSiteID extend the literal §6 delete sketch with the
// deleted character's own original (lamport, site) disambiguator, needed
// to identify the exact character being removed when two replicas
// concurrently allocated the same bare position vector (see DESIGN.md).
type OpPayload struct {
	Type          string  `json:"type"`
	ID            []int64 `json:"id"`
	Value         string  `json:"value,omitempty"`
	Timestamp     uint64  `json:"timestamp"`
	SiteID        string  `json:"siteId"`
	OriginLamport uint64  `json:"originLamport,omitempty"`
	OriginSiteID  string  `json:"originSiteId,omitempty"`
}

// FromOperation converts a crdt.Operation into its wire form.
func FromOperation(op crdt.Operation) OpPayload {
	switch op.Kind {
	case crdt.KindInsert:
		return OpPayload{
			Type:      opInsert,
			ID:        []int64(op.Target.Pos),
			Value:     op.Value,
			Timestamp: op.Timestamp,
			SiteID:    op.Site,
		}
	default:
		return OpPayload{
			Type:          opDelete,
			ID:            []int64(op.Target.Pos),
			Timestamp:     op.Timestamp,
			SiteID:        op.Site,
			OriginLamport: op.Target.Lamport,
			OriginSiteID:  op.Target.Site,
		}
	}
}

// ToOperation converts a wire payload back into a crdt.Operation,
// returning E1 MalformedOperation on structurally invalid input.
func (p OpPayload) ToOperation() (crdt.Operation, error) {
	if len(p.ID) == 0 {
		return crdt.Operation{}, fmt.Errorf("%w: operation missing id", crdt.ErrMalformedOperation)
	}
	if p.SiteID == "" {
		return crdt.Operation{}, fmt.Errorf("%w: operation missing siteId", crdt.ErrMalformedOperation)
	}
	pos := make([]int64, len(p.ID))
	copy(pos, p.ID)

	switch p.Type {
	case opInsert:
		id := crdt.CharID{Pos: pos, Lamport: p.Timestamp, Site: p.SiteID}
		return crdt.NewInsert(id, p.Value), nil
	case opDelete:
		originLamport := p.OriginLamport
		originSite := p.OriginSiteID
		if originSite == "" {
			// Tolerate peers that have not adopted the origin fields
			// yet: fall back to treating the delete's own clock/site
			// as the target's, matching the literal §4.2 wording.
			originLamport = p.Timestamp
			originSite = p.SiteID
		}
		target := crdt.CharID{Pos: pos, Lamport: originLamport, Site: originSite}
		return crdt.NewDelete(target, p.Timestamp, p.SiteID), nil
	default:
		return crdt.Operation{}, fmt.Errorf("%w: unknown op type %q", crdt.ErrMalformedOperation, p.Type)
	}
}

// ClientMessage is sent from a participant to the relay.
type ClientMessage struct {
	Type        string    `json:"type"`
	Operation   OpPayload `json:"operation"`
	IsSync      bool      `json:"isSync,omitempty"`
	OperationID string    `json:"operationId,omitempty"`
}

// ServerMessage is sent from the relay to a participant. Exactly one of
// Operation, Count, or the ack fields is populated, depending on Type.
type ServerMessage struct {
	Type        string     `json:"type"`
	Operation   *OpPayload `json:"operation,omitempty"`
	Count       *int       `json:"count,omitempty"`
	OperationID string     `json:"operationId,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// EncodeClientMessage serialises op as a participant->relay frame.
func EncodeClientMessage(op crdt.Operation, isSync bool, operationID string) ([]byte, error) {
	msg := ClientMessage{
		Type:        TypeOperation,
		Operation:   FromOperation(op),
		IsSync:      isSync,
		OperationID: operationID,
	}
	return json.Marshal(msg)
}

// DecodeClientMessage parses a participant->relay frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", crdt.ErrMalformedOperation, err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type field", crdt.ErrMalformedOperation)
	}
	return msg, nil
}

// EncodeOperationMessage serialises a relay->participant operation
// broadcast.
func EncodeOperationMessage(op crdt.Operation) ([]byte, error) {
	payload := FromOperation(op)
	return json.Marshal(ServerMessage{Type: TypeOperation, Operation: &payload})
}

// EncodeUsersUpdate serialises a relay->participant occupancy broadcast.
func EncodeUsersUpdate(count int) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: TypeUsersUpdate, Count: &count})
}

// EncodeOperationAck serialises a relay->participant acknowledgement.
func EncodeOperationAck(operationID string, success bool, errMsg string) ([]byte, error) {
	return json.Marshal(ServerMessage{
		Type:        TypeOperationAck,
		OperationID: operationID,
		Success:     &success,
		Error:       errMsg,
	})
}

// DecodeServerMessage parses a relay->participant frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", crdt.ErrMalformedOperation, err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("%w: missing type field", crdt.ErrMalformedOperation)
	}
	return msg, nil
}

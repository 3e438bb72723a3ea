package types

import "encoding/json"

// MsgType discriminates the payload carried by a Message. The wire
// codec dispatches on this field alone (see the message.go entry in
// DESIGN.md, "tagged-variant wire codec").
type MsgType string

const (
	PrepareReq      MsgType = "PREPARE_REQ"
	PrepareResp     MsgType = "PREPARE_RESP"
	Decision        MsgType = "DECISION"
	Heartbeat       MsgType = "HEARTBEAT"
	HealthSnapshot  MsgType = "HEALTH_SNAPSHOT"
)

// Vote is the participant's verdict on a PREPARE_REQ.
type Vote string

const (
	VoteCommit Vote = "COMMIT"
	VoteAbort  Vote = "ABORT"
)

// DecisionKind is the coordinator's terminal outcome for a round.
type DecisionKind string

const (
	KindCommit DecisionKind = "COMMIT"
	KindAbort  DecisionKind = "ABORT"
)

// Envelope is the wire frame body: {msg_type, sender, payload}. Payload
// is kept raw so it can be decoded into the typed variant matching
// MsgType without a second network round-trip.
type Envelope struct {
	MsgType MsgType         `json:"msg_type"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// PrepareReqPayload carries the candidate state a coordinator proposes.
type PrepareReqPayload struct {
	TxID  string      `json:"txid"`
	State StateObject `json:"state"`
}

// PrepareRespPayload carries a participant's vote back to the
// coordinator.
type PrepareRespPayload struct {
	TxID   string `json:"txid"`
	Vote   Vote   `json:"vote"`
	Reason string `json:"reason"`
}

// DecisionPayload carries the coordinator's terminal decision for a
// round.
type DecisionPayload struct {
	TxID  string       `json:"txid"`
	Kind  DecisionKind `json:"kind"`
	State StateObject  `json:"state"`
}

// HeartbeatPayload is informational only; no protocol decision is
// taken from it in the core.
type HeartbeatPayload struct {
	NodeID    string `json:"node_id"`
	Version   uint64 `json:"version"`
	ModelID   string `json:"model_id"`
	Timestamp string `json:"timestamp"`
	Digest    string `json:"digest,omitempty"`
}

// HealthSnapshotPayload publishes a node's current health sample.
type HealthSnapshotPayload struct {
	NodeID    string  `json:"node_id"`
	P95       float64 `json:"p95"`
	ErrorRate float64 `json:"error_rate"`
	WindowID  string  `json:"window_id"`
}

// Encode packs a typed payload into an Envelope ready for framing.
func Encode(sender string, kind MsgType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{MsgType: kind, Sender: sender, Payload: raw}, nil
}

func (e Envelope) DecodePrepareReq() (PrepareReqPayload, error) {
	var p PrepareReqPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodePrepareResp() (PrepareRespPayload, error) {
	var p PrepareRespPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodeDecision() (DecisionPayload, error) {
	var p DecisionPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodeHeartbeat() (HeartbeatPayload, error) {
	var p HeartbeatPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodeHealthSnapshot() (HealthSnapshotPayload, error) {
	var p HealthSnapshotPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

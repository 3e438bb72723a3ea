package node

import (
	"time"

	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// handlePrepareReq implements the participant prepare handling from
// SPEC_FULL.md 4.3: evaluate the health gate, durably mark the
// candidate PREPARED, and vote back to the sender.
func (n *Node) handlePrepareReq(env types.Envelope) {
	req, err := env.DecodePrepareReq()
	if err != nil {
		n.log.Errorf("node %s: decode PREPARE_REQ from %s: %v", n.cfg.NodeID, env.Sender, err)
		return
	}

	sample := n.health.Sample()
	commit, reason := evaluateGate(n.cfg, sample)

	candidate := req.State.Clone()
	candidate.Status = types.Prepared
	if err := n.slog.Append(candidate); err != nil {
		n.log.Fatalf("node %s: failed to durably record PREPARED %s: %v", n.cfg.NodeID, req.TxID, err)
		return
	}

	vote := types.VoteAbort
	if commit {
		vote = types.VoteCommit
	}

	resp, err := types.Encode(n.cfg.NodeID, types.PrepareResp, types.PrepareRespPayload{
		TxID:   req.TxID,
		Vote:   vote,
		Reason: reason,
	})
	if err != nil {
		n.log.Errorf("node %s: encode PREPARE_RESP: %v", n.cfg.NodeID, err)
		return
	}
	n.send(env.Sender, resp)
}

// handleDecision applies a DECISION message received over the wire.
// Both coordinator and participants call into the same applyDecision
// path so resolving locally and resolving via the network are
// identical.
func (n *Node) handleDecision(env types.Envelope) {
	dec, err := env.DecodeDecision()
	if err != nil {
		n.log.Errorf("node %s: decode DECISION from %s: %v", n.cfg.NodeID, env.Sender, err)
		return
	}
	n.applyDecision(dec.TxID, dec.Kind, dec.State)
}

// applyDecision implements decision application (SPEC_FULL.md 4.3), including the
// idempotency requirement: resolving the same txid twice is a no-op.
func (n *Node) applyDecision(txid string, kind types.DecisionKind, state types.StateObject) {
	n.votesMu.Lock()
	if _, already := n.resolved[txid]; already {
		n.votesMu.Unlock()
		return
	}
	n.resolved[txid] = kind
	n.votesMu.Unlock()

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	switch kind {
	case types.KindCommit:
		committed := state.Clone()
		committed.Status = types.Committed
		if err := n.slog.Append(committed); err != nil {
			n.log.Fatalf("node %s: failed to durably record COMMITTED %s: %v", n.cfg.NodeID, txid, err)
			return
		}
		n.current = committed
		n.lastCommitted = committed
		n.history = append(n.history, committed)
		if n.metrics != nil {
			n.metrics.CommittedVersion.Set(float64(committed.Version))
		}
	case types.KindAbort:
		aborted := types.StateObject{
			Version:   state.Version,
			Weights:   n.lastCommitted.Weights,
			Status:    types.Aborted,
			TxID:      txid,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := n.slog.Append(aborted); err != nil {
			n.log.Fatalf("node %s: failed to durably record ABORTED %s: %v", n.cfg.NodeID, txid, err)
			return
		}
		n.current = n.lastCommitted
	}
}

// heartbeatLoop broadcasts a HEARTBEAT every HeartbeatInterval. The
// digest lets an operator compare nodes cheaply without diffing full
// state objects.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			committed := n.LastCommitted()
			payload, err := types.Encode(n.cfg.NodeID, types.Heartbeat, types.HeartbeatPayload{
				NodeID:    n.cfg.NodeID,
				Version:   committed.Version,
				ModelID:   committed.ModelID(),
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				Digest:    committed.Digest(),
			})
			if err != nil {
				n.log.Errorf("node %s: encode heartbeat: %v", n.cfg.NodeID, err)
				continue
			}
			n.broadcast(payload)
		}
	}
}

// healthLoop periodically samples health and publishes it for
// operator visibility; the core protocol never reacts to these.
func (n *Node) healthLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			s := n.health.Sample()
			payload, err := types.Encode(n.cfg.NodeID, types.HealthSnapshot, types.HealthSnapshotPayload{
				NodeID:    n.cfg.NodeID,
				P95:       s.P95Millis,
				ErrorRate: s.ErrorRate,
				WindowID:  s.WindowID,
			})
			if err != nil {
				n.log.Errorf("node %s: encode health snapshot: %v", n.cfg.NodeID, err)
				continue
			}
			n.broadcast(payload)
		}
	}
}

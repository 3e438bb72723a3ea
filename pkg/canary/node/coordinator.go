package node

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// ErrNotCoordinator is returned when a participant is asked to drive
// a round.
var ErrNotCoordinator = errors.New("node: not the coordinator")

// ErrNoParticipants is returned when a round has no peers to prepare.
var ErrNoParticipants = errors.New("node: no participants configured")

// DeployResult mirrors the HTTP /deploy and /rollback response shape
// in SPEC_FULL.md section 6.
type DeployResult struct {
	Status   string `json:"status"`
	ModelID  string `json:"model_id"`
	Version  uint64 `json:"version"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Deploy runs a 2PC round proposing a single-model state with weight
// 1.0 for modelID (see SPEC_FULL.md section 3 for why a plain deploy is
// just a degenerate weighted rollout).
func (n *Node) Deploy(modelID string) (DeployResult, error) {
	return n.DeployWeighted(map[string]float64{modelID: 1.0})
}

// Rollback proposes the second-to-last committed weights. It fails if
// there is no prior version to roll back to.
func (n *Node) Rollback() (DeployResult, error) {
	hist := n.History()
	if len(hist) < 2 {
		return DeployResult{}, errors.New("node: no prior version to roll back to")
	}
	prior := hist[len(hist)-2]
	return n.DeployWeighted(prior.Weights)
}

// DeployWeighted runs the coordinator round algorithm from
// SPEC_FULL.md 4.3 proposing weights as the next version's payload.
func (n *Node) DeployWeighted(weights map[string]float64) (DeployResult, error) {
	if n.cfg.Role != RoleCoordinator {
		return DeployResult{}, ErrNotCoordinator
	}
	if len(n.cfg.PeerIDs()) == 0 {
		return DeployResult{}, ErrNoParticipants
	}

	nextVersion := n.Current().Version + 1

	var lastResult DeployResult
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		txid := fmt.Sprintf("deploy-%s-%d-%d", n.cfg.NodeID, nextVersion, n.nextSeed())

		candidate := types.StateObject{
			Version:   nextVersion,
			Weights:   weights,
			Status:    types.Prepared,
			TxID:      txid,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}

		kind, err := n.runRound(txid, candidate)
		if err != nil {
			return DeployResult{}, err
		}

		lastResult = DeployResult{
			ModelID:  candidate.ModelID(),
			Version:  nextVersion,
			Attempts: attempt,
		}

		if kind == types.KindCommit {
			lastResult.Status = "committed"
			return lastResult, nil
		}

		lastResult.Status = "aborted"
		lastResult.Error = "round aborted"
		if attempt < n.cfg.MaxRetries {
			time.Sleep(n.cfg.RetryDelay)
		}
	}

	return lastResult, nil
}

// runRound executes one full prepare/vote/decide cycle for txid and
// returns the decided outcome.
func (n *Node) runRound(txid string, candidate types.StateObject) (types.DecisionKind, error) {
	if err := n.slog.Append(candidate); err != nil {
		n.log.Fatalf("node %s: failed to durably record PREPARED %s: %v", n.cfg.NodeID, txid, err)
		return types.KindAbort, errors.Wrap(err, "append candidate")
	}

	n.votesMu.Lock()
	n.votes[txid] = make(map[string]types.Vote)
	n.votesMu.Unlock()

	payload, err := types.Encode(n.cfg.NodeID, types.PrepareReq, types.PrepareReqPayload{
		TxID:  txid,
		State: candidate,
	})
	if err != nil {
		return types.KindAbort, err
	}
	n.broadcast(payload)

	pollStart := time.Now()
	expected := len(n.cfg.PeerIDs())
	deadline := pollStart.Add(n.cfg.PrepareTimeout)
	for time.Now().Before(deadline) {
		n.votesMu.Lock()
		got := len(n.votes[txid])
		n.votesMu.Unlock()
		if got >= expected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n.metrics != nil {
		n.metrics.VoteLatency.Observe(time.Since(pollStart).Seconds())
	}

	n.votesMu.Lock()
	tally := n.votes[txid]
	delete(n.votes, txid)
	n.votesMu.Unlock()

	kind := types.KindCommit
	if len(tally) < expected {
		kind = types.KindAbort
	} else {
		for _, v := range tally {
			if v != types.VoteCommit {
				kind = types.KindAbort
				break
			}
		}
	}

	decided := candidate.Clone()
	if kind == types.KindCommit {
		decided.Status = types.Committed
	} else {
		decided.Status = types.Aborted
	}

	decisionPayload, err := types.Encode(n.cfg.NodeID, types.Decision, types.DecisionPayload{
		TxID:  txid,
		Kind:  kind,
		State: decided,
	})
	if err != nil {
		return kind, err
	}
	n.broadcast(decisionPayload)
	n.applyDecision(txid, kind, decided)

	if n.metrics != nil {
		outcome := "committed"
		if kind == types.KindAbort {
			outcome = "aborted"
		}
		n.metrics.RoundsTotal.WithLabelValues(outcome).Inc()
	}

	return kind, nil
}

// handlePrepareResp records a vote in the tally for its txid (no-op
// if the round already terminated).
func (n *Node) handlePrepareResp(env types.Envelope) {
	resp, err := env.DecodePrepareResp()
	if err != nil {
		n.log.Errorf("node %s: decode PREPARE_RESP from %s: %v", n.cfg.NodeID, env.Sender, err)
		return
	}
	n.votesMu.Lock()
	defer n.votesMu.Unlock()
	tally, ok := n.votes[resp.TxID]
	if !ok {
		return
	}
	tally[env.Sender] = resp.Vote
}

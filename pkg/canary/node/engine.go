// Package node implements the 2PC role engine: inbound dispatch, the
// coordinator's round driver, participant prepare handling, decision
// application, and the heartbeat/health background tasks (see
// SPEC_FULL.md 4.3-4.4).
package node

import (
	"sync"
	"time"

	"github.com/andrestc/canary2pc/pkg/canary/metrics"
	"github.com/andrestc/canary2pc/pkg/canary/statelog"
	"github.com/andrestc/canary2pc/pkg/canary/transport"
	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// Node is a single cluster member. It owns the durable log, the
// transport mesh, and the in-memory replicated state.
type Node struct {
	cfg     Config
	log     types.Logger
	slog    *statelog.Log
	trans   transport.Transport
	metrics *metrics.Metrics
	health  HealthSampler

	inbound chan types.Envelope

	stateMu       sync.RWMutex
	current       types.StateObject
	lastCommitted types.StateObject
	history       []types.StateObject // committed states, version-ascending

	votesMu  sync.Mutex
	votes    map[string]map[string]types.Vote
	resolved map[string]types.DecisionKind

	seedMu sync.Mutex
	seed   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New restores a node from its durable log (or bootstraps a fresh
// one) and wires it to a transport and health sampler. It does not
// start any background task; call Start for that.
func New(cfg Config, log types.Logger, slog *statelog.Log, trans transport.Transport, m *metrics.Metrics, health HealthSampler) (*Node, error) {
	cfg = cfg.WithDefaults()

	n := &Node{
		cfg:      cfg,
		log:      log,
		slog:     slog,
		trans:    trans,
		metrics:  m,
		health:   health,
		inbound:  make(chan types.Envelope, cfg.InboundQueueSize),
		votes:    make(map[string]map[string]types.Vote),
		resolved: make(map[string]types.DecisionKind),
		stopCh:   make(chan struct{}),
	}

	if err := n.restore(); err != nil {
		return nil, err
	}
	return n, nil
}

// restore rebuilds in-memory state from the log (SPEC_FULL.md section 9,
// decision 1): a COMMITTED last record becomes current; if the last
// record is PREPARED (no decision on record) or ABORTED, the most
// recent COMMITTED record (or bootstrap) is served instead.
func (n *Node) restore() error {
	committed, err := n.slog.AllCommitted()
	if err != nil {
		return err
	}
	n.history = committed

	last, ok, err := n.slog.LastState()
	if err != nil {
		return err
	}

	bootstrap := types.Bootstrap(n.cfg.InitialModelID)

	if !ok {
		// Fresh node: persist the bootstrap record so it is a real,
		// rollback-able entry in history rather than an in-memory-only
		// starting point (mirrors distributed_canary/node.py seeding
		// deployed_models with the initial model on construction).
		if err := n.slog.Append(bootstrap); err != nil {
			return err
		}
		n.history = []types.StateObject{bootstrap}
		n.lastCommitted = bootstrap
		n.current = bootstrap
		return nil
	}

	if len(committed) > 0 {
		n.lastCommitted = committed[len(committed)-1]
	} else {
		n.lastCommitted = bootstrap
	}

	if last.Status != types.Committed {
		// Dangling prepare with no decision on record, or an aborted
		// round: serve the last committed state, leave the line as
		// history.
		n.current = n.lastCommitted
		return nil
	}

	n.current = last
	return nil
}

// Start begins listening for peer connections, then launches the
// inbound dispatch loop, the heartbeat loop, and the health-snapshot
// loop.
func (n *Node) Start() error {
	if err := n.trans.StartListening(n.cfg.ControlHost, n.cfg.ControlPort, n.enqueue); err != nil {
		return err
	}

	n.wg.Add(3)
	go n.dispatchLoop()
	go n.heartbeatLoop()
	go n.healthLoop()
	return nil
}

// Stop signals every background loop to exit and closes the
// transport. It blocks until all loops have returned.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.trans.Close()
	})
	n.wg.Wait()
}

// enqueue is the transport's Deliver callback. It must not block the
// transport goroutine, so a full queue drops the message with a
// warning rather than blocking.
func (n *Node) enqueue(env types.Envelope) {
	select {
	case n.inbound <- env:
	default:
		n.log.Warnf("node %s: inbound queue full, dropping %s from %s", n.cfg.NodeID, env.MsgType, env.Sender)
	}
}

// dispatchLoop drains the inbound queue per SPEC_FULL.md 4.3. It
// wakes at least every 500ms so shutdown is noticed promptly even
// with no traffic.
func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			continue
		case env := <-n.inbound:
			n.handle(env)
		}
	}
}

// handle dispatches one envelope per the inbound dispatch rules in
// SPEC_FULL.md 4.3.
func (n *Node) handle(env types.Envelope) {
	switch env.MsgType {
	case types.PrepareReq:
		if n.cfg.Role == RoleParticipant {
			n.handlePrepareReq(env)
		}
	case types.PrepareResp:
		if n.cfg.Role == RoleCoordinator {
			n.handlePrepareResp(env)
		}
	case types.Decision:
		n.handleDecision(env)
	case types.Heartbeat, types.HealthSnapshot:
		// Observed for operator visibility only; no protocol action.
	default:
		n.log.Warnf("node %s: unknown message type %s from %s", n.cfg.NodeID, env.MsgType, env.Sender)
	}
}

// Current returns the state the data plane should serve right now.
func (n *Node) Current() types.StateObject {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.current
}

// LastCommitted returns the authoritative last-agreed state.
func (n *Node) LastCommitted() types.StateObject {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.lastCommitted
}

// History returns a copy of every committed state, version-ascending.
func (n *Node) History() []types.StateObject {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	out := make([]types.StateObject, len(n.history))
	copy(out, n.history)
	return out
}

func (n *Node) nextSeed() uint64 {
	n.seedMu.Lock()
	defer n.seedMu.Unlock()
	n.seed++
	return n.seed
}

func (n *Node) broadcast(env types.Envelope) {
	for _, id := range n.cfg.PeerIDs() {
		n.trans.Send(id, env)
	}
}

func (n *Node) send(targetID string, env types.Envelope) {
	n.trans.Send(targetID, env)
}

// IsCoordinator reports whether this node drives 2PC rounds.
func (n *Node) IsCoordinator() bool { return n.cfg.Role == RoleCoordinator }

// NodeID returns this node's configured id.
func (n *Node) NodeID() string { return n.cfg.NodeID }

// HealthSample returns a fresh reading from this node's health
// sampler, used by the data plane's /health endpoint.
func (n *Node) HealthSample() HealthSample { return n.health.Sample() }

package node

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/andrestc/canary2pc/pkg/canary/statelog"
	"github.com/andrestc/canary2pc/pkg/canary/transport"
	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// TestMain verifies every cluster test leaves no goroutine behind once
// its nodes are stopped, the same discipline the teacher's fuzzy
// cluster tests applied to its multicast peers.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger(id string) types.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return &loggerAdapter{l.WithField("node", id)}
}

type loggerAdapter struct{ e *logrus.Entry }

func (a *loggerAdapter) Info(v ...interface{})             { a.e.Info(v...) }
func (a *loggerAdapter) Infof(f string, v ...interface{})  { a.e.Infof(f, v...) }
func (a *loggerAdapter) Warn(v ...interface{})             { a.e.Warn(v...) }
func (a *loggerAdapter) Warnf(f string, v ...interface{})  { a.e.Warnf(f, v...) }
func (a *loggerAdapter) Error(v ...interface{})            { a.e.Error(v...) }
func (a *loggerAdapter) Errorf(f string, v ...interface{}) { a.e.Errorf(f, v...) }
func (a *loggerAdapter) Debug(v ...interface{})            { a.e.Debug(v...) }
func (a *loggerAdapter) Debugf(f string, v ...interface{}) { a.e.Debugf(f, v...) }
func (a *loggerAdapter) ToggleDebug(v bool) bool           { return v }
func (a *loggerAdapter) Fatal(v ...interface{})            { a.e.Fatal(v...) }
func (a *loggerAdapter) Fatalf(f string, v ...interface{}) { a.e.Fatalf(f, v...) }
func (a *loggerAdapter) Panic(v ...interface{})            { a.e.Panic(v...) }
func (a *loggerAdapter) Panicf(f string, v ...interface{}) { a.e.Panicf(f, v...) }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type harness struct {
	nodes   map[string]*Node
	healths map[string]*FixedHealth
}

// newCluster boots a 3-node cluster ("a" coordinator, "b"/"c"
// participants) from empty logs, each backed by its own temp dir and
// a real TCPMesh over localhost.
func newCluster(t *testing.T) *harness {
	t.Helper()
	ids := []string{"a", "b", "c"}
	ports := map[string]int{}
	peers := map[string]transport.Addr{}
	for _, id := range ids {
		p := freePort(t)
		ports[id] = p
		peers[id] = transport.Addr{Host: "127.0.0.1", Port: p}
	}

	h := &harness{nodes: map[string]*Node{}, healths: map[string]*FixedHealth{}}
	healthy := HealthSample{P95Millis: 50, ErrorRate: 0.01, WindowID: "w-0"}

	for _, id := range ids {
		role := RoleParticipant
		if id == "a" {
			role = RoleCoordinator
		}
		cfg := Config{
			NodeID:      id,
			Role:        role,
			Peers:       peers,
			ControlHost: "127.0.0.1",
			ControlPort: ports[id],
			LogDir:      t.TempDir(),
		}.WithDefaults()

		slog, err := statelog.Open(cfg.LogDir, cfg.NodeID)
		require.NoError(t, err)

		mesh := transport.NewTCPMesh(cfg.NodeID, peers, testLogger(id))
		health := &FixedHealth{Value: healthy}
		h.healths[id] = health

		n, err := New(cfg, testLogger(id), slog, mesh, nil, health)
		require.NoError(t, err)
		require.NoError(t, n.Start())
		h.nodes[id] = n
	}
	return h
}

func (h *harness) stop() {
	for _, n := range h.nodes {
		n.Stop()
	}
}

func TestHappyPath_AllNodesCommitSameVersion(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	result, err := h.nodes["a"].Deploy("v2")
	require.NoError(t, err)
	require.Equal(t, "committed", result.Status)
	require.Equal(t, uint64(2), result.Version)

	for id, n := range h.nodes {
		require.Eventually(t, func() bool {
			c := n.Current()
			return c.Version == 2 && c.Status == types.Committed && c.ModelID() == "v2"
		}, 3*time.Second, 20*time.Millisecond, "node %s did not converge", id)
	}

	digestA := h.nodes["a"].Current().Digest()
	for id, n := range h.nodes {
		require.Equal(t, digestA, n.Current().Digest(), "node %s digest mismatch", id)
	}
}

func TestHealthGateAbort_LeavesStateUnchanged(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	h.healths["b"].Value = HealthSample{P95Millis: 500, ErrorRate: 0.5, WindowID: "bad"}
	h.nodes["a"].cfg.MaxRetries = 1

	result, err := h.nodes["a"].Deploy("v2")
	require.NoError(t, err)
	require.Equal(t, "aborted", result.Status)

	for id, n := range h.nodes {
		c := n.Current()
		require.Equal(t, uint64(1), c.Version, "node %s", id)
		require.Equal(t, "v1", c.ModelID(), "node %s", id)
	}
}

func TestCoordinatorRetry_RecoversOnSecondAttempt(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	attempt := 0
	h.healths["b"].Value = HealthSample{P95Millis: 500, ErrorRate: 0.5, WindowID: "bad"}

	go func() {
		time.Sleep(h.nodes["a"].cfg.PrepareTimeout / 2)
		attempt++
		h.healths["b"].Value = HealthSample{P95Millis: 50, ErrorRate: 0.01, WindowID: "recovered"}
	}()

	h.nodes["a"].cfg.MaxRetries = 3
	result, err := h.nodes["a"].Deploy("v2")
	require.NoError(t, err)
	require.Equal(t, "committed", result.Status)
	require.Equal(t, 2, result.Attempts)
}

func TestRecovery_NodeRestoresFromLog(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	_, err := h.nodes["a"].Deploy("v2")
	require.NoError(t, err)

	for id, n := range h.nodes {
		require.Eventually(t, func() bool {
			return n.Current().Version == 2
		}, 3*time.Second, 20*time.Millisecond, "node %s", id)
	}

	cfgB := h.nodes["b"].cfg
	h.nodes["b"].Stop()

	slog, err := statelog.Open(cfgB.LogDir, cfgB.NodeID)
	require.NoError(t, err)
	restored, err := New(cfgB, testLogger("b"), slog, transport.NewTCPMesh(cfgB.NodeID, cfgB.Peers, testLogger("b")), nil, h.healths["b"])
	require.NoError(t, err)

	current := restored.Current()
	require.Equal(t, uint64(2), current.Version)
	require.Equal(t, types.Committed, current.Status)
	require.Equal(t, "v2", current.ModelID())
}

func TestApplyDecision_IdempotentOnRedelivery(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	committed := types.StateObject{
		Version: 2,
		Weights: map[string]float64{"v2": 1.0},
		Status:  types.Committed,
		TxID:    "dup-txn",
	}
	h.nodes["b"].applyDecision("dup-txn", types.KindCommit, committed)
	first := h.nodes["b"].Current()

	h.nodes["b"].applyDecision("dup-txn", types.KindCommit, committed)
	second := h.nodes["b"].Current()

	require.Equal(t, first, second)

	hist, err := h.nodes["b"].slog.AllCommitted()
	require.NoError(t, err)
	count := 0
	for _, s := range hist {
		if s.TxID == "dup-txn" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestWeightedRollout_SplitsAsProposed(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	result, err := h.nodes["a"].DeployWeighted(map[string]float64{"v1": 0.8, "v2": 0.2})
	require.NoError(t, err)
	require.Equal(t, "committed", result.Status)

	for id, n := range h.nodes {
		require.Eventually(t, func() bool {
			c := n.Current()
			return c.Weights["v1"] == 0.8 && c.Weights["v2"] == 0.2
		}, 3*time.Second, 20*time.Millisecond, "node %s", id)
	}
}

func TestDeploy_NotCoordinator(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	_, err := h.nodes["b"].Deploy("v2")
	require.ErrorIs(t, err, ErrNotCoordinator)
}

func TestRollback_NoPriorVersion(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	_, err := h.nodes["a"].Rollback()
	require.Error(t, err)
}

func TestRollback_AfterFirstDeployReturnsToBootstrap(t *testing.T) {
	h := newCluster(t)
	defer h.stop()

	deploy, err := h.nodes["a"].Deploy("v2")
	require.NoError(t, err)
	require.Equal(t, "committed", deploy.Status)

	for id, n := range h.nodes {
		require.Eventually(t, func() bool {
			return n.Current().Version == 2
		}, 3*time.Second, 20*time.Millisecond, "node %s", id)
	}

	result, err := h.nodes["a"].Rollback()
	require.NoError(t, err)
	require.Equal(t, "committed", result.Status)

	for id, n := range h.nodes {
		require.Eventually(t, func() bool {
			c := n.Current()
			return c.ModelID() == "v1" && c.Version == 3
		}, 3*time.Second, 20*time.Millisecond, "node %s", id)
	}
}

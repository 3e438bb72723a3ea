package transport

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/andrestc/canary2pc/pkg/canary/types"
)

func testLogger() types.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return &testLoggerAdapter{l.WithField("test", true)}
}

type testLoggerAdapter struct{ e *logrus.Entry }

func (a *testLoggerAdapter) Info(v ...interface{})                  { a.e.Info(v...) }
func (a *testLoggerAdapter) Infof(f string, v ...interface{})       { a.e.Infof(f, v...) }
func (a *testLoggerAdapter) Warn(v ...interface{})                  { a.e.Warn(v...) }
func (a *testLoggerAdapter) Warnf(f string, v ...interface{})       { a.e.Warnf(f, v...) }
func (a *testLoggerAdapter) Error(v ...interface{})                 { a.e.Error(v...) }
func (a *testLoggerAdapter) Errorf(f string, v ...interface{})      { a.e.Errorf(f, v...) }
func (a *testLoggerAdapter) Debug(v ...interface{})                 { a.e.Debug(v...) }
func (a *testLoggerAdapter) Debugf(f string, v ...interface{})      { a.e.Debugf(f, v...) }
func (a *testLoggerAdapter) ToggleDebug(v bool) bool                { return v }
func (a *testLoggerAdapter) Fatal(v ...interface{})                 { a.e.Error(v...) }
func (a *testLoggerAdapter) Fatalf(f string, v ...interface{})      { a.e.Errorf(f, v...) }
func (a *testLoggerAdapter) Panic(v ...interface{})                 { a.e.Panic(v...) }
func (a *testLoggerAdapter) Panicf(f string, v ...interface{})      { a.e.Panicf(f, v...) }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestTCPMesh_SendAndReceive(t *testing.T) {
	log := testLogger()
	portB := freePort(t)

	peers := map[string]Addr{
		"a": {Host: "127.0.0.1", Port: 0},
		"b": {Host: "127.0.0.1", Port: portB},
	}

	meshA := NewTCPMesh("a", peers, log)
	meshB := NewTCPMesh("b", peers, log)
	defer meshA.Close()
	defer meshB.Close()

	received := make(chan types.Envelope, 1)
	require.NoError(t, meshB.StartListening("127.0.0.1", portB, func(e types.Envelope) {
		received <- e
	}))

	env, err := types.Encode("a", types.Heartbeat, types.HeartbeatPayload{NodeID: "a", Version: 1})
	require.NoError(t, err)
	meshA.Send("b", env)

	select {
	case got := <-received:
		require.Equal(t, types.Heartbeat, got.MsgType)
		require.Equal(t, "a", got.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTCPMesh_SendToSelfIsNoop(t *testing.T) {
	log := testLogger()
	peers := map[string]Addr{"a": {Host: "127.0.0.1", Port: 9999}}
	mesh := NewTCPMesh("a", peers, log)
	defer mesh.Close()

	env, _ := types.Encode("a", types.Heartbeat, types.HeartbeatPayload{})
	mesh.Send("a", env) // must not dial or panic
}

func TestTCPMesh_DropsAfterDialFailure(t *testing.T) {
	log := testLogger()
	peers := map[string]Addr{
		"a": {Host: "127.0.0.1", Port: 0},
		"b": {Host: "127.0.0.1", Port: 1}, // nothing listens on port 1
	}
	mesh := NewTCPMesh("a", peers, log)
	defer mesh.Close()

	env, _ := types.Encode("a", types.Heartbeat, types.HeartbeatPayload{})
	done := make(chan struct{})
	go func() {
		mesh.Send("b", env)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after exhausting dial attempts")
	}
}

// Package transport implements the peer-to-peer framed TCP mesh (see
// SPEC_FULL.md 4.2). Delivery is reliable and ordered between any two
// already-connected peers; it is best-effort across a dial failure,
// which the node engine observes as a missing vote and maps to ABORT.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andrestc/canary2pc/pkg/canary/types"
)

const (
	dialAttempts  = 3
	maxFrameBytes = 4 << 20 // 4 MiB guards against a corrupt length prefix
)

// Addr is a peer's dial target.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// Deliver is invoked for every inbound envelope. It must not block;
// implementations hand the envelope to a bounded queue.
type Deliver func(types.Envelope)

// Transport is the peer transport contract.
type Transport interface {
	Send(targetID string, env types.Envelope)
	StartListening(host string, port int, deliver Deliver) error
	Close()
}

// TCPMesh is the concrete Transport: one dialed net.Conn per peer,
// reused across sends until it errors, plus one accept loop for
// inbound connections.
type TCPMesh struct {
	selfID string
	peers  map[string]Addr
	log    types.Logger

	mu      sync.Mutex
	writers map[string]net.Conn

	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPMesh builds a mesh that knows how to dial every peer in the
// table. self is excluded from dialing (sends to self are a no-op per
// SPEC_FULL.md 4.3.1).
func NewTCPMesh(selfID string, peers map[string]Addr, log types.Logger) *TCPMesh {
	return &TCPMesh{
		selfID:  selfID,
		peers:   peers,
		log:     log,
		writers: make(map[string]net.Conn),
		closed:  make(chan struct{}),
	}
}

// Send delivers env to targetID. A node never sends to itself. On
// dial failure after dialAttempts retries, or on an in-flight write
// error, the message is dropped silently and the cached writer (if
// any) is invalidated.
func (t *TCPMesh) Send(targetID string, env types.Envelope) {
	if targetID == t.selfID {
		return
	}
	addr, ok := t.peers[targetID]
	if !ok {
		t.log.Warnf("transport: unknown peer %s", targetID)
		return
	}

	conn := t.connFor(targetID, addr)
	if conn == nil {
		return
	}

	if err := writeFrame(conn, env); err != nil {
		t.log.Errorf("transport: write to %s failed: %v", targetID, err)
		t.invalidate(targetID, conn)
	}
}

// connFor returns a cached writer or dials a fresh one with bounded
// exponential backoff: up to dialAttempts attempts, sleeping
// 0.5*2^(attempt-1) seconds between attempts.
func (t *TCPMesh) connFor(targetID string, addr Addr) net.Conn {
	t.mu.Lock()
	if c, ok := t.writers[targetID]; ok {
		t.mu.Unlock()
		return c
	}
	t.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
		if err == nil {
			t.mu.Lock()
			t.writers[targetID] = conn
			t.mu.Unlock()
			return conn
		}
		lastErr = err
		if attempt < dialAttempts {
			delay := time.Duration(500*(1<<(attempt-1))) * time.Millisecond
			time.Sleep(delay)
		}
	}
	t.log.Warnf("transport: dropping message to %s after %d dial attempts: %v", targetID, dialAttempts, lastErr)
	return nil
}

func (t *TCPMesh) invalidate(targetID string, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.writers[targetID]; ok && cur == conn {
		delete(t.writers, targetID)
		_ = conn.Close()
	}
}

// StartListening binds host:port and accepts connections until Close
// is called. Each accepted connection is handled on its own goroutine.
func (t *TCPMesh) StartListening(host string, port int, deliver Deliver) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	t.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-t.closed:
					return
				default:
					t.log.Errorf("transport: accept failed: %v", err)
					return
				}
			}
			go t.handleConn(conn, deliver)
		}
	}()
	return nil
}

// handleConn repeatedly reads one length-prefixed frame at a time. A
// truncated frame (io.EOF/io.ErrUnexpectedEOF while reading) ends the
// connection cleanly; any other error is logged before closing.
func (t *TCPMesh) handleConn(conn net.Conn, deliver Deliver) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				t.log.Errorf("transport: read length prefix: %v", err)
			}
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrameBytes {
			t.log.Errorf("transport: invalid frame length %d", n)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				t.log.Errorf("transport: read body: %v", err)
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.log.Errorf("transport: decode envelope: %v", err)
			return
		}
		deliver(env)
	}
}

// Close releases the listener and every cached writer.
func (t *TCPMesh) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.listener != nil {
			_ = t.listener.Close()
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		for id, conn := range t.writers {
			_ = conn.Close()
			delete(t.writers, id)
		}
	})
}

func writeFrame(conn net.Conn, env types.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := conn.Write(body); err != nil {
		return err
	}
	return nil
}

var _ Transport = (*TCPMesh)(nil)

// Package statelog implements the crash-safe, append-only state log
// each node keeps on disk (see SPEC_FULL.md 4.1). It is the durability
// boundary: nothing becomes visible to a peer or to the data plane
// until it has been fsynced here.
package statelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// IOError wraps a failure to durably persist a record. Callers must
// refuse to send any message whose visibility depends on that record.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("statelog: io error: %v", e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// ErrCorruptLog is returned by LastState when the final line of the
// log cannot be decoded. Recovery should stop rather than guess.
var ErrCorruptLog = errors.New("statelog: corrupt log")

// Log is the append-only newline-delimited-JSON log for a single node.
// Compaction is out of scope; the log grows unbounded.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open returns a Log backed by <dir>/<nodeID>.log. The file is created
// lazily on first Append.
func Open(dir, nodeID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Err: err}
	}
	return &Log{path: filepath.Join(dir, nodeID+".log")}, nil
}

// Append serializes state to canonical (compact, no insignificant
// whitespace) JSON, writes one line, and fsyncs before returning.
func (l *Log) Append(state types.StateObject) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return &IOError{Err: err}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &IOError{Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return &IOError{Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Err: err}
	}
	return nil
}

// LastState scans the log once from the top and returns the last
// non-empty line decoded. ok is false if the file does not exist or
// is empty. A malformed last line yields ErrCorruptLog.
func (l *Log) LastState() (state types.StateObject, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.StateObject{}, false, nil
		}
		return types.StateObject{}, false, &IOError{Err: err}
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		last = append([]byte(nil), line...)
	}
	if err := scanner.Err(); err != nil {
		return types.StateObject{}, false, &IOError{Err: err}
	}
	if last == nil {
		return types.StateObject{}, false, nil
	}

	var s types.StateObject
	if err := json.Unmarshal(last, &s); err != nil {
		return types.StateObject{}, false, errors.Wrap(ErrCorruptLog, err.Error())
	}
	return s, true, nil
}

// AllCommitted replays the full log and returns every COMMITTED
// record in append order, used to check the strictly-increasing
// version invariant in tests.
func (l *Log) AllCommitted() ([]types.StateObject, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Err: err}
	}
	defer f.Close()

	var out []types.StateObject
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var s types.StateObject
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, errors.Wrap(ErrCorruptLog, err.Error())
		}
		if s.Status == types.Committed {
			out = append(out, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &IOError{Err: err}
	}
	return out, nil
}

package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Status is the lifecycle stage of a StateObject.
type Status string

const (
	Prepared  Status = "PREPARED"
	Committed Status = "COMMITTED"
	Aborted   Status = "ABORTED"
)

// InitialTxID identifies the bootstrap state every node starts from
// before any round has run.
const InitialTxID = "initial"

// StateObject is the replicated payload. The canonical schema is the
// weighted one (see SPEC_FULL.md section 3): a plain single-model
// deploy is represented as Weights{"model": 1.0}.
type StateObject struct {
	Version   uint64             `json:"version"`
	Weights   map[string]float64 `json:"weights"`
	Status    Status             `json:"status"`
	TxID      string             `json:"txid"`
	Timestamp string             `json:"timestamp"`
}

// Bootstrap returns the initial committed state every node is seeded
// with when no log exists yet.
func Bootstrap(modelID string) StateObject {
	return StateObject{
		Version:   1,
		Weights:   map[string]float64{modelID: 1.0},
		Status:    Committed,
		TxID:      InitialTxID,
		Timestamp: nowRFC3339(),
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ModelID returns the highest-weight model in the state. Ties are
// broken by lexicographically smallest key so the result is
// deterministic across nodes.
func (s StateObject) ModelID() string {
	best := ""
	bestWeight := -1.0
	keys := make([]string, 0, len(s.Weights))
	for k := range s.Weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w := s.Weights[k]
		if w > bestWeight {
			bestWeight = w
			best = k
		}
	}
	return best
}

// Clone returns a deep copy so callers can mutate Status without
// aliasing the original (see SPEC_FULL.md section 9 design note 2).
func (s StateObject) Clone() StateObject {
	clone := s
	clone.Weights = make(map[string]float64, len(s.Weights))
	for k, v := range s.Weights {
		clone.Weights[k] = v
	}
	return clone
}

// Equal reports structural equality, used by round-trip tests.
func (s StateObject) Equal(other StateObject) bool {
	if s.Version != other.Version || s.Status != other.Status || s.TxID != other.TxID {
		return false
	}
	if len(s.Weights) != len(other.Weights) {
		return false
	}
	for k, v := range s.Weights {
		if ov, ok := other.Weights[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Digest is the SHA-256 hex of the canonical (sorted-key) JSON
// encoding of the state, used for cheap visibility comparison in
// heartbeats.
func (s StateObject) Digest() string {
	canonical := canonicalize(s)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a deterministic byte encoding with sorted
// object keys and no insignificant whitespace. encoding/json already
// sorts map keys and emits compact output, so marshalling through a
// map[string]interface{} is sufficient.
func canonicalize(s StateObject) []byte {
	obj := map[string]interface{}{
		"version":   s.Version,
		"weights":   s.Weights,
		"status":    string(s.Status),
		"txid":      s.TxID,
		"timestamp": s.Timestamp,
	}
	data, _ := json.Marshal(obj)
	var buf bytes.Buffer
	_ = json.Compact(&buf, data)
	return buf.Bytes()
}

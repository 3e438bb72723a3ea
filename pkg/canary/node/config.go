package node

import (
	"sort"
	"time"

	"github.com/andrestc/canary2pc/pkg/canary/transport"
)

// Role is a node's static position in the cluster.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
)

// Config enumerates every knob a node needs (see the Config entry in
// SPEC_FULL.md section 8).
type Config struct {
	NodeID string
	Role   Role

	// Peers is the full static peer set, including this node's own
	// entry (skipped when dialing/broadcasting).
	Peers map[string]transport.Addr

	ControlHost string
	ControlPort int
	DataPort    int

	LogDir string

	InitialModelID string

	PrepareTimeout    time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	HealthInterval    time.Duration

	HealthP95ThresholdMillis float64
	HealthErrorRateThreshold float64

	InboundQueueSize int
}

// WithDefaults fills any zero-valued knob with the spec's default.
func (c Config) WithDefaults() Config {
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = 3 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.HealthP95ThresholdMillis == 0 {
		c.HealthP95ThresholdMillis = 200
	}
	if c.HealthErrorRateThreshold == 0 {
		c.HealthErrorRateThreshold = 0.05
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = 256
	}
	if c.InitialModelID == "" {
		c.InitialModelID = "v1"
	}
	return c
}

// PeerIDs returns every peer id other than self, in stable order.
func (c Config) PeerIDs() []string {
	var ids []string
	for id := range c.Peers {
		if id == c.NodeID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package node

import (
	"fmt"
	"math/rand"
	"sync"
)

// HealthSample is one observation of a node's synthetic health.
type HealthSample struct {
	P95Millis float64
	ErrorRate float64
	WindowID  string
}

// HealthSampler produces HealthSample values. The default
// implementation is a bounded random walk (see SPEC_FULL.md section 6.1);
// replacing it with a real metrics source is the named extension
// point spec.md calls out.
type HealthSampler interface {
	Sample() HealthSample
}

// RandomWalkHealth simulates a noisy health signal that drifts slowly
// instead of jumping, so a vote-timeout scenario and a health-gate
// abort look different in a trace.
type RandomWalkHealth struct {
	mu      sync.Mutex
	rng     *rand.Rand
	p95     float64
	errRate float64
	window  int
}

// NewRandomWalkHealth seeds the walk at a healthy baseline.
func NewRandomWalkHealth(seed int64) *RandomWalkHealth {
	return &RandomWalkHealth{
		rng:     rand.New(rand.NewSource(seed)),
		p95:     80,
		errRate: 0.01,
	}
}

func (h *RandomWalkHealth) Sample() HealthSample {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.p95 += (h.rng.Float64() - 0.5) * 20
	if h.p95 < 10 {
		h.p95 = 10
	}
	h.errRate += (h.rng.Float64() - 0.5) * 0.01
	if h.errRate < 0 {
		h.errRate = 0
	}
	if h.errRate > 1 {
		h.errRate = 1
	}
	h.window++

	return HealthSample{
		P95Millis: h.p95,
		ErrorRate: h.errRate,
		WindowID:  fmt.Sprintf("w-%d", h.window),
	}
}

// FixedHealth always returns the same sample; used by tests to force
// a deterministic gate outcome, including the engine tests that force
// a participant's gate to fail.
type FixedHealth struct {
	Value HealthSample
}

func (h FixedHealth) Sample() HealthSample { return h.Value }

// evaluateGate applies the participant health gate (SPEC_FULL.md 4.3):
// vote COMMIT iff p95 <= threshold AND error_rate <= threshold.
func evaluateGate(cfg Config, s HealthSample) (commit bool, reason string) {
	if s.P95Millis > cfg.HealthP95ThresholdMillis {
		return false, fmt.Sprintf("p95 %.1fms exceeds threshold %.1fms", s.P95Millis, cfg.HealthP95ThresholdMillis)
	}
	if s.ErrorRate > cfg.HealthErrorRateThreshold {
		return false, fmt.Sprintf("error rate %.3f exceeds threshold %.3f", s.ErrorRate, cfg.HealthErrorRateThreshold)
	}
	return true, "healthy"
}

// Package dataplane is the thin HTTP adapter that reads committed
// state and serves it to external traffic; it never writes protocol
// state (see SPEC_FULL.md 4.5 and spec.md section 4.4).
package dataplane

import (
	"math/rand"
	"sort"
)

// SampleModel picks a model id from weights using cumulative-weight
// selection, matching the distribution /predict must approximate
// (spec.md section 8 scenario 6). A 3-line cumulative-sum sampler has no
// natural home in any library carried by this module; see DESIGN.md
// for why this stays on math/rand.
func SampleModel(weights map[string]float64, rng *rand.Rand) string {
	if len(weights) == 0 {
		return ""
	}
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 0.0
	for _, k := range keys {
		total += weights[k]
	}
	if total <= 0 {
		return keys[0]
	}

	target := rng.Float64() * total
	cumulative := 0.0
	for _, k := range keys {
		cumulative += weights[k]
		if target < cumulative {
			return k
		}
	}
	return keys[len(keys)-1]
}

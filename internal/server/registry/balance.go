package registry

import (
	"hash/fnv"
	"sort"
)

// eligibleBackends returns the backends a resolve call may pick from:
// HEALTHY or UNKNOWN (not yet probed, optimistic default), never MAINTENANCE,
// and under their connection cap. Must be called with the target mutex held.
func (t *targetState) eligibleBackends() []*backendState {
	eligible := make([]*backendState, 0, len(t.backends))
	for _, b := range t.backends {
		if b.health != HealthHealthy && b.health != HealthUnknown {
			continue
		}
		if b.maxConnections > 0 && b.active.Load() >= b.maxConnections {
			continue
		}
		eligible = append(eligible, b)
	}
	return eligible
}

// selectBackend dispatches on the balancing rule. Must be called with the
// target mutex held and a non-empty eligible set.
func (t *targetState) selectBackend(eligible []*backendState, clientKey string) *backendState {
	switch t.rule {
	case RuleLeastConnections:
		return selectLeastConnections(eligible)
	case RuleWeighted:
		return t.selectWeighted(eligible)
	case RuleIPHash:
		return selectIPHash(eligible, clientKey)
	case RuleHealthBased:
		return t.selectHealthBased(eligible)
	default:
		return t.selectRoundRobin(eligible)
	}
}

func (t *targetState) selectRoundRobin(eligible []*backendState) *backendState {
	selected := eligible[t.rrCursor%len(eligible)]
	t.rrCursor++
	return selected
}

// selectLeastConnections picks the minimum active-connection count. Ties go
// to the lowest weight-adjusted position, then to address order, so results
// stay deterministic.
func selectLeastConnections(eligible []*backendState) *backendState {
	selected := eligible[0]
	selectedIdx := 0
	for i, b := range eligible[1:] {
		idx := i + 1
		switch {
		case b.active.Load() < selected.active.Load():
			selected, selectedIdx = b, idx
		case b.active.Load() == selected.active.Load():
			if adjusted(idx, b.weight) < adjusted(selectedIdx, selected.weight) ||
				(adjusted(idx, b.weight) == adjusted(selectedIdx, selected.weight) && b.address < selected.address) {
				selected, selectedIdx = b, idx
			}
		}
	}
	return selected
}

func adjusted(idx, weight int) float64 {
	if weight <= 0 {
		weight = 1
	}
	return float64(idx+1) / float64(weight)
}

// selectWeighted implements deterministic weighted round-robin: each backend
// is visited in proportion to its weight over any window of totalWeight
// consecutive calls.
func (t *targetState) selectWeighted(eligible []*backendState) *backendState {
	total := 0
	for _, b := range eligible {
		total += b.weight
	}
	if total <= 0 {
		return eligible[0]
	}
	slot := t.wrrCursor % total
	t.wrrCursor++
	for _, b := range eligible {
		if slot < b.weight {
			return b
		}
		slot -= b.weight
	}
	return eligible[len(eligible)-1]
}

func selectIPHash(eligible []*backendState, clientKey string) *backendState {
	if clientKey == "" {
		return eligible[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientKey))
	return eligible[int(h.Sum32())%len(eligible)]
}

// selectHealthBased rotates round-robin over candidates ordered by ascending
// consecutive failures, preferring backends with the cleanest probe history.
func (t *targetState) selectHealthBased(eligible []*backendState) *backendState {
	ordered := make([]*backendState, len(eligible))
	copy(ordered, eligible)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].failures != ordered[j].failures {
			return ordered[i].failures < ordered[j].failures
		}
		return ordered[i].address < ordered[j].address
	})
	selected := ordered[t.rrCursor%len(ordered)]
	t.rrCursor++
	return selected
}

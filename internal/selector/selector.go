// Package selector resolves a requested model against the registry's groups
// and picks a key to use:
//
//  1. Resolve the requested model to a canonical id within each candidate
//     group (direct match or alias), skipping a group whose resolved model
//     has failed its last three catalog probes.
//  2. Within a group, filter to keys that are not unhealthy (healthy,
//     warning or unknown); fall back to every key (including unhealthy)
//     only if the whole group has no such key, so a group never goes
//     silently unusable just because its
//     health bookkeeping hasn't recovered yet.
//  3. Order the survivors by the group's selection policy and return the
//     first.
package selector

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/registry"
)

// ErrNoViableGroup is returned when no enabled, usable group serves the
// requested model.
var ErrNoViableGroup = fmt.Errorf("selector: no viable group for requested model")

// ErrNoViableKey is returned when a viable group was found but has no key to
// offer (should not happen for a Usable group, but guarded defensively).
var ErrNoViableKey = fmt.Errorf("selector: no viable key in group")

// Selection is the outcome of Select: the group and key chosen, plus the
// canonical model id to send upstream.
type Selection struct {
	Group          registry.Group
	Key            string
	KeyHash        string
	CanonicalModel string
}

// Selector resolves requests to a (group, key) pair.
type Selector struct {
	health *health.Tracker

	mu      sync.Mutex
	rrIndex map[string]*uint64 // group_id -> round-robin cursor
}

// New returns a Selector backed by the given health tracker.
func New(tracker *health.Tracker) *Selector {
	return &Selector{health: tracker, rrIndex: make(map[string]*uint64)}
}

// candidate is a group that survived alias resolution for one Select call,
// paired with the canonical model id it resolved to.
type candidate struct {
	group     registry.Group
	canonical string
}

// Select picks a group and key for modelRequested among groups, honoring
// allowedGroupIDs (nil/empty means "any group", per ProxyKey.AllowsGroup
// semantics already applied by the caller when narrowing `groups`).
func (s *Selector) Select(groups []registry.Group, modelRequested string) (Selection, error) {
	var candidates []candidate
	for _, g := range groups {
		if !g.Usable() {
			continue
		}
		canonical, ok := registry.ResolveAlias(g, modelRequested)
		if !ok {
			continue
		}
		if !s.health.ModelUsable(g.ID, canonical) {
			continue
		}
		candidates = append(candidates, candidate{group: g, canonical: canonical})
	}
	if len(candidates) == 0 {
		return Selection{}, ErrNoViableGroup
	}

	// Prefer groups with at least one non-unhealthy key; fall back to any
	// viable group if none qualifies, so a transient health blip on every
	// candidate group doesn't take the whole model offline.
	var withHealthyKey []candidate
	for _, c := range candidates {
		if s.hasNonUnhealthyKey(c.group) {
			withHealthyKey = append(withHealthyKey, c)
		}
	}
	pool := candidates
	if len(withHealthyKey) > 0 {
		pool = withHealthyKey
	}

	chosen := s.pickGroup(pool, modelRequested)
	key, ok := s.pickKey(chosen.group)
	if !ok {
		return Selection{}, ErrNoViableKey
	}

	return Selection{
		Group:          chosen.group,
		Key:            key,
		KeyHash:        registry.HashKey(key),
		CanonicalModel: chosen.canonical,
	}, nil
}

// pickGroup applies the same policy-ordering used for keys within a group
// to the cross-group case: when the requested model is served by more than
// one candidate group (the group-agnostic /v1 endpoints), the survivors are
// ordered round_robin/random/least_load exactly as keys are. The policy
// consulted is the first candidate's, since the candidates here have
// already been narrowed to one endpoint dialect and a single resolved
// model, so they are interchangeable paths to the same place.
func (s *Selector) pickGroup(pool []candidate, modelRequested string) candidate {
	if len(pool) == 1 {
		return pool[0]
	}

	policy := pool[0].group.Policy
	switch policy {
	case registry.PolicyRandom:
		return pool[rand.Intn(len(pool))]
	case registry.PolicyLeastLoad:
		// As in pickKey, health state doubles as the load proxy in the
		// absence of live request-count telemetry: prefer whichever group
		// has the most non-unhealthy keys to draw from.
		best := pool[0]
		bestCount := s.nonUnhealthyKeyCount(best.group)
		for _, c := range pool[1:] {
			if n := s.nonUnhealthyKeyCount(c.group); n > bestCount {
				best, bestCount = c, n
			}
		}
		return best
	default: // PolicyRoundRobin
		rrKey := "group-select:" + string(pool[0].group.ProviderKind) + ":" + modelRequested
		idx := s.nextRoundRobinIndex(rrKey, len(pool))
		return pool[idx]
	}
}

// nonUnhealthyKeyCount counts g's keys whose tracked state is not unhealthy.
func (s *Selector) nonUnhealthyKeyCount(g registry.Group) int {
	n := 0
	for _, k := range g.Keys {
		if s.health.Get(g.ID, registry.HashKey(k)).State != health.StateUnhealthy {
			n++
		}
	}
	return n
}

func (s *Selector) hasNonUnhealthyKey(g registry.Group) bool {
	for _, k := range g.Keys {
		if s.health.Get(g.ID, registry.HashKey(k)).State != health.StateUnhealthy {
			return true
		}
	}
	return false
}

// pickKey orders g's keys by health (healthy/warning/unknown before
// unhealthy) then by the group's selection policy, returning the first.
func (s *Selector) pickKey(g registry.Group) (string, bool) {
	if len(g.Keys) == 0 {
		return "", false
	}

	ranked := s.rankByHealth(g)
	if len(ranked) == 0 {
		ranked = g.Keys
	}

	switch g.Policy {
	case registry.PolicyRandom:
		return ranked[rand.Intn(len(ranked))], true
	case registry.PolicyLeastLoad:
		// No per-key load is tracked: this takes the first surviving key in
		// configured order, and healthy and warning keys are not told apart.
		return ranked[0], true
	default: // PolicyRoundRobin
		idx := s.nextRoundRobinIndex(g.ID, len(ranked))
		return ranked[idx], true
	}
}

// rankByHealth returns g's non-unhealthy keys in configured order, or, when
// every key is unhealthy, all of them in configured order.
func (s *Selector) rankByHealth(g registry.Group) []string {
	var ok, bad []string
	for _, k := range g.Keys {
		if s.health.Get(g.ID, registry.HashKey(k)).State == health.StateUnhealthy {
			bad = append(bad, k)
		} else {
			ok = append(ok, k)
		}
	}
	if len(ok) > 0 {
		return ok
	}
	return bad
}

func (s *Selector) nextRoundRobinIndex(groupID string, n int) int {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	cursor, exists := s.rrIndex[groupID]
	if !exists {
		var c uint64
		cursor = &c
		s.rrIndex[groupID] = cursor
	}
	s.mu.Unlock()

	v := atomic.AddUint64(cursor, 1)
	return int(v % uint64(n))
}

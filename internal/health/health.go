// Package health implements the per-key health state machine: unknown ->
// healthy <-> warning <-> unhealthy, driven by observations from the
// dispatcher and the background prober. A 401 observation is sticky: it
// forces unhealthy and only an explicit positive probe (ProbeSuccess, not a
// plain dispatch success) clears it, since a dispatch success on a
// multi-key group may simply mean a different key was used.
//
// Tracking is keyed per (group_id, key_hash), one record per key instead of
// one breaker per provider.
package health

import (
	"sync"
	"time"

	"github.com/relaykit/gateway/internal/metrics"
)

// State is a key's current health classification.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateWarning   State = "warning"
	StateUnhealthy State = "unhealthy"
)

// Observation is the outcome of one dispatch attempt against a key.
type Observation string

const (
	ObsSuccess     Observation = "success"
	ObsClientError Observation = "client_error_401"
	ObsForbidden   Observation = "client_error_403"
	ObsRateLimited Observation = "rate_limited"
	ObsServerError Observation = "server_error"
	ObsBadRequest  Observation = "client_request_error"
	ObsTimeout     Observation = "timeout"
	ObsNetwork     Observation = "network"
)

// consecutiveFailureThreshold is the number of consecutive non-success
// observations that force a key to unhealthy.
const consecutiveFailureThreshold = 3

// Record is a single key's health snapshot.
type Record struct {
	GroupID             string
	KeyHash             string
	State               State
	ConsecutiveFailures int
	LastStatusCode      int
	StickyAuthError     bool
	LastObservedAt      time.Time
	LastSuccessAt       time.Time
}

type resourceKey struct {
	groupID string
	keyHash string
}

// Tracker holds every key's health record behind one tracker-wide
// read/write lock; observations on different keys take the same lock and
// are applied one at a time.
type Tracker struct {
	mu        sync.RWMutex
	records   map[resourceKey]*Record
	events    []Event
	providers map[string]*ProviderRecord
	models    map[modelKey]*ModelRecord
}

// Event is an append-only health-check/observation log entry.
type Event struct {
	GroupID     string
	KeyHash     string
	Observation Observation
	StatusCode  int
	State       State
	At          time.Time
}

// NewTracker returns an empty health tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[resourceKey]*Record)}
}

// Get returns a key's current record, or the zero-value unknown record if it
// has never been observed.
func (t *Tracker) Get(groupID, keyHash string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[resourceKey{groupID, keyHash}]; ok {
		return *r
	}
	return Record{GroupID: groupID, KeyHash: keyHash, State: StateUnknown}
}

// GroupRecords returns every tracked record for a group.
func (t *Tracker) GroupRecords(groupID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for k, r := range t.records {
		if k.groupID == groupID {
			out = append(out, *r)
		}
	}
	return out
}

// Observe records a dispatch outcome and returns the key's resulting state.
func (t *Tracker) Observe(groupID, keyHash string, obs Observation, statusCode int) State {
	rec := t.mutate(groupID, keyHash, func(r *Record) {
		r.LastStatusCode = statusCode
		r.LastObservedAt = time.Now()

		switch obs {
		case ObsSuccess:
			r.ConsecutiveFailures = 0
			r.LastSuccessAt = r.LastObservedAt
			if r.StickyAuthError {
				// Only ProbeSuccess clears a sticky 401.
				r.State = StateUnhealthy
				return
			}
			r.State = StateHealthy
		case ObsClientError:
			r.StickyAuthError = true
			r.ConsecutiveFailures++
			r.State = StateUnhealthy
		case ObsForbidden:
			r.ConsecutiveFailures++
			if r.StickyAuthError || r.ConsecutiveFailures >= consecutiveFailureThreshold {
				r.State = StateUnhealthy
			} else {
				r.State = StateWarning
			}
		default:
			r.ConsecutiveFailures++
			if r.StickyAuthError || r.ConsecutiveFailures >= consecutiveFailureThreshold {
				r.State = StateUnhealthy
			} else {
				r.State = StateWarning
			}
		}
	})

	t.appendEvent(Event{GroupID: groupID, KeyHash: keyHash, Observation: obs, StatusCode: statusCode, State: rec.State, At: rec.LastObservedAt})
	metrics.KeyHealthState.WithLabelValues(groupID, keyHash).Set(stateGaugeValue(rec.State))
	return rec.State
}

// ProbeSuccess records an explicit positive health probe, the only way to
// clear a sticky 401.
func (t *Tracker) ProbeSuccess(groupID, keyHash string) State {
	rec := t.mutate(groupID, keyHash, func(r *Record) {
		r.ConsecutiveFailures = 0
		r.StickyAuthError = false
		r.LastStatusCode = 200
		r.LastObservedAt = time.Now()
		r.LastSuccessAt = r.LastObservedAt
		r.State = StateHealthy
	})
	t.appendEvent(Event{GroupID: groupID, KeyHash: keyHash, Observation: ObsSuccess, StatusCode: 200, State: rec.State, At: rec.LastObservedAt})
	metrics.KeyHealthState.WithLabelValues(groupID, keyHash).Set(stateGaugeValue(rec.State))
	return rec.State
}

// stateGaugeValue maps a State to the gateway_key_health_state gauge's
// documented numeric encoding.
func stateGaugeValue(s State) float64 {
	switch s {
	case StateHealthy:
		return 1
	case StateWarning:
		return 2
	case StateUnhealthy:
		return 3
	default:
		return 0
	}
}

func (t *Tracker) mutate(groupID, keyHash string, fn func(*Record)) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := resourceKey{groupID, keyHash}
	r, ok := t.records[key]
	if !ok {
		r = &Record{GroupID: groupID, KeyHash: keyHash, State: StateUnknown}
		t.records[key] = r
	}
	fn(r)
	return *r
}

func (t *Tracker) appendEvent(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

// Events returns a copy of the append-only event log, most recent last.
func (t *Tracker) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Forget removes a key's tracked record, used when a key is deleted from
// its group so stale health data doesn't leak across a future re-add.
func (t *Tracker) Forget(groupID, keyHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, resourceKey{groupID, keyHash})
}

// InvalidKeyHashes returns the hash of every tracked key in groupID that
// carries a sticky 401 (a 401 not since cleared by ProbeSuccess), the
// candidate set for the "clear invalid keys" operator action.
func (t *Tracker) InvalidKeyHashes(groupID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var hashes []string
	for k, r := range t.records {
		if k.groupID == groupID && r.StickyAuthError {
			hashes = append(hashes, r.KeyHash)
		}
	}
	return hashes
}

// ProviderRecord rolls up a group's last provider-level probe: a ping of
// the upstream's model catalog, independent of which key answered it.
type ProviderRecord struct {
	GroupID    string
	Healthy    bool
	StatusCode int
	CheckedAt  time.Time
}

// ModelRecord rolls up the last probe of one (group, canonical model) pair,
// letting the selector skip a group whose declared model is known-broken
// independent of which key is used.
type ModelRecord struct {
	GroupID             string
	Model               string
	ConsecutiveFailures int
	LastCheckedAt       time.Time
}

// ObserveProvider records the outcome of a group-level provider probe.
func (t *Tracker) ObserveProvider(groupID string, healthy bool, statusCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.providers == nil {
		t.providers = make(map[string]*ProviderRecord)
	}
	t.providers[groupID] = &ProviderRecord{GroupID: groupID, Healthy: healthy, StatusCode: statusCode, CheckedAt: time.Now()}
	metrics.ProviderHealthy.WithLabelValues(groupID).Set(boolGaugeValue(healthy))
}

// GetProvider returns a group's last recorded provider-level probe result.
func (t *Tracker) GetProvider(groupID string) (ProviderRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.providers[groupID]
	if !ok {
		return ProviderRecord{}, false
	}
	return *r, true
}

// ObserveModel records the outcome of a per-model probe: success resets the
// failure streak, failure increments it, mirroring the key state machine's
// counter shape without a sticky class since models have no 401-equivalent.
func (t *Tracker) ObserveModel(groupID, model string, success bool) ModelRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.models == nil {
		t.models = make(map[modelKey]*ModelRecord)
	}
	key := modelKey{groupID, model}
	r, ok := t.models[key]
	if !ok {
		r = &ModelRecord{GroupID: groupID, Model: model}
		t.models[key] = r
	}
	if success {
		r.ConsecutiveFailures = 0
	} else {
		r.ConsecutiveFailures++
	}
	r.LastCheckedAt = time.Now()
	return *r
}

// ModelUsable reports whether a (group, model) pair is not known-broken:
// the selector consults this to skip a group whose declared model has
// failed its last three probes.
func (t *Tracker) ModelUsable(groupID, model string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.models[modelKey{groupID, model}]
	if !ok {
		return true
	}
	return r.ConsecutiveFailures < consecutiveFailureThreshold
}

type modelKey struct {
	groupID string
	model   string
}

func boolGaugeValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

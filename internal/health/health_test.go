package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_UnknownUntilObserved(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, StateUnknown, tr.Get("g1", "h1").State)
}

func TestTracker_SuccessMakesHealthy(t *testing.T) {
	tr := NewTracker()
	state := tr.Observe("g1", "h1", ObsSuccess, 200)
	assert.Equal(t, StateHealthy, state)
}

func TestTracker_ThreeConsecutiveFailuresGoUnhealthy(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, StateWarning, tr.Observe("g1", "h1", ObsServerError, 500))
	assert.Equal(t, StateWarning, tr.Observe("g1", "h1", ObsTimeout, 0))
	assert.Equal(t, StateUnhealthy, tr.Observe("g1", "h1", ObsNetwork, 0))
}

func TestTracker_SuccessResetsFailureStreak(t *testing.T) {
	tr := NewTracker()
	tr.Observe("g1", "h1", ObsServerError, 500)
	tr.Observe("g1", "h1", ObsServerError, 500)
	state := tr.Observe("g1", "h1", ObsSuccess, 200)
	assert.Equal(t, StateHealthy, state)

	rec := tr.Get("g1", "h1")
	assert.Equal(t, 0, rec.ConsecutiveFailures)
}

func TestTracker_ClientErrorIsSticky(t *testing.T) {
	tr := NewTracker()
	state := tr.Observe("g1", "h1", ObsClientError, 401)
	assert.Equal(t, StateUnhealthy, state)

	// A plain dispatch success must NOT clear the sticky flag.
	state = tr.Observe("g1", "h1", ObsSuccess, 200)
	assert.Equal(t, StateUnhealthy, state)
	assert.True(t, tr.Get("g1", "h1").StickyAuthError)
}

func TestTracker_ProbeSuccessClearsStickyAuthError(t *testing.T) {
	tr := NewTracker()
	tr.Observe("g1", "h1", ObsClientError, 401)

	state := tr.ProbeSuccess("g1", "h1")
	assert.Equal(t, StateHealthy, state)
	assert.False(t, tr.Get("g1", "h1").StickyAuthError)
}

func TestTracker_InvalidKeyHashes(t *testing.T) {
	tr := NewTracker()
	tr.Observe("g1", "h1", ObsClientError, 401)
	tr.Observe("g1", "h2", ObsSuccess, 200)
	tr.Observe("g2", "h3", ObsClientError, 401)

	assert.ElementsMatch(t, []string{"h1"}, tr.InvalidKeyHashes("g1"))
	assert.ElementsMatch(t, []string{"h3"}, tr.InvalidKeyHashes("g2"))
}

func TestTracker_EventsAppendOnly(t *testing.T) {
	tr := NewTracker()
	tr.Observe("g1", "h1", ObsSuccess, 200)
	tr.Observe("g1", "h1", ObsServerError, 500)

	events := tr.Events()
	assert.Len(t, events, 2)
	assert.Equal(t, ObsSuccess, events[0].Observation)
	assert.Equal(t, ObsServerError, events[1].Observation)
}

func TestTracker_ForgetRemovesRecord(t *testing.T) {
	tr := NewTracker()
	tr.Observe("g1", "h1", ObsSuccess, 200)
	tr.Forget("g1", "h1")
	assert.Equal(t, StateUnknown, tr.Get("g1", "h1").State)
}

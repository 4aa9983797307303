package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	sbx := newLiveSandbox(Sandbox{ID: "sbx", State: StateActive})

	require.NoError(t, sbx.transition(StateIdle))
	require.NoError(t, sbx.transition(StateActive))
	require.NoError(t, sbx.transition(StateTerminated))

	// Terminal states are immutable.
	err := sbx.transition(StateActive)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateTerminated, invalid.From)
	assert.Equal(t, StateActive, invalid.To)
}

func TestPendingTransitions(t *testing.T) {
	sbx := newLiveSandbox(Sandbox{ID: "sbx", State: StatePending})
	require.NoError(t, sbx.transition(StateActive))

	failed := newLiveSandbox(Sandbox{ID: "sbx2", State: StatePending})
	require.NoError(t, failed.transition(StateFailed))
	require.Error(t, failed.transition(StateActive))
}

func TestBeginTerminateIsIdempotent(t *testing.T) {
	sbx := newLiveSandbox(Sandbox{ID: "sbx", State: StateActive})

	_, proceed := sbx.beginTerminate()
	assert.True(t, proceed)

	_, proceed = sbx.beginTerminate()
	assert.False(t, proceed)
}

func TestBeginTerminateCancelsInflightExecutes(t *testing.T) {
	sbx := newLiveSandbox(Sandbox{ID: "sbx", State: StateActive})

	execCtx, err := sbx.beginExecute(time.Now())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		<-execCtx.Done()
		sbx.endExecute(time.Now())
		close(done)
	}()

	_, proceed := sbx.beginTerminate()
	assert.True(t, proceed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute was not cancelled by terminate")
	}

	// Executes are refused once terminal.
	_, err = sbx.beginExecute(time.Now())
	require.Error(t, err)
}

func TestTouchWakesIdle(t *testing.T) {
	sbx := newLiveSandbox(Sandbox{ID: "sbx", State: StateIdle})

	now := time.Now()
	require.NoError(t, sbx.touch(now))

	data := sbx.Data()
	assert.Equal(t, StateActive, data.State)
	assert.Equal(t, now, data.LastActiveAt)
}

func TestExpiryAndIdleAccessors(t *testing.T) {
	created := time.Now()
	sbx := Sandbox{
		CreatedAt:    created,
		LastActiveAt: created,
		TTL:          time.Hour,
	}

	assert.False(t, sbx.IsExpired(created.Add(59*time.Minute)))
	assert.True(t, sbx.IsExpired(created.Add(61*time.Minute)))
	assert.Equal(t, 10*time.Minute, sbx.IdleFor(created.Add(10*time.Minute)))
}

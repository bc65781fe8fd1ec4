package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnBackground_ZeroBudgetPausesImmediately(t *testing.T) {
	e := newEngine(t, Config{})

	e.OnBackground(0)

	assert.True(t, e.isPaused())

	select {
	case sig := <-e.lifecycleCh:
		assert.Equal(t, sigPause, sig)
	default:
		t.Fatal("expected a pause signal")
	}
}

func TestOnBackground_BudgetExpiryPauses(t *testing.T) {
	e := newEngine(t, Config{})

	e.OnBackground(5 * time.Millisecond)
	assert.False(t, e.isPaused())

	require.Eventually(t, e.isPaused, time.Second, time.Millisecond)
}

func TestOnBackground_ExtensionGrantedOnce(t *testing.T) {
	var requests int

	e := newEngine(t, Config{
		RequestExtraTime: func() time.Duration {
			requests++
			return 5 * time.Millisecond
		},
	})

	e.OnBackground(time.Hour)

	// Simulate the budget running out: the first expiry is extended, the
	// extension's expiry pauses for real.
	e.budgetExpired()
	assert.False(t, e.isPaused())
	assert.Equal(t, 1, requests)

	require.Eventually(t, e.isPaused, time.Second, time.Millisecond)
	assert.Equal(t, 1, requests, "extra time is granted at most once")
}

func TestOnBackground_ExtensionDeclined(t *testing.T) {
	e := newEngine(t, Config{
		RequestExtraTime: func() time.Duration { return 0 },
	})

	e.budgetExpired()

	assert.True(t, e.isPaused())
}

func TestOnForeground_ClearsPause(t *testing.T) {
	e := newEngine(t, Config{})

	e.OnBackground(0)
	require.True(t, e.isPaused())

	e.OnForeground()

	assert.False(t, e.isPaused())

	select {
	case <-e.resumeCh:
	default:
		t.Fatal("expected a resume wake")
	}
}

func TestOnForeground_CancelsPendingBudget(t *testing.T) {
	e := newEngine(t, Config{})

	e.OnBackground(10 * time.Millisecond)
	e.OnForeground()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, e.isPaused())
}

func TestHandleLifecycleConnected_Pause(t *testing.T) {
	e := newEngine(t, Config{})

	rec := &eventRecorder{}
	e.OnEvent(rec.handler)

	err := e.handleLifecycleConnected(context.Background(), sigPause)
	require.ErrorIs(t, err, errPaused)

	paused := rec.byKind(EventTaskPaused)
	require.Len(t, paused, 1)
	assert.Equal(t, "background_budget", paused[0].Reason)
}

func TestHandleLifecycleConnected_Terminate(t *testing.T) {
	e := newEngine(t, Config{})

	err := e.handleLifecycleConnected(context.Background(), sigTerminate)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleLifecycleDisconnected_TerminateCloses(t *testing.T) {
	e := newEngine(t, Config{})

	e.handleLifecycleDisconnected(sigTerminate)

	assert.Equal(t, StateClosed, e.ConnectionState())
}

func TestOnTerminating_TearsDown(t *testing.T) {
	e := newEngine(t, Config{})

	e.OnTerminating()

	assert.Equal(t, StateClosed, e.ConnectionState())
}

package resilience

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = fmt.Errorf("boom")

func failing() (string, error) { return "", errBoom }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker[string]("dep", 3, time.Minute, newTestLogger())

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		_, err := b.Call(failing, "fb")
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerNotifiesTransitions(t *testing.T) {
	b := NewBreaker[string]("dep", 1, time.Minute, newTestLogger())

	type transition struct{ name, from, to string }
	var got []transition
	b.OnTransition(func(name, from, to string) {
		got = append(got, transition{name, from, to})
	})

	_, err := b.Call(failing, "fb")
	require.ErrorIs(t, err, errBoom)

	require.Len(t, got, 1)
	assert.Equal(t, transition{"dep", StateClosed, StateOpen}, got[0])
}

func TestBreakerShortCircuitsWhenOpen(t *testing.T) {
	b := NewBreaker[string]("dep", 1, time.Minute, newTestLogger())
	_, err := b.Call(failing, "fb")
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateOpen, b.State())

	called := false
	v, err := b.Call(func() (string, error) {
		called = true
		return "live", nil
	}, "fb")

	assert.False(t, called, "wrapped function must not run while open")
	assert.Equal(t, "fb", v)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b := NewBreaker[string]("dep", 1, 20*time.Millisecond, newTestLogger())
	_, _ = b.Call(failing, "fb")
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	v, err := b.Call(func() (string, error) { return "ok", nil }, "fb")
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker[string]("dep", 1, 20*time.Millisecond, newTestLogger())
	_, _ = b.Call(failing, "fb")
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	_, err := b.Call(failing, "fb")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown clock restarted: still open immediately after the probe.
	_, err = b.Call(failing, "fb")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestBreakerAdministrativeReset(t *testing.T) {
	b := NewBreaker[string]("dep", 1, time.Hour, newTestLogger())
	_, _ = b.Call(failing, "fb")
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	v, err := b.Call(func() (string, error) { return "live", nil }, "fb")
	assert.NoError(t, err)
	assert.Equal(t, "live", v)
}

func TestBreakerIndependentInstances(t *testing.T) {
	a := NewBreaker[string]("a", 1, time.Hour, newTestLogger())
	c := NewBreaker[string]("c", 1, time.Hour, newTestLogger())

	_, _ = a.Call(failing, "fb")
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, c.State())
}

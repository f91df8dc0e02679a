package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing() (interface{}, error) { return nil, errBoom }
func succeeding() (interface{}, error) { return "ok", nil }

func TestExecute_PassThroughWhenClosed(t *testing.T) {
	b := New("test")
	res, err := b.Execute(succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, "closed", b.State())
}

func TestExecute_OpErrorReturnsWithoutFallback(t *testing.T) {
	b := New("test")
	_, err := b.Execute(failing, nil)
	assert.ErrorIs(t, err, errBoom)
}

func TestExecute_OpErrorTriggersFallback(t *testing.T) {
	b := New("test")
	res, err := b.Execute(failing, func() (interface{}, error) { return "fallback", nil })
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
}

func TestTripsAfterThreeConsecutiveFailures(t *testing.T) {
	b := newBreaker("test", 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		b.Execute(failing, nil)
	}
	assert.Equal(t, "open", b.State())
	assert.True(t, b.Open())

	// Open short-circuits to the fallback without invoking the op.
	invoked := false
	res, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return nil, nil
	}, func() (interface{}, error) { return "degraded", nil })
	require.NoError(t, err)
	assert.Equal(t, "degraded", res)
	assert.False(t, invoked)
}

func TestOpenWithoutFallbackReturnsErrOpen(t *testing.T) {
	b := newBreaker("test", 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Execute(failing, nil)
	}
	_, err := b.Execute(succeeding, nil)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestHalfOpenClosesAfterProbeSuccesses(t *testing.T) {
	b := newBreaker("test", 20*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Execute(failing, nil)
	}
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(succeeding, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", b.State())
}

func TestHalfOpenReopensOnProbeFailure(t *testing.T) {
	b := newBreaker("test", 20*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Execute(failing, nil)
	}
	time.Sleep(30 * time.Millisecond)

	b.Execute(failing, nil)
	assert.Equal(t, "open", b.State())
}

func TestReport(t *testing.T) {
	b := New("test")
	b.Execute(succeeding, nil)
	b.Execute(succeeding, nil)
	b.Execute(failing, nil)

	r := b.Report()
	assert.Equal(t, "test", r.Name)
	assert.Equal(t, int64(3), r.TotalCalls)
	assert.Equal(t, int64(2), r.TotalSuccesses)
	assert.Equal(t, int64(1), r.TotalFailures)
	assert.InDelta(t, 2.0/3.0, r.HealthRatio, 1e-9)
}

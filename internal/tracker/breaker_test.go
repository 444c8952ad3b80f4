package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(threshold, timeout)
	b.now = clock.now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	fail := errors.New("connect failed")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail)
	}
	assert.Equal(t, BreakerClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(fail)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	assert.Equal(t, int64(1), b.Stats().Trips)
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.Record(errors.New("x"))
	require.Equal(t, BreakerOpen, b.State())

	clock.t = clock.t.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "only one trial call while the result is pending")

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.Record(errors.New("x"))

	clock.t = clock.t.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	b.Record(errors.New("y"))
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, int64(2), b.Stats().Trips)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.Record(errors.New("x"))
	b.Record(nil)
	b.Record(errors.New("x"))
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 1, b.Stats().Failures)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}

package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(st Settings) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	cb := New(st)
	cb.now = clock.now
	return cb, clock
}

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	cb, _ := newTestBreaker(Settings{
		Name:      "secondary",
		Threshold: 3,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errBackend)
	}
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"secondary:CLOSED->OPEN"}, transitions)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Settings{Threshold: 3})

	require.Error(t, cb.Execute(fail))
	require.Error(t, cb.Execute(fail))
	require.NoError(t, cb.Execute(succeed))
	require.Error(t, cb.Execute(fail))
	require.Error(t, cb.Execute(fail))

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(Settings{Threshold: 1, OpenTimeout: 10 * time.Second})

	require.Error(t, cb.Execute(fail))
	require.Equal(t, StateOpen, cb.State())

	clock.advance(9 * time.Second)
	assert.Equal(t, StateOpen, cb.State())

	clock.advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Settings{Threshold: 2, OpenTimeout: time.Second})

	require.Error(t, cb.Execute(fail))
	require.Error(t, cb.Execute(fail))
	clock.advance(time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// One failed probe is enough, regardless of the threshold.
	require.ErrorIs(t, cb.Execute(fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(succeed), ErrOpen)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(Settings{Threshold: 1, OpenTimeout: time.Second, HalfOpenMax: 1})

	require.Error(t, cb.Execute(fail))
	clock.advance(time.Second)

	err := cb.Execute(func() error {
		// A second caller arrives while the probe is running.
		assert.ErrorIs(t, cb.Execute(succeed), ErrTooManyRequests)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errMissing := errors.New("object not found")
	cb, _ := newTestBreaker(Settings{
		Threshold: 1,
		IsFailure: func(err error) bool { return !errors.Is(err, errMissing) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errMissing }), errMissing)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(Settings{Threshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaults(t *testing.T) {
	cb := New(Settings{})
	assert.Equal(t, "breaker", cb.Name())
	assert.Equal(t, uint32(5), cb.settings.Threshold)
	assert.Equal(t, 30*time.Second, cb.settings.OpenTimeout)
	assert.Equal(t, StateClosed, cb.State())
}

package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote unavailable")

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func failing() error { return errRemote }
func healthy() error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clk := &manualClock{t: time.Unix(0, 0)}
	cb := New(3, time.Minute).WithClock(clk.Now)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Call(failing), errRemote)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, cb.Call(healthy))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call(failing), errRemote)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenProbe(t *testing.T) {
	clk := &manualClock{t: time.Unix(0, 0)}
	cb := New(1, time.Minute).WithClock(clk.Now)

	assert.Error(t, cb.Call(failing))
	assert.Equal(t, StateOpen, cb.GetState())

	clk.Advance(time.Minute)
	assert.ErrorIs(t, cb.Call(failing), errRemote)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Call(healthy), ErrCircuitOpen)

	clk.Advance(time.Minute)
	assert.NoError(t, cb.Call(healthy))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestOnlyOneProbeAtATime(t *testing.T) {
	clk := &manualClock{t: time.Unix(0, 0)}
	cb := New(1, time.Second).WithClock(clk.Now)
	assert.Error(t, cb.Call(failing))
	clk.Advance(time.Second)

	err := cb.Call(func() error {
		assert.Equal(t, StateHalfOpen, cb.GetState())
		assert.ErrorIs(t, cb.Call(healthy), ErrCircuitOpen)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	notFound := errors.New("not found")
	cb := New(1, time.Minute)

	err := cb.CallIgnoring(func() error { return notFound }, func(err error) bool { return errors.Is(err, notFound) })
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestReset(t *testing.T) {
	cb := New(1, time.Hour)
	assert.Error(t, cb.Call(failing))
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())
	assert.Equal(t, "open", StateOpen.String())
}

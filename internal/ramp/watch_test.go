package ramp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

func TestWatchConverges(t *testing.T) {
	c, exec, _ := newScripted(30, 35, 39.5, 45)
	delta, err := c.Watch(context.Background(), 0, -1, 40, 2, 10, nil)
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Equal(t, 3, exec.reads)
}

func TestWatchBoundsAreStrict(t *testing.T) {
	c, _, _ := newScripted(39, 42, 39)
	delta, err := c.Watch(context.Background(), 0, -1, 40, 2, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, -1.0, delta)
}

func TestWatchReturnsSignedDelta(t *testing.T) {
	c, exec, _ := newScripted(50, 48, 46)
	delta, err := c.Watch(context.Background(), 0, -1, 40, 2, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 6.0, delta)
	assert.Equal(t, 3, exec.reads)

	c, _, _ = newScripted(20)
	delta, err = c.Watch(context.Background(), 0, -1, 40, 2, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, -20.0, delta)
}

func TestWatchPollsAtLeastOnce(t *testing.T) {
	c, exec, _ := newScripted(10)
	delta, err := c.Watch(context.Background(), 0, -1, 40, 2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, -30.0, delta)
	assert.Equal(t, 1, exec.reads)
}

func TestWatchRunsActionWhileUnconverged(t *testing.T) {
	c, _, _ := newScripted(10, 20, 40)
	calls := 0
	action := func(context.Context) error {
		calls++
		return errors.New("assist failed")
	}
	delta, err := c.Watch(context.Background(), 0, -1, 40, 2, 5, action)
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Equal(t, 2, calls)
}

func TestWatchRejectsInvertedBand(t *testing.T) {
	c, exec, _ := newScripted(40)
	_, err := c.Watch(context.Background(), 0, 2, 40, -1, 5, nil)
	assert.ErrorIs(t, err, thermal.ErrInvalidArgument)
	assert.Zero(t, exec.reads)
}

func TestWatchUnknownDevice(t *testing.T) {
	c, _, _ := newScripted(40)
	_, err := c.Watch(context.Background(), 4, -1, 40, 2, 5, nil)
	assert.ErrorIs(t, err, thermal.ErrDeviceNotFound)
}

func TestWatchStopsOnCancel(t *testing.T) {
	c, exec, _ := newScripted(10)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	action := func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return nil
	}
	_, err := c.Watch(ctx, 0, -1, 40, 2, 100, action)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, exec.reads)
}

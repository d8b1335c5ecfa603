package protocol

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/thermalctl/internal/simulator"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

type fakeDevices []*thermal.DeviceRecord

func (f fakeDevices) Device(index int) (*thermal.DeviceRecord, error) {
	if index < 0 || index >= len(f) {
		return nil, fmt.Errorf("%w: index %d", thermal.ErrDeviceNotFound, index)
	}
	return f[index], nil
}

func TestAdapterUnknownIndex(t *testing.T) {
	a := NewAdapter(fakeDevices{}, NewClient(testTiming(), nil))
	_, err := a.Execute(context.Background(), 3, thermal.GetTemp())
	assert.ErrorIs(t, err, thermal.ErrDeviceNotFound)
	assert.Equal(t, thermal.CodeDeviceNotFound, thermal.FailureCode(err))
}

func TestAdapterDispatchesByIndex(t *testing.T) {
	a0 := newSimDevice(t, simulator.Config{Name: "a", Dialect: thermal.DialectModernASCII, Temps: [2]float64{21, 0}})
	b0 := newSimDevice(t, simulator.Config{Name: "b", Dialect: thermal.DialectBinaryChecksum, Temps: [2]float64{55.5, 0}})
	devs := fakeDevices{
		{Index: 0, Port: a0, Dialect: thermal.DialectModernASCII, Channel: thermal.Channel1},
		{Index: 1, Port: b0, Dialect: thermal.DialectBinaryChecksum, Channel: thermal.Channel1},
	}
	a := NewAdapter(devs, NewClient(testTiming(), nil))

	resp, err := a.Execute(context.Background(), 1, thermal.GetTemp())
	require.NoError(t, err)
	assert.InDelta(t, 55.5, resp.Temperature, 0.05)
	assert.Empty(t, a0.Sent())
}

package protocol

import (
	"context"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Devices resolves a registry index to its record.
type Devices interface {
	Device(index int) (*thermal.DeviceRecord, error)
}

// Adapter dispatches logical commands to devices by registry index.
type Adapter struct {
	devices Devices
	client  *Client
}

func NewAdapter(devices Devices, client *Client) *Adapter {
	return &Adapter{devices: devices, client: client}
}

// Execute resolves index and runs cmd against it. Unknown indices return
// ErrDeviceNotFound without any I/O.
func (a *Adapter) Execute(ctx context.Context, index int, cmd thermal.Command) (Response, error) {
	rec, err := a.devices.Device(index)
	if err != nil {
		return Response{}, err
	}
	return a.client.Do(ctx, rec, cmd)
}

func (a *Adapter) Client() *Client { return a.client }

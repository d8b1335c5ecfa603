package ports

import (
	"context"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// ThermalService is the control-plane port used by controllers (HTTP/MQTT/Modbus).
type ThermalService interface {
	Devices() []thermal.DeviceInfo
	// Readings returns the cached last reading of every device that has one.
	Readings() []thermal.Reading
	Temperature(ctx context.Context, index int) (float64, error)
	// ReadAll reads every device, collecting failures.
	ReadAll(ctx context.Context) ([]thermal.Reading, error)
	SetMode(ctx context.Context, index int, m thermal.Mode) error
	SetThreshold(ctx context.Context, index int, v float64) error
	// StartRamp validates the request and runs the ramp in the background.
	StartRamp(index int, target float64) (thermal.Job, error)
	Job(id string) (thermal.Job, error)
	Jobs() []thermal.Job

	Network(ctx context.Context, index int) (thermal.NetworkInfo, error)
	SetNetwork(ctx context.Context, index int, ip, mac string) error
	SetIdentity(ctx context.Context, index int, id string) error
	Sensor(ctx context.Context, index int) (thermal.SensorStatus, error)
	// Lookup finds a device by identity or port name pattern; set exactly one.
	Lookup(id, port string) (int, error)
	SetDebug(index int, on bool) error
}

package thermal

import (
	"sync/atomic"
	"time"

	"github.com/Agrid-Dev/thermalctl/internal/transport"
)

// DeviceRecord describes one discovered channel. All fields except the debug
// flag are immutable once the record is registered.
// The registry owns Port; other components borrow it for a single call.
type DeviceRecord struct {
	Index    int
	Port     transport.Port
	Dialect  Dialect
	Channel  Channel
	Firmware Version
	Identity string

	debug atomic.Bool
}

// Debug reports whether protocol traffic for this device is logged verbosely.
func (r *DeviceRecord) Debug() bool {
	return r.debug.Load()
}

func (r *DeviceRecord) SetDebug(on bool) {
	r.debug.Store(on)
}

// PortName returns the transport name, or "" when the record has no port.
func (r *DeviceRecord) PortName() string {
	if r.Port == nil {
		return ""
	}
	return r.Port.Name()
}

// Info returns a copy of the record's public fields.
func (r *DeviceRecord) Info() DeviceInfo {
	return DeviceInfo{
		Index:    r.Index,
		PortName: r.PortName(),
		Dialect:  r.Dialect,
		Channel:  r.Channel,
		Firmware: r.Firmware,
		Identity: r.Identity,
	}
}

// DeviceInfo is a port-free view of a DeviceRecord, safe to hand to outer layers.
type DeviceInfo struct {
	Index    int
	PortName string
	Dialect  Dialect
	Channel  Channel
	Firmware Version
	Identity string
}

// RampResult reports how a ramp went. RampTo succeeds even when the final
// stage did not converge; FinalDelta carries the remaining error.
type RampResult struct {
	Index      int
	Target     float64
	Start      float64
	Throttled  bool
	Steps      []float64
	Aborted    bool // staged ramp stopped early
	FinalDelta float64
	Converged  bool
}

type JobState int

const (
	JobRunning JobState = iota
	JobSucceeded
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job tracks an asynchronous ramp started through the service layer.
type Job struct {
	ID       string
	Index    int
	Target   float64
	State    JobState
	Result   RampResult
	Err      string
	Code     int
	Started  time.Time
	Finished time.Time
}

// Reading is the last temperature observed on a device.
type Reading struct {
	Index       int
	Temperature float64
	At          time.Time
}

// NetworkInfo is the network identity a controller reports. Boards without a
// network interface report "N/A".
type NetworkInfo struct {
	Index int
	IP    string
	MAC   string
}

// SensorStatus is the sensor description and stability flag of one channel.
type SensorStatus struct {
	Index  int
	Sensor string
	Stable bool
}

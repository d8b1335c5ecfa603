package thermal

import "errors"

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDeviceNotFound     = errors.New("peripheral device not found")
	ErrMalformedArguments = errors.New("malformed command arguments")
	ErrProtocol           = errors.New("protocol error")
	ErrUnsupported        = errors.New("operation not supported by device dialect")
	ErrConvergenceFailure = errors.New("temperature did not converge")
	ErrSensorImplausible  = errors.New("sensor is not returning sane temperatures")
	ErrInvalidMode        = errors.New("invalid mode")
	ErrInvalidVersion     = errors.New("invalid firmware version")
	ErrDeviceBusy         = errors.New("device is busy")
	ErrJobNotFound        = errors.New("ramp job not found")
)

// Numeric failure codes reported to automated callers.
const (
	CodeOK              = 0
	CodeTargetUnreached = 263
	CodeDeviceNotFound  = 780
)

// FailureCode maps an error onto the fixed numeric codes callers expect.
func FailureCode(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotFound
	default:
		return CodeTargetUnreached
	}
}

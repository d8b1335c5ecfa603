package thermal

import "fmt"

// Dialect identifies one of the device command/response protocols.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectLegacyASCII
	DialectModernASCII
	DialectBinaryChecksum
)

func (d Dialect) Valid() bool {
	return d == DialectLegacyASCII || d == DialectModernASCII || d == DialectBinaryChecksum
}

func (d Dialect) String() string {
	switch d {
	case DialectLegacyASCII:
		return "legacy_ascii"
	case DialectModernASCII:
		return "modern_ascii"
	case DialectBinaryChecksum:
		return "binary_checksum"
	default:
		return "unknown"
	}
}

// Channel is an independently addressable zone on a physical port.
// Only ModernASCII devices expose channel 2.
type Channel int

const (
	Channel1 Channel = 1
	Channel2 Channel = 2
)

func (c Channel) Valid() bool {
	return c == Channel1 || c == Channel2
}

// Mode is an integer enum.
type Mode int

const (
	ModeUnknown Mode = iota
	ModePeltier
	ModeAuto
	ModeFan
	ModeIdle
)

func (m Mode) Valid() bool {
	return m == ModePeltier || m == ModeAuto || m == ModeFan || m == ModeIdle
}

func (m Mode) String() string {
	switch m {
	case ModePeltier:
		return "peltier"
	case ModeAuto:
		return "auto"
	case ModeFan:
		return "fan"
	case ModeIdle:
		return "idle"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "peltier", "pelt":
		return ModePeltier, nil
	case "auto":
		return ModeAuto, nil
	case "fan", "fanon":
		return ModeFan, nil
	case "idle":
		return ModeIdle, nil
	default:
		return ModeUnknown, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Plausible reports whether a reading lies strictly inside the physical sensor range.
func Plausible(temp float64) bool {
	return temp > MinPlausibleTemperature && temp < MaxPlausibleTemperature
}

const (
	MinPlausibleTemperature = -15.0
	MaxPlausibleTemperature = 200.0

	MinTargetTemperature = -20.0
	MaxTargetTemperature = 200.0
)

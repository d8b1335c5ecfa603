package thermal

import (
	"fmt"
	"math"
)

// Op is the logical operation carried by a Command.
type Op int

const (
	OpUnknown Op = iota
	OpGetTemp
	OpSetTemp
	OpSetThreshold
	OpSetMode
	OpGetID
	OpGetVersion
	OpGetIP
	OpGetMAC
	OpSetIP
	OpSetID
	OpSetMAC
	OpIsStable
	OpGetSensor
)

func (o Op) String() string {
	switch o {
	case OpGetTemp:
		return "get_temp"
	case OpSetTemp:
		return "set_temp"
	case OpSetThreshold:
		return "set_threshold"
	case OpSetMode:
		return "set_mode"
	case OpGetID:
		return "get_id"
	case OpGetVersion:
		return "get_version"
	case OpGetIP:
		return "get_ip"
	case OpGetMAC:
		return "get_mac"
	case OpSetIP:
		return "set_ip"
	case OpSetID:
		return "set_id"
	case OpSetMAC:
		return "set_mac"
	case OpIsStable:
		return "is_stable"
	case OpGetSensor:
		return "get_sensor"
	default:
		return "unknown"
	}
}

// Command is a logical device operation. Only the field matching Op is read.
type Command struct {
	Op    Op
	Value float64
	Mode  Mode
	Text  string
}

func GetTemp() Command { return Command{Op: OpGetTemp} }
func SetTemp(v float64) Command { return Command{Op: OpSetTemp, Value: v} }
func SetThreshold(v float64) Command { return Command{Op: OpSetThreshold, Value: v} }
func SetMode(m Mode) Command { return Command{Op: OpSetMode, Mode: m} }
func GetID() Command { return Command{Op: OpGetID} }
func GetVersion() Command { return Command{Op: OpGetVersion} }
func GetIP() Command { return Command{Op: OpGetIP} }
func GetMAC() Command { return Command{Op: OpGetMAC} }
func SetIP(s string) Command { return Command{Op: OpSetIP, Text: s} }
func SetID(s string) Command { return Command{Op: OpSetID, Text: s} }
func SetMAC(s string) Command { return Command{Op: OpSetMAC, Text: s} }
func IsStable() Command { return Command{Op: OpIsStable} }
func GetSensor() Command { return Command{Op: OpGetSensor} }

// Validate checks the argument shape for the command's Op.
func (c Command) Validate() error {
	switch c.Op {
	case OpGetTemp, OpGetID, OpGetVersion, OpGetIP, OpGetMAC, OpIsStable, OpGetSensor:
		return nil
	case OpSetTemp, OpSetThreshold:
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			return fmt.Errorf("%w: %s needs a finite value, got %v", ErrMalformedArguments, c.Op, c.Value)
		}
		return nil
	case OpSetMode:
		if !c.Mode.Valid() {
			return fmt.Errorf("%w: %s", ErrMalformedArguments, ErrInvalidMode)
		}
		return nil
	case OpSetIP, OpSetID, OpSetMAC:
		if c.Text == "" {
			return fmt.Errorf("%w: %s needs a non-empty argument", ErrMalformedArguments, c.Op)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %d", ErrMalformedArguments, int(c.Op))
	}
}

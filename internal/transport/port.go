// Package transport provides byte-level access to thermal controllers over a
// serial line or a TCP (telnet) connection.
package transport

import (
	"context"
	"strings"
)

// Port is an opened, configured connection to one physical device.
type Port interface {
	Name() string
	// Transmit discards any pending input, then writes b.
	Transmit(b []byte) error
	// ReceiveRaw returns whatever bytes are currently buffered.
	ReceiveRaw() ([]byte, error)
	// ReceiveLines drains the buffer and splits it with SplitLines.
	ReceiveLines() ([]string, error)
	Clear() error
	Close() error
}

// BaudSetter is implemented by ports whose line speed can change after open.
type BaudSetter interface {
	SetBaudRate(baud int) error
}

// Opener produces ports for discovery.
type Opener interface {
	// SerialPorts lists candidate serial port names.
	SerialPorts() ([]string, error)
	OpenSerial(name string, baud int) (Port, error)
	DialNetwork(ctx context.Context, addr string) (Port, error)
}

// SplitLines renders a receive buffer as ASCII lines: NUL bytes are elided,
// runs of CR/LF delimit entries, and other non-printable bytes become '?'.
func SplitLines(b []byte) []string {
	var (
		lines   []string
		cur     strings.Builder
		newline = true
	)
	for _, c := range b {
		switch {
		case c == '\r' || c == '\n':
			if !newline {
				lines = append(lines, cur.String())
				cur.Reset()
			}
			newline = true
		case c == 0:
		default:
			newline = false
			if c < 32 || c >= 127 {
				cur.WriteByte('?')
			} else {
				cur.WriteByte(c)
			}
		}
	}
	if !newline {
		lines = append(lines, cur.String())
	}
	return lines
}

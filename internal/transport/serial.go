package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultReadTimeout = 20 * time.Millisecond
	readChunk          = 256
)

// SerialPort is a Port over a local serial line, 8N1.
type SerialPort struct {
	name string
	port serial.Port
	baud int
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
}

// OpenSerial opens name at baud. Reads return after readTimeout of silence.
func OpenSerial(name string, baud int, readTimeout time.Duration) (*SerialPort, error) {
	p, err := serial.Open(name, serialMode(baud))
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial %s read timeout: %w", name, err)
	}
	return &SerialPort{name: name, port: p, baud: baud}, nil
}

func (s *SerialPort) Name() string { return s.name }

func (s *SerialPort) Baud() int { return s.baud }

// SetBaudRate lets queued output finish at the old speed, then switches and
// drops whatever arrived at the old speed.
func (s *SerialPort) SetBaudRate(baud int) error {
	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("serial %s drain: %w", s.name, err)
	}
	if err := s.port.SetMode(serialMode(baud)); err != nil {
		return fmt.Errorf("serial %s set baud %d: %w", s.name, baud, err)
	}
	s.baud = baud
	return s.resetInput()
}

// Transmit drops stale input, writes b and blocks until it is on the wire.
// Queued output is never discarded: a set frame followed at once by a read
// frame must reach the device intact.
func (s *SerialPort) Transmit(b []byte) error {
	if err := s.resetInput(); err != nil {
		return err
	}
	if _, err := s.port.Write(b); err != nil {
		return fmt.Errorf("serial %s write: %w", s.name, err)
	}
	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("serial %s drain: %w", s.name, err)
	}
	return nil
}

func (s *SerialPort) resetInput() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial %s reset input: %w", s.name, err)
	}
	return nil
}

// ReceiveRaw reads until the line stays silent for one read timeout.
func (s *SerialPort) ReceiveRaw() ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunk)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			return out, fmt.Errorf("serial %s read: %w", s.name, err)
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

func (s *SerialPort) ReceiveLines() ([]string, error) {
	b, err := s.ReceiveRaw()
	return SplitLines(b), err
}

// Clear discards both directions, including output not yet sent.
func (s *SerialPort) Clear() error {
	if err := s.resetInput(); err != nil {
		return err
	}
	if err := s.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("serial %s reset output: %w", s.name, err)
	}
	return nil
}

func (s *SerialPort) Close() error {
	return s.port.Close()
}

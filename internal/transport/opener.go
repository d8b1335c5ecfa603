package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SystemOpener opens real serial ports and TCP connections.
type SystemOpener struct {
	// Ports overrides enumeration when non-empty.
	Ports       []string
	ReadTimeout time.Duration
}

func (o SystemOpener) SerialPorts() ([]string, error) {
	if len(o.Ports) > 0 {
		return append([]string(nil), o.Ports...), nil
	}
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return names, nil
}

func (o SystemOpener) OpenSerial(name string, baud int) (Port, error) {
	p, err := OpenSerial(name, baud, o.ReadTimeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (o SystemOpener) DialNetwork(ctx context.Context, addr string) (Port, error) {
	p, err := DialNetwork(ctx, addr, o.ReadTimeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}

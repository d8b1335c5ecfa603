package simulator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Agrid-Dev/thermalctl/internal/transport"
)

// Bus is a transport.Opener over a fixed set of simulated devices.
type Bus struct {
	mu      sync.Mutex
	serial  map[string]*Device
	network map[string]*Device
}

var _ transport.Opener = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{serial: map[string]*Device{}, network: map[string]*Device{}}
}

// AddSerial attaches d as a closed serial port named d.Name().
func (b *Bus) AddSerial(d *Device) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = d.Close()
	b.serial[d.Name()] = d
	return d
}

// AddNetwork attaches d at addr.
func (b *Bus) AddNetwork(addr string, d *Device) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = d.Close()
	b.network[addr] = d
	return d
}

func (b *Bus) SerialPorts() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.serial))
	for name := range b.serial {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Bus) OpenSerial(name string, baud int) (transport.Port, error) {
	b.mu.Lock()
	d, ok := b.serial[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulator: no serial port %s", name)
	}
	if err := d.reopen(baud); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *Bus) DialNetwork(ctx context.Context, addr string) (transport.Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	d, ok := b.network[addr]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulator: no route to %s", addr)
	}
	if err := d.reopen(ModernBaud); err != nil {
		return nil, err
	}
	return d, nil
}

package ramp

import (
	"context"
	"fmt"
	"sync"

	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

type fakeDevices []*thermal.DeviceRecord

func (f fakeDevices) Device(index int) (*thermal.DeviceRecord, error) {
	if index < 0 || index >= len(f) {
		return nil, fmt.Errorf("%w: index %d", thermal.ErrDeviceNotFound, index)
	}
	return f[index], nil
}

// scripted answers GetTemp from a fixed sequence, repeating the last value.
type scripted struct {
	mu      sync.Mutex
	temps   []float64
	reads   int
	version thermal.Version
	fail    map[thermal.Op]error
	cmds    []thermal.Command
}

func (s *scripted) Execute(ctx context.Context, _ int, cmd thermal.Command) (protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	if err := s.fail[cmd.Op]; err != nil {
		return protocol.Response{}, err
	}
	switch cmd.Op {
	case thermal.OpGetTemp:
		v := s.temps[min(s.reads, len(s.temps)-1)]
		s.reads++
		return protocol.Response{Temperature: v}, nil
	case thermal.OpGetVersion:
		return protocol.Response{Version: s.version}, nil
	}
	return protocol.Response{}, nil
}

func (s *scripted) ops(op thermal.Op) []thermal.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []thermal.Command
	for _, c := range s.cmds {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

type memIncidents struct {
	mu   sync.Mutex
	list []Incident
}

func (m *memIncidents) Record(inc Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, inc)
	return nil
}

func (m *memIncidents) all() []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Incident(nil), m.list...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.StepIdle = 0
	cfg.SensorRetryDelay = 0
	return cfg
}

func newScripted(temps ...float64) (*Controller, *scripted, *memIncidents) {
	exec := &scripted{temps: temps, version: thermal.Version{Major: 2, Minor: 1, Patch: 4}}
	inc := &memIncidents{}
	devs := fakeDevices{{Index: 0, Dialect: thermal.DialectModernASCII, Channel: thermal.Channel1}}
	return NewController(devs, exec, inc, fastConfig(), nil), exec, inc
}

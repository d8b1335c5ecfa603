// Package registry discovers thermal controllers and owns the indexed table
// of device records every other component looks devices up in.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/Agrid-Dev/thermalctl/internal/metrics"
	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
	"github.com/Agrid-Dev/thermalctl/internal/transport"
)

// BinaryIdentity labels BinaryChecksum controllers, which cannot report one.
const BinaryIdentity = "SiliconThermal"

type Config struct {
	LegacyBaud  int
	ModernBaud  int
	ProbeDelay  time.Duration // wait after an ASCII probe
	BinaryDelay time.Duration // wait after the binary probe frame
	// Ambient is the setpoint devices are parked at on teardown.
	Ambient float64
}

func DefaultConfig() Config {
	return Config{
		LegacyBaud:  9600,
		ModernBaud:  115200,
		ProbeDelay:  200 * time.Millisecond,
		BinaryDelay: 100 * time.Millisecond,
		Ambient:     20,
	}
}

// Registry is the append-only table of discovered devices. Indices are
// assigned in discovery order and never change.
type Registry struct {
	mu      sync.RWMutex
	records []*thermal.DeviceRecord

	opener transport.Opener
	client *protocol.Client
	cfg    Config
	log    *slog.Logger
}

var _ protocol.Devices = (*Registry)(nil)

func New(opener transport.Opener, client *protocol.Client, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{opener: opener, client: client, cfg: cfg, log: log}
}

// Device returns the record at index.
func (r *Registry) Device(index int) (*thermal.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.records) {
		return nil, fmt.Errorf("%w: index %d (have %d)", thermal.ErrDeviceNotFound, index, len(r.records))
	}
	return r.records[index], nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Devices returns a snapshot of every registered device.
func (r *Registry) Devices() []thermal.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]thermal.DeviceInfo, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Info()
	}
	return out
}

// SetDebug toggles verbose protocol logging for one device.
func (r *Registry) SetDebug(index int, on bool) error {
	rec, err := r.Device(index)
	if err != nil {
		return err
	}
	rec.SetDebug(on)
	return nil
}

// IndexByID returns the first device whose identity matches pattern.
func (r *Registry) IndexByID(pattern string) (int, error) {
	return r.find(pattern, func(rec *thermal.DeviceRecord) string { return rec.Identity })
}

// IndexByPort returns the first device whose port name matches pattern.
func (r *Registry) IndexByPort(pattern string) (int, error) {
	return r.find(pattern, (*thermal.DeviceRecord).PortName)
}

func (r *Registry) find(pattern string, field func(*thermal.DeviceRecord) string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return -1, fmt.Errorf("%w: pattern %q: %w", thermal.ErrInvalidArgument, pattern, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if re.MatchString(field(rec)) {
			return rec.Index, nil
		}
	}
	return -1, fmt.Errorf("%w: nothing matches %q", thermal.ErrDeviceNotFound, pattern)
}

// Discover scans local serial ports when addr is empty, otherwise connects
// to addr. It returns the device count after discovery.
func (r *Registry) Discover(ctx context.Context, addr string) (int, error) {
	if addr == "" {
		return r.DiscoverSerial(ctx)
	}
	return r.DiscoverNetwork(ctx, addr)
}

// DiscoverSerial probes every serial port not already owned by a device.
func (r *Registry) DiscoverSerial(ctx context.Context) (int, error) {
	names, err := r.opener.SerialPorts()
	if err != nil {
		return r.Count(), err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return r.Count(), err
		}
		if r.owns(name) {
			continue
		}
		r.log.Debug("probing serial port", "port", name)
		if err := r.probeSerial(ctx, name); err != nil {
			if ctx.Err() != nil {
				return r.Count(), ctx.Err()
			}
			r.log.Info("serial probe failed", "port", name, "err", err)
		}
	}
	n := r.Count()
	r.log.Info("discovery finished", "devices", n)
	return n, nil
}

// DiscoverNetwork probes a network-attached controller with the ModernASCII
// probe only.
func (r *Registry) DiscoverNetwork(ctx context.Context, addr string) (int, error) {
	port, err := r.opener.DialNetwork(ctx, addr)
	if err != nil {
		return r.Count(), fmt.Errorf("connect %s: %w", addr, err)
	}
	found, err := r.probeModern(ctx, port)
	if err != nil || found == 0 {
		_ = port.Close()
	}
	if err != nil {
		return r.Count(), err
	}
	if found == 0 {
		r.log.Info("no controller answered", "addr", addr)
	}
	return r.Count(), nil
}

func (r *Registry) owns(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.PortName() == name {
			return true
		}
	}
	return false
}

// probeSerial tries LegacyASCII, ModernASCII then BinaryChecksum on one
// port. The port stays open only if something was registered on it.
func (r *Registry) probeSerial(ctx context.Context, name string) error {
	port, err := r.opener.OpenSerial(name, r.cfg.LegacyBaud)
	if err != nil {
		return err
	}
	keep := false
	defer func() {
		if !keep && port != nil {
			_ = port.Close()
		}
	}()

	ok, err := r.probeLegacy(ctx, port)
	if err != nil || ok {
		keep = ok
		return err
	}

	if port, err = r.rebaud(port, name, r.cfg.ModernBaud); err != nil {
		return err
	}
	found, err := r.probeModern(ctx, port)
	if err != nil || found > 0 {
		keep = found > 0
		return err
	}

	ok, err = r.probeBinary(ctx, port)
	keep = ok
	return err
}

// rebaud switches port to baud, reopening it when the port cannot change
// speed in place.
func (r *Registry) rebaud(port transport.Port, name string, baud int) (transport.Port, error) {
	if bs, ok := port.(transport.BaudSetter); ok {
		if err := bs.SetBaudRate(baud); err != nil {
			return port, fmt.Errorf("set %d baud: %w", baud, err)
		}
		return port, nil
	}
	if err := port.Close(); err != nil {
		return nil, err
	}
	return r.opener.OpenSerial(name, baud)
}

// probe transmits an ASCII probe and reports whether the reply ends with the
// prompt, along with the reading on the line before it.
func (r *Registry) probe(ctx context.Context, port transport.Port, command string) (bool, float64, error) {
	if err := port.Transmit([]byte(command)); err != nil {
		return false, 0, err
	}
	if err := protocol.Wait(ctx, r.cfg.ProbeDelay); err != nil {
		return false, 0, err
	}
	lines, err := port.ReceiveLines()
	if err != nil {
		return false, 0, err
	}
	if !protocol.Terminated(lines) || len(lines) < 2 {
		return false, 0, nil
	}
	v, err := protocol.ParseTemperature(lines[len(lines)-2])
	if err != nil {
		return true, 0, err
	}
	return true, v, nil
}

func (r *Registry) probeLegacy(ctx context.Context, port transport.Port) (bool, error) {
	prompt, v, err := r.probe(ctx, port, "\n\ntinfo\ngettemp\r")
	if !prompt {
		return false, err
	}
	if err != nil || !thermal.Plausible(v/100) {
		r.log.Info("thermal sensor malfunction or unsupported firmware", "port", port.Name())
		return false, nil
	}
	return true, r.register(ctx, port, thermal.DialectLegacyASCII, thermal.Channel1)
}

// probeModern registers channel 1 and channel 2 independently. Channel 2 is
// probed whenever channel 1 answered with the prompt.
func (r *Registry) probeModern(ctx context.Context, port transport.Port) (int, error) {
	prompt, v, err := r.probe(ctx, port, "\n\n\ntinfo\ngettemp\r")
	if !prompt {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	found := 0
	if err == nil && thermal.Plausible(v) {
		if err := r.register(ctx, port, thermal.DialectModernASCII, thermal.Channel1); err != nil {
			return found, err
		}
		found++
	} else {
		r.log.Info("thermal sensor not readable", "port", port.Name(), "channel", 1)
	}

	_, v, err = r.probe(ctx, port, "\n\n\ntinfo2\ngettemp2\r")
	if ctx.Err() != nil {
		return found, ctx.Err()
	}
	if err == nil && thermal.Plausible(v) {
		if err := r.register(ctx, port, thermal.DialectModernASCII, thermal.Channel2); err != nil {
			return found, err
		}
		found++
	} else {
		r.log.Info("thermal sensor not readable, probably not connected", "port", port.Name(), "channel", 2)
	}
	return found, nil
}

func (r *Registry) probeBinary(ctx context.Context, port transport.Port) (bool, error) {
	if err := port.Transmit(protocol.ProbeFrame); err != nil {
		return false, err
	}
	if err := protocol.Wait(ctx, r.cfg.BinaryDelay); err != nil {
		return false, err
	}
	raw, err := port.ReceiveRaw()
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		r.log.Debug("no device present", "port", port.Name())
		return false, nil
	}
	if !protocol.IsBinaryReply(raw) {
		r.log.Info("unknown device present", "port", port.Name())
		return false, nil
	}
	r.append(&thermal.DeviceRecord{
		Port:     port,
		Dialect:  thermal.DialectBinaryChecksum,
		Channel:  thermal.Channel1,
		Firmware: thermal.SentinelVersion,
		Identity: BinaryIdentity,
	})
	return true, nil
}

// register queries version and identity over the new port, then appends the
// record. Query failures fall back to the dialect's sentinels.
func (r *Registry) register(ctx context.Context, port transport.Port, dialect thermal.Dialect, ch thermal.Channel) error {
	rec := &thermal.DeviceRecord{Port: port, Dialect: dialect, Channel: ch}

	version := thermal.SentinelVersion
	if resp, err := r.client.Do(ctx, rec, thermal.GetVersion()); err == nil {
		version = resp.Version
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		r.log.Info("version query failed", "port", port.Name(), "channel", int(ch), "err", err)
	}

	identity := protocol.LegacyIdentity
	if resp, err := r.client.Do(ctx, rec, thermal.GetID()); err == nil {
		identity = resp.Text
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		r.log.Info("identity query failed", "port", port.Name(), "channel", int(ch), "err", err)
	}

	rec.Firmware = version
	rec.Identity = identity
	r.append(rec)
	return nil
}

func (r *Registry) append(rec *thermal.DeviceRecord) {
	r.mu.Lock()
	rec.Index = len(r.records)
	r.records = append(r.records, rec)
	r.mu.Unlock()

	metrics.Devices.WithLabelValues(rec.Dialect.String()).Inc()
	r.log.Info("device registered",
		"index", rec.Index, "port", rec.PortName(), "dialect", rec.Dialect.String(),
		"channel", int(rec.Channel), "firmware", rec.Firmware.String(), "identity", rec.Identity)
}

// Teardown parks every device at the ambient setpoint in Fan mode, then
// closes the ports. A failing device does not stop the others.
func (r *Registry) Teardown(ctx context.Context) error {
	r.mu.RLock()
	records := append([]*thermal.DeviceRecord(nil), r.records...)
	r.mu.RUnlock()

	var errs []error
	for _, rec := range records {
		if _, err := r.client.Do(ctx, rec, thermal.SetTemp(r.cfg.Ambient)); err != nil {
			errs = append(errs, fmt.Errorf("device %d: set ambient: %w", rec.Index, err))
		}
		if _, err := r.client.Do(ctx, rec, thermal.SetMode(thermal.ModeFan)); err != nil {
			errs = append(errs, fmt.Errorf("device %d: fan mode: %w", rec.Index, err))
		}
	}

	closed := map[transport.Port]bool{}
	for _, rec := range records {
		if rec.Port == nil || closed[rec.Port] {
			continue
		}
		closed[rec.Port] = true
		if err := rec.Port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", rec.PortName(), err))
		}
	}
	if len(errs) > 0 {
		r.log.Warn("teardown incomplete", "errors", len(errs))
	}
	return errors.Join(errs...)
}

// Package control is the service facade the outer controllers talk to. It
// serialises access per device and runs ramps as background jobs.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Agrid-Dev/thermalctl/internal/ports"
	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/ramp"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Registry is the part of registry.Registry the service needs.
type Registry interface {
	protocol.Devices
	Devices() []thermal.DeviceInfo
	IndexByID(pattern string) (int, error)
	IndexByPort(pattern string) (int, error)
	SetDebug(index int, on bool) error
}

type Service struct {
	reg  Registry
	exec ramp.Executor
	ramp *ramp.Controller
	log  *slog.Logger
	now  func() time.Time

	busy     *xsync.MapOf[int, struct{}]
	jobs     *xsync.MapOf[string, thermal.Job]
	readings *xsync.MapOf[int, thermal.Reading]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
}

var _ ports.ThermalService = (*Service)(nil)

// New wires the service and hooks it into ctrl's readings.
func New(reg Registry, exec ramp.Executor, ctrl *ramp.Controller, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		reg:      reg,
		exec:     exec,
		ramp:     ctrl,
		log:      log,
		now:      time.Now,
		busy:     xsync.NewMapOf[int, struct{}](),
		jobs:     xsync.NewMapOf[string, thermal.Job](),
		readings: xsync.NewMapOf[int, thermal.Reading](),
		ctx:      ctx,
		cancel:   cancel,
	}
	ctrl.OnReading(s.record)
	return s
}

func (s *Service) record(index int, v float64) {
	s.readings.Store(index, thermal.Reading{Index: index, Temperature: v, At: s.now()})
}

// acquire claims index for one operation. Overlapping work on the same
// device fails with ErrDeviceBusy instead of interleaving commands.
func (s *Service) acquire(index int) (release func(), err error) {
	if _, err := s.reg.Device(index); err != nil {
		return nil, err
	}
	if _, loaded := s.busy.LoadOrStore(index, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: device %d", thermal.ErrDeviceBusy, index)
	}
	return func() { s.busy.Delete(index) }, nil
}

func (s *Service) Devices() []thermal.DeviceInfo {
	return s.reg.Devices()
}

func (s *Service) Readings() []thermal.Reading {
	var out []thermal.Reading
	s.readings.Range(func(_ int, r thermal.Reading) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Temperature takes a sanity-checked reading.
func (s *Service) Temperature(ctx context.Context, index int) (float64, error) {
	release, err := s.acquire(index)
	if err != nil {
		return 0, err
	}
	defer release()
	return s.ramp.ReadTemperature(ctx, index)
}

// ReadAll reads every idle device. Devices busy with a ramp report their
// cached reading; failures are collected and the rest still read.
func (s *Service) ReadAll(ctx context.Context) ([]thermal.Reading, error) {
	var (
		out  []thermal.Reading
		errs []error
	)
	for _, info := range s.reg.Devices() {
		if _, err := s.Temperature(ctx, info.Index); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if cached, ok := s.readings.Load(info.Index); ok {
				out = append(out, cached)
			}
			errs = append(errs, fmt.Errorf("device %d: %w", info.Index, err))
			continue
		}
		if r, ok := s.readings.Load(info.Index); ok {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

func (s *Service) SetMode(ctx context.Context, index int, m thermal.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %v", thermal.ErrInvalidMode, m)
	}
	release, err := s.acquire(index)
	if err != nil {
		return err
	}
	defer release()
	_, err = s.exec.Execute(ctx, index, thermal.SetMode(m))
	return err
}

func (s *Service) SetThreshold(ctx context.Context, index int, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: threshold %v", thermal.ErrInvalidArgument, v)
	}
	release, err := s.acquire(index)
	if err != nil {
		return err
	}
	defer release()
	_, err = s.exec.Execute(ctx, index, thermal.SetThreshold(v))
	return err
}

// Network reads the controller's IP and MAC address.
func (s *Service) Network(ctx context.Context, index int) (thermal.NetworkInfo, error) {
	release, err := s.acquire(index)
	if err != nil {
		return thermal.NetworkInfo{}, err
	}
	defer release()

	info := thermal.NetworkInfo{Index: index}
	if info.IP, err = s.text(ctx, index, thermal.GetIP()); err != nil {
		return info, err
	}
	info.MAC, err = s.text(ctx, index, thermal.GetMAC())
	return info, err
}

// text runs a query and returns its text, or "N/A" when the dialect has no
// such query.
func (s *Service) text(ctx context.Context, index int, cmd thermal.Command) (string, error) {
	resp, err := s.exec.Execute(ctx, index, cmd)
	if err != nil {
		return "", err
	}
	if resp.Skipped {
		return protocol.NotAvailable, nil
	}
	return resp.Text, nil
}

// SetIdentity stores a new device ID on the controller. The registry keeps
// the identity read at discovery until the next discovery.
func (s *Service) SetIdentity(ctx context.Context, index int, id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, " \r\n") {
		return fmt.Errorf("%w: device id %q", thermal.ErrInvalidArgument, id)
	}
	return s.configure(ctx, index, thermal.SetID(id))
}

// SetNetwork stores a new IP and/or MAC address on the controller. Empty
// fields are left unchanged.
func (s *Service) SetNetwork(ctx context.Context, index int, ip, mac string) error {
	var cmds []thermal.Command
	if ip != "" {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("%w: ip %q", thermal.ErrInvalidArgument, ip)
		}
		cmds = append(cmds, thermal.SetIP(ip))
	}
	if mac != "" {
		if _, err := net.ParseMAC(mac); err != nil {
			return fmt.Errorf("%w: mac %q", thermal.ErrInvalidArgument, mac)
		}
		cmds = append(cmds, thermal.SetMAC(mac))
	}
	if len(cmds) == 0 {
		return fmt.Errorf("%w: nothing to set", thermal.ErrInvalidArgument)
	}
	return s.configure(ctx, index, cmds...)
}

func (s *Service) configure(ctx context.Context, index int, cmds ...thermal.Command) error {
	release, err := s.acquire(index)
	if err != nil {
		return err
	}
	defer release()
	for _, cmd := range cmds {
		resp, err := s.exec.Execute(ctx, index, cmd)
		if err != nil {
			return err
		}
		if resp.Skipped {
			return fmt.Errorf("%w: %s on device %d", thermal.ErrUnsupported, cmd.Op, index)
		}
		s.log.Info("device configured", "device", index, "op", cmd.Op.String(), "value", cmd.Text)
	}
	return nil
}

// Sensor reports the sensor description and whether the temperature is
// stable at the set-point.
func (s *Service) Sensor(ctx context.Context, index int) (thermal.SensorStatus, error) {
	release, err := s.acquire(index)
	if err != nil {
		return thermal.SensorStatus{}, err
	}
	defer release()

	rec, err := s.reg.Device(index)
	if err != nil {
		return thermal.SensorStatus{}, err
	}
	st := thermal.SensorStatus{Index: index, Sensor: protocol.NotAvailable}
	if rec.Dialect == thermal.DialectModernASCII {
		if st.Sensor, err = s.text(ctx, index, thermal.GetSensor()); err != nil {
			return st, err
		}
	}
	resp, err := s.exec.Execute(ctx, index, thermal.IsStable())
	if err != nil {
		return st, err
	}
	if resp.Skipped {
		return st, fmt.Errorf("%w: stability on device %d", thermal.ErrUnsupported, index)
	}
	st.Stable = resp.Stable
	return st, nil
}

// Lookup resolves a device index from an identity or a port name pattern.
// Exactly one of id and port must be set.
func (s *Service) Lookup(id, port string) (int, error) {
	switch {
	case id != "" && port == "":
		return s.reg.IndexByID(id)
	case port != "" && id == "":
		return s.reg.IndexByPort(port)
	default:
		return -1, fmt.Errorf("%w: look up by id or by port", thermal.ErrInvalidArgument)
	}
}

func (s *Service) SetDebug(index int, on bool) error {
	if err := s.reg.SetDebug(index, on); err != nil {
		return err
	}
	s.log.Info("device debug", "device", index, "on", on)
	return nil
}

// StartRamp claims the device and runs RampTo in the background. The job is
// returned in the running state.
func (s *Service) StartRamp(index int, target float64) (thermal.Job, error) {
	if math.IsNaN(target) || target < thermal.MinTargetTemperature || target > thermal.MaxTargetTemperature {
		return thermal.Job{}, fmt.Errorf("%w: target %v outside [%v, %v]", thermal.ErrInvalidArgument,
			target, thermal.MinTargetTemperature, thermal.MaxTargetTemperature)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thermal.Job{}, fmt.Errorf("%w: service is shutting down", context.Canceled)
	}
	release, err := s.acquire(index)
	if err != nil {
		return thermal.Job{}, err
	}

	job := thermal.Job{
		ID:      uuid.NewString(),
		Index:   index,
		Target:  target,
		State:   thermal.JobRunning,
		Started: s.now(),
	}
	s.jobs.Store(job.ID, job)
	s.log.Info("ramp started", "job", job.ID, "device", index, "target", target)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		res, err := s.ramp.RampTo(s.ctx, target, index)
		s.finish(job, res, err)
	}()
	return job, nil
}

func (s *Service) finish(job thermal.Job, res thermal.RampResult, err error) {
	job.Result = res
	job.Finished = s.now()
	job.Code = thermal.FailureCode(err)
	if err != nil {
		job.State = thermal.JobFailed
		job.Err = err.Error()
		s.log.Warn("ramp failed", "job", job.ID, "device", job.Index, "code", job.Code, "err", err)
	} else {
		job.State = thermal.JobSucceeded
		s.log.Info("ramp finished", "job", job.ID, "device", job.Index,
			"converged", res.Converged, "final_delta", res.FinalDelta)
	}
	s.jobs.Store(job.ID, job)
}

func (s *Service) Job(id string) (thermal.Job, error) {
	job, ok := s.jobs.Load(id)
	if !ok {
		return thermal.Job{}, fmt.Errorf("%w: %s", thermal.ErrJobNotFound, id)
	}
	return job, nil
}

// Jobs lists every job, oldest first.
func (s *Service) Jobs() []thermal.Job {
	var out []thermal.Job
	s.jobs.Range(func(_ string, j thermal.Job) bool {
		out = append(out, j)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Shutdown cancels running ramps and waits for them to return. Ramps
// requested afterwards are refused.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

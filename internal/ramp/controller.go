// Package ramp moves a device to a target temperature without thermal shock:
// staged set-points on firmware that does not rate-limit itself, supervised
// by a polling watch, with a fan-mode fallback when the device cannot be
// trusted.
package ramp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Agrid-Dev/thermalctl/internal/metrics"
	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Tolerance band used by every ramp watch.
const (
	BandLow  = -1.0
	BandHigh = 2.0
)

type Config struct {
	PollInterval     time.Duration // wait before each watch reading
	StepIdle         time.Duration // pause between staged steps
	StepSize         float64
	SafetyThreshold  float64
	SensorRetryDelay time.Duration
	SensorRetries    int
	StepIterations   int
	FinalIterations  int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		StepIdle:         8 * time.Second,
		StepSize:         10,
		SafetyThreshold:  130,
		SensorRetryDelay: 500 * time.Millisecond,
		SensorRetries:    5,
		StepIterations:   120,
		FinalIterations:  180,
	}
}

// Executor runs a logical command against a device index.
type Executor interface {
	Execute(ctx context.Context, index int, cmd thermal.Command) (protocol.Response, error)
}

// Controller drives ramps. One ramp per device index may run at a time; the
// caller serialises access.
type Controller struct {
	devices   protocol.Devices
	exec      Executor
	incidents IncidentRecorder
	cfg       Config
	log       *slog.Logger

	now       func() time.Time
	wait      func(ctx context.Context, d time.Duration) error
	onReading func(index int, v float64)
	setpoints *xsync.MapOf[int, float64]
	readings  *xsync.MapOf[int, float64]
}

func NewController(devices protocol.Devices, exec Executor, incidents IncidentRecorder, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		devices:   devices,
		exec:      exec,
		incidents: incidents,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		wait:      protocol.Wait,
		setpoints: xsync.NewMapOf[int, float64](),
		readings:  xsync.NewMapOf[int, float64](),
	}
}

// OnReading registers fn to observe every temperature read. Set it before
// the controller is used.
func (c *Controller) OnReading(fn func(index int, v float64)) {
	c.onReading = fn
}

// Setpoint returns the last set-point this controller sent to index.
func (c *Controller) Setpoint(index int) (float64, bool) {
	return c.setpoints.Load(index)
}

// SetTemp sends a set-point and remembers it for incident records.
func (c *Controller) SetTemp(ctx context.Context, index int, v float64) error {
	if _, err := c.exec.Execute(ctx, index, thermal.SetTemp(v)); err != nil {
		return err
	}
	c.setpoints.Store(index, v)
	metrics.RampSteps.Inc()
	return nil
}

// RampTo moves device index to target. Targets outside
// [MinTargetTemperature, MaxTargetTemperature] are rejected before any I/O.
// A final stage that does not converge is not an error: the result carries
// the remaining delta. Errors map to a failure code with thermal.FailureCode.
func (c *Controller) RampTo(ctx context.Context, target float64, index int) (thermal.RampResult, error) {
	res := thermal.RampResult{Index: index, Target: target}
	rec, err := c.devices.Device(index)
	if err != nil {
		return res, err
	}
	if math.IsNaN(target) || target < thermal.MinTargetTemperature || target > thermal.MaxTargetTemperature {
		c.log.Error("attempted to set bad temperature", "device", index, "target", target)
		return res, fmt.Errorf("%w: target %v outside [%v, %v]", thermal.ErrInvalidArgument,
			target, thermal.MinTargetTemperature, thermal.MaxTargetTemperature)
	}

	res.Throttled, err = c.throttled(ctx, rec)
	if err != nil {
		return res, c.abort(ctx, index, err)
	}
	if _, err := c.exec.Execute(ctx, index, thermal.SetThreshold(c.cfg.SafetyThreshold)); err != nil {
		return res, c.abort(ctx, index, err)
	}
	if _, err := c.exec.Execute(ctx, index, thermal.SetMode(thermal.ModePeltier)); err != nil {
		return res, c.abort(ctx, index, err)
	}

	res.Start, err = c.ReadTemperature(ctx, index)
	if err != nil {
		return res, c.abort(ctx, index, err)
	}

	if res.Throttled {
		if err := c.staged(ctx, index, &res); err != nil {
			return res, c.abort(ctx, index, err)
		}
	}

	if err := c.SetTemp(ctx, index, target); err != nil {
		return res, c.abort(ctx, index, err)
	}
	res.Steps = append(res.Steps, target)
	c.log.Info("waiting for final temperature", "device", index, "target", target,
		"max_wait", c.cfg.PollInterval*time.Duration(c.cfg.FinalIterations))
	delta, err := c.Watch(ctx, index, BandLow, target, BandHigh, c.cfg.FinalIterations, nil)
	if err != nil {
		return res, c.abort(ctx, index, err)
	}
	res.FinalDelta = delta
	res.Converged = delta == 0
	if res.Converged {
		metrics.Ramps.WithLabelValues("converged").Inc()
	} else {
		metrics.Ramps.WithLabelValues("unconverged").Inc()
		c.log.Warn("final temperature not reached", "device", index, "target", target, "delta", delta,
			"err", thermal.ErrConvergenceFailure)
	}
	return res, nil
}

// staged issues the intermediate set-points of a throttled ramp. A step that
// does not converge ends the staging; the final step still runs.
func (c *Controller) staged(ctx context.Context, index int, res *thermal.RampResult) error {
	if err := c.wait(ctx, c.cfg.PollInterval); err != nil {
		return err
	}
	plan := NewPlan(res.Start, res.Target, c.cfg.StepSize)
	prev := res.Start
	for {
		sp, ok := plan.Next()
		if !ok {
			return nil
		}
		if err := c.SetTemp(ctx, index, sp); err != nil {
			return err
		}
		res.Steps = append(res.Steps, sp)
		c.log.Info("waiting for intermediate temperature", "device", index, "setpoint", sp,
			"max_wait", c.cfg.PollInterval*time.Duration(c.cfg.StepIterations))
		delta, err := c.Watch(ctx, index, BandLow, sp, BandHigh, c.cfg.StepIterations, nil)
		if err != nil {
			return err
		}
		if delta != 0 {
			res.Aborted = true
			c.log.Warn("intermediate temperature not reached, skipping to final target",
				"device", index, "setpoint", sp, "delta", delta)
			return nil
		}
		// distance is measured from the set-point before this step
		if math.Abs(res.Target-prev) > c.cfg.StepSize {
			c.log.Info("idling to reduce wear on thermal head", "device", index, "idle", c.cfg.StepIdle)
			if err := c.wait(ctx, c.cfg.StepIdle); err != nil {
				return err
			}
		}
		prev = sp
	}
}

// throttled reports whether rec needs staged ramping: firmware older than
// thermal.RateLimitedFirmware does not limit its own rate of change.
func (c *Controller) throttled(ctx context.Context, rec *thermal.DeviceRecord) (bool, error) {
	version := rec.Firmware
	resp, err := c.exec.Execute(ctx, rec.Index, thermal.GetVersion())
	if err != nil {
		return true, err
	}
	if !resp.Skipped {
		version = resp.Version
	}
	if version.IsZero() {
		version = thermal.SentinelVersion
	}
	return !version.AtLeast(thermal.RateLimitedFirmware), nil
}

// abort runs the fallback when err means the device stopped answering, and
// returns err. Cancellation is passed through untouched.
func (c *Controller) abort(ctx context.Context, index int, err error) error {
	if ctx.Err() != nil {
		metrics.Ramps.WithLabelValues("cancelled").Inc()
		return err
	}
	metrics.Ramps.WithLabelValues("failed").Inc()
	if errors.Is(err, thermal.ErrSensorImplausible) {
		// the reader already fell back
		return err
	}
	last, _ := c.readings.Load(index)
	c.Fallback(ctx, index, last)
	return err
}

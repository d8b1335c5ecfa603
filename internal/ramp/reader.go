package ramp

import (
	"context"
	"errors"

	"github.com/Agrid-Dev/thermalctl/internal/metrics"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// ReadTemperature reads the device temperature, retrying up to
// cfg.SensorRetries times while the value is implausible. Retries turn on the
// device's debug flag. When the last retry is still implausible the fallback
// runs and the implausible value is returned without an error.
func (c *Controller) ReadTemperature(ctx context.Context, index int) (float64, error) {
	rec, err := c.devices.Device(index)
	if err != nil {
		return 0, err
	}

	v, err := c.read(ctx, index)
	if err == nil && thermal.Plausible(v) {
		return v, nil
	}
	if ctx.Err() != nil {
		return v, ctx.Err()
	}

	wasDebug := rec.Debug()
	rec.SetDebug(true)
	for try := 0; try < c.cfg.SensorRetries; try++ {
		if err != nil {
			c.log.Info("temperature read failed", "device", index, "err", err)
		} else {
			c.log.Info("got bad temperature", "device", index, "reading", v)
		}
		metrics.SensorRetries.Inc()
		if werr := c.wait(ctx, c.cfg.SensorRetryDelay); werr != nil {
			return v, werr
		}
		v, err = c.read(ctx, index)
		if err == nil && thermal.Plausible(v) {
			rec.SetDebug(wasDebug)
			return v, nil
		}
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
	}

	c.log.Warn("device is not returning sane temperatures", "device", index, "reading", v, "err", err)
	c.Fallback(ctx, index, v)
	if err != nil {
		return v, errors.Join(thermal.ErrSensorImplausible, err)
	}
	return v, nil
}

func (c *Controller) read(ctx context.Context, index int) (float64, error) {
	resp, err := c.exec.Execute(ctx, index, thermal.GetTemp())
	if err != nil {
		return 0, err
	}
	c.readings.Store(index, resp.Temperature)
	c.log.Debug("temperature", "device", index, "reading", resp.Temperature)
	if c.onReading != nil {
		c.onReading(index, resp.Temperature)
	}
	return resp.Temperature, nil
}

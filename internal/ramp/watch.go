package ramp

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Action runs once per unconverged Watch iteration.
type Action func(ctx context.Context) error

// Watch polls the device until a reading lies strictly inside
// (target+low, target+high) and then returns 0. After maxIter unconverged
// polls it returns the last reading minus target. At least one poll is made.
func (c *Controller) Watch(ctx context.Context, index int, low, target, high float64, maxIter int, action Action) (float64, error) {
	if !(low < high) || math.IsNaN(target) {
		return 0, fmt.Errorf("%w: watch band (%v, %v) around %v", thermal.ErrInvalidArgument, low, high, target)
	}
	if _, err := c.devices.Device(index); err != nil {
		return 0, err
	}

	var reading float64
	for i := 0; i == 0 || i < maxIter; i++ {
		if err := c.wait(ctx, c.cfg.PollInterval); err != nil {
			return 0, err
		}
		v, err := c.ReadTemperature(ctx, index)
		if err != nil {
			return 0, err
		}
		reading = v
		if target+low < reading && reading < target+high {
			return 0, nil
		}
		if action != nil {
			if err := action(ctx); err != nil {
				c.log.Warn("watch action failed", "device", index, "err", err)
			}
		}
	}
	c.log.Info("target not reached",
		"device", index, "target", target, "reading", reading,
		"waited", c.cfg.PollInterval*time.Duration(max(maxIter, 1)))
	return reading - target, nil
}

package ramp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Agrid-Dev/thermalctl/internal/metrics"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Incident is one execution of the fallback procedure.
type Incident struct {
	Time     time.Time
	Index    int
	Setpoint float64
	Reading  float64
}

// IncidentRecorder persists incidents.
type IncidentRecorder interface {
	Record(inc Incident) error
}

// FileIncidentLog appends one plain-text line per incident to a file that is
// never rotated.
type FileIncidentLog struct {
	mu   sync.Mutex
	path string
}

func NewFileIncidentLog(path string) *FileIncidentLog {
	return &FileIncidentLog{path: path}
}

func (f *FileIncidentLog) Record(inc Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open incident log: %w", err)
	}
	_, werr := fmt.Fprintf(file, "%s Set: %g Current: %g panic ****\n",
		inc.Time.Format(time.RFC1123), inc.Setpoint, inc.Reading)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write incident log: %w", werr)
	}
	return nil
}

// Fallback forces the device into Fan mode and records an incident with the
// last requested set-point and reading. It always returns
// thermal.CodeTargetUnreached; its own failures are only logged.
func (c *Controller) Fallback(ctx context.Context, index int, reading float64) int {
	metrics.Incidents.Inc()
	if _, err := c.exec.Execute(ctx, index, thermal.SetMode(thermal.ModeFan)); err != nil {
		c.log.Error("fallback could not force fan mode", "device", index, "err", err)
	}
	setpoint, _ := c.setpoints.Load(index)
	inc := Incident{Time: c.now(), Index: index, Setpoint: setpoint, Reading: reading}
	c.log.Error("device fell back to fan mode", "device", index, "setpoint", setpoint, "reading", reading)
	if c.incidents != nil {
		if err := c.incidents.Record(inc); err != nil {
			c.log.Error("incident not recorded", "device", index, "err", err)
		}
	}
	return thermal.CodeTargetUnreached
}

package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/Agrid-Dev/thermalctl/internal/logging"
	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/ramp"
	"github.com/Agrid-Dev/thermalctl/internal/registry"
	"github.com/Agrid-Dev/thermalctl/internal/simulator"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// RampCommand is one target the simulated device is ramped to, in order.
type RampCommand struct {
	Target float64
}

// SimulateRamps ramps a simulated controller through commands and writes
// every temperature reading to filename.
func SimulateRamps(ctx context.Context, dialect thermal.Dialect, firmware, filename string, commands []RampCommand, log *slog.Logger) error {
	dev, err := simulator.New(simulator.Config{
		Name:     "sim0",
		Dialect:  dialect,
		Firmware: firmware,
		Temps:    [2]float64{20, 20},
		Model:    simulator.ModelParams{Ambient: 20, Coefficient: 0.02, Rate: 1.5},
	})
	if err != nil {
		return fmt.Errorf("failed to create device: %v", err)
	}
	bus := simulator.NewBus()
	bus.AddSerial(dev)

	timing := protocol.Timing{MaxRetries: 10}
	client := protocol.NewClient(timing, log)
	reg := registry.New(bus, client, registry.Config{
		LegacyBaud: simulator.LegacyBaud,
		ModernBaud: simulator.ModernBaud,
		Ambient:    20,
	}, log)
	if n, err := reg.DiscoverSerial(ctx); err != nil || n == 0 {
		return fmt.Errorf("simulated device not discovered: %v", err)
	}

	cfg := ramp.DefaultConfig()
	cfg.PollInterval = 0
	cfg.StepIdle = 0
	cfg.SensorRetryDelay = 0
	ctrl := ramp.NewController(reg, protocol.NewAdapter(reg, client), nil, cfg, log)

	// Create CSV file
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Reading", "Target", "Setpoint", "Temperature", "BandLow", "BandHigh"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	var (
		n      int
		target float64
		werr   error
	)
	ctrl.OnReading(func(index int, v float64) {
		n++
		sp, _ := ctrl.Setpoint(index)
		if err := writer.Write([]string{
			fmt.Sprintf("%d", n),
			fmt.Sprintf("%.2f", target),
			fmt.Sprintf("%.2f", sp),
			fmt.Sprintf("%.2f", v),
			fmt.Sprintf("%.2f", sp+ramp.BandLow),
			fmt.Sprintf("%.2f", sp+ramp.BandHigh),
		}); err != nil && werr == nil {
			werr = err
		}
	})

	for _, cmd := range commands {
		target = cmd.Target
		res, err := ctrl.RampTo(ctx, cmd.Target, 0)
		if err != nil {
			return fmt.Errorf("ramp to %.1f: %v", cmd.Target, err)
		}
		log.Info("ramp finished", "target", cmd.Target, "steps", res.Steps, "converged", res.Converged, "delta", res.FinalDelta)
	}
	if werr != nil {
		return fmt.Errorf("failed to write CSV record: %v", werr)
	}
	return nil
}

func main() {
	out := flag.String("out", "ramps.csv", "CSV output path")
	dialectName := flag.String("dialect", "modern_ascii", "legacy_ascii | modern_ascii | binary_checksum")
	firmware := flag.String("firmware", "2.0.9", "simulated firmware version")
	flag.Parse()

	dialects := map[string]thermal.Dialect{
		thermal.DialectLegacyASCII.String():    thermal.DialectLegacyASCII,
		thermal.DialectModernASCII.String():    thermal.DialectModernASCII,
		thermal.DialectBinaryChecksum.String(): thermal.DialectBinaryChecksum,
	}
	dialect, ok := dialects[*dialectName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown dialect %q\n", *dialectName)
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: "info", Format: "console", Output: "stderr"})
	commands := []RampCommand{{Target: 45}, {Target: 5}, {Target: 25}}
	if err := SimulateRamps(context.Background(), dialect, *firmware, *out, commands, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/thermalctl/cmd/app"
	"github.com/Agrid-Dev/thermalctl/internal/control"
	httpctrl "github.com/Agrid-Dev/thermalctl/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/thermalctl/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/thermalctl/internal/controllers/mqtt"
	"github.com/Agrid-Dev/thermalctl/internal/logging"
	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/ramp"
	"github.com/Agrid-Dev/thermalctl/internal/registry"
	"github.com/Agrid-Dev/thermalctl/internal/simulator"
	"github.com/Agrid-Dev/thermalctl/internal/transport"
)

type runner interface {
	Run(ctx context.Context) error
}

func main() {
	var configPath string
	var printConfig bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if printConfig {
		if err := yaml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config) error {
	log := logging.New(cfg.Logging)

	opener, addr, err := openerFor(cfg)
	if err != nil {
		return err
	}

	client := protocol.NewClient(cfg.Timing(), log)
	reg := registry.New(opener, client, cfg.Registry(), log)

	if _, err := reg.Discover(ctx, ""); err != nil {
		return fmt.Errorf("discovering serial devices: %w", err)
	}
	if addr != "" {
		if _, err := reg.Discover(ctx, addr); err != nil {
			log.Warn("network discovery failed", "addr", addr, "err", err)
		}
	}
	log.Info("devices discovered", "count", reg.Count())

	adapter := protocol.NewAdapter(reg, client)
	ctrl := ramp.NewController(reg, adapter, ramp.NewFileIncidentLog(cfg.Ramp.IncidentLog), cfg.RampController(), log)
	svc := control.New(reg, adapter, ctrl, log)

	var runners []runner
	if cfg.Controllers.HTTP.Enabled {
		runners = append(runners, httpctrl.New(svc, cfg.Controllers.HTTP.Addr))
		log.Info("http controller enabled", "addr", cfg.Controllers.HTTP.Addr)
	}
	if m := cfg.Controllers.MQTT; m.Enabled {
		c, err := mqttctrl.New(svc, mqttctrl.Config{
			Instance:        m.Instance,
			BrokerURL:       m.BrokerURL,
			ClientID:        m.ClientID,
			BaseTopic:       m.BaseTopic,
			QoS:             m.QoS,
			RetainState:     m.RetainState,
			PublishInterval: m.PublishInterval,
			Username:        m.Username,
			Password:        m.Password,
			Logger:          log,
		})
		if err != nil {
			return err
		}
		runners = append(runners, c)
		log.Info("mqtt controller enabled", "broker", m.BrokerURL)
	}
	if m := cfg.Controllers.MODBUS; m.Enabled {
		c, err := modbusctrl.New(svc, modbusctrl.Config{Addr: m.Addr, UnitID: m.UnitID, Logger: log})
		if err != nil {
			return err
		}
		runners = append(runners, c)
		log.Info("modbus controller enabled", "addr", m.Addr)
	}

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("controller exited", "err", err)
				stop()
			}
		}(r)
	}

	<-runCtx.Done()
	stop()
	wg.Wait()

	log.Info("shutting down")
	svc.Shutdown()
	return teardown(cfg, reg, log)
}

// openerFor returns the transport opener and network address discovery uses.
func openerFor(cfg app.Config) (transport.Opener, string, error) {
	if !cfg.Discovery.Simulate {
		return transport.SystemOpener{
			Ports:       cfg.Discovery.SerialPorts,
			ReadTimeout: cfg.Discovery.ReadTimeout,
		}, cfg.Discovery.NetworkAddress, nil
	}
	bus, err := simulator.DemoBus(cfg.Teardown.Ambient)
	if err != nil {
		return nil, "", fmt.Errorf("building simulated devices: %w", err)
	}
	addr := cfg.Discovery.NetworkAddress
	if addr == "" {
		addr = simulator.DemoNetworkAddress
	}
	return bus, addr, nil
}

func teardown(cfg app.Config, reg *registry.Registry, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Teardown.Timeout)
	defer cancel()
	if err := reg.Teardown(ctx); err != nil {
		log.Error("teardown incomplete", "err", err)
		return err
	}
	log.Info("devices parked", "ambient", cfg.Teardown.Ambient)
	return nil
}

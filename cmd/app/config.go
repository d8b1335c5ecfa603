package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/thermalctl/internal/logging"
	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/ramp"
	"github.com/Agrid-Dev/thermalctl/internal/registry"
)

// EnvPrefix marks environment variables that override the config file.
const EnvPrefix = "THERMALCTL_"

type Config struct {
	Logging     logging.Config    `koanf:"logging" yaml:"logging"`
	Discovery   DiscoveryConfig   `koanf:"discovery" yaml:"discovery"`
	Protocol    ProtocolConfig    `koanf:"protocol" yaml:"protocol"`
	Ramp        RampConfig        `koanf:"ramp" yaml:"ramp"`
	Teardown    TeardownConfig    `koanf:"teardown" yaml:"teardown"`
	Controllers ControllersConfig `koanf:"controllers" yaml:"controllers"`
}

type DiscoveryConfig struct {
	// SerialPorts restricts probing to these names; empty scans the system.
	SerialPorts    []string      `koanf:"serial_ports" yaml:"serial_ports"`
	LegacyBaud     int           `koanf:"legacy_baud" yaml:"legacy_baud"`
	ModernBaud     int           `koanf:"modern_baud" yaml:"modern_baud"`
	NetworkAddress string        `koanf:"network_address" yaml:"network_address"`
	ProbeDelay     time.Duration `koanf:"probe_delay" yaml:"probe_delay"`
	BinaryDelay    time.Duration `koanf:"binary_delay" yaml:"binary_delay"`
	ReadTimeout    time.Duration `koanf:"read_timeout" yaml:"read_timeout"`
	// Simulate replaces the hardware with simulated devices.
	Simulate bool `koanf:"simulate" yaml:"simulate"`
}

type ProtocolConfig struct {
	CommandDelay time.Duration `koanf:"command_delay" yaml:"command_delay"`
	RetryDelay   time.Duration `koanf:"retry_delay" yaml:"retry_delay"`
	MaxRetries   int           `koanf:"max_retries" yaml:"max_retries"`
}

type RampConfig struct {
	PollInterval     time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	StepIdle         time.Duration `koanf:"step_idle" yaml:"step_idle"`
	StepSize         float64       `koanf:"step_size" yaml:"step_size"`
	SafetyThreshold  float64       `koanf:"safety_threshold" yaml:"safety_threshold"`
	SensorRetryDelay time.Duration `koanf:"sensor_retry_delay" yaml:"sensor_retry_delay"`
	SensorRetries    int           `koanf:"sensor_retries" yaml:"sensor_retries"`
	StepIterations   int           `koanf:"step_iterations" yaml:"step_iterations"`
	FinalIterations  int           `koanf:"final_iterations" yaml:"final_iterations"`
	IncidentLog      string        `koanf:"incident_log" yaml:"incident_log"`
}

type TeardownConfig struct {
	Ambient float64       `koanf:"ambient" yaml:"ambient"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

type ControllersConfig struct {
	HTTP   HTTPConfig   `koanf:"http" yaml:"http"`
	MQTT   MQTTConfig   `koanf:"mqtt" yaml:"mqtt"`
	MODBUS ModbusConfig `koanf:"modbus" yaml:"modbus"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled" yaml:"enabled"`
	Instance        string        `koanf:"instance" yaml:"instance"`
	BrokerURL       string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID        string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic       string        `koanf:"base_topic" yaml:"base_topic"`
	QoS             byte          `koanf:"qos" yaml:"qos"`
	RetainState     bool          `koanf:"retain_state" yaml:"retain_state"`
	PublishInterval time.Duration `koanf:"publish_interval" yaml:"publish_interval"`
	Username        string        `koanf:"username" yaml:"username"`
	Password        string        `koanf:"password" yaml:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

// Default returns the configuration used when no file or env override is set.
func Default() Config {
	reg := registry.DefaultConfig()
	timing := protocol.DefaultTiming()
	rc := ramp.DefaultConfig()
	return Config{
		Logging: logging.Config{Level: "info", Format: "json", Output: "stdout"},
		Discovery: DiscoveryConfig{
			LegacyBaud:  reg.LegacyBaud,
			ModernBaud:  reg.ModernBaud,
			ProbeDelay:  reg.ProbeDelay,
			BinaryDelay: reg.BinaryDelay,
			ReadTimeout: 50 * time.Millisecond,
		},
		Protocol: ProtocolConfig{
			CommandDelay: timing.CommandDelay,
			RetryDelay:   timing.RetryDelay,
			MaxRetries:   timing.MaxRetries,
		},
		Ramp: RampConfig{
			PollInterval:     rc.PollInterval,
			StepIdle:         rc.StepIdle,
			StepSize:         rc.StepSize,
			SafetyThreshold:  rc.SafetyThreshold,
			SensorRetryDelay: rc.SensorRetryDelay,
			SensorRetries:    rc.SensorRetries,
			StepIterations:   rc.StepIterations,
			FinalIterations:  rc.FinalIterations,
			IncidentLog:      "temp.txt",
		},
		Teardown: TeardownConfig{Ambient: reg.Ambient, Timeout: 10 * time.Second},
		Controllers: ControllersConfig{
			HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
			MQTT: MQTTConfig{
				Instance:        "default",
				BrokerURL:       "tcp://localhost:1883",
				PublishInterval: 1 * time.Second,
			},
			MODBUS: ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1},
		},
	}
}

// LoadConfig layers defaults, the optional file at path and THERMALCTL_*
// environment variables. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	return load(path, os.Environ)
}

func load(path string, environ func() []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Discovery.LegacyBaud <= 0 || c.Discovery.ModernBaud <= 0 {
		errs = append(errs, errors.New("discovery: baud rates must be positive"))
	}
	if c.Protocol.MaxRetries < 0 {
		errs = append(errs, errors.New("protocol: max_retries must be >= 0"))
	}
	if c.Ramp.StepSize <= 0 {
		errs = append(errs, errors.New("ramp: step_size must be > 0"))
	}
	if c.Ramp.SensorRetries < 0 {
		errs = append(errs, errors.New("ramp: sensor_retries must be >= 0"))
	}
	if c.Controllers.MQTT.QoS > 1 {
		errs = append(errs, errors.New("controllers.mqtt: qos must be 0 or 1"))
	}
	if c.Controllers.MODBUS.Enabled && c.Controllers.MODBUS.UnitID == 0 {
		errs = append(errs, errors.New("controllers.modbus: unit_id is required"))
	}
	return errors.Join(errs...)
}

// Registry maps the discovery section onto the registry configuration.
func (c Config) Registry() registry.Config {
	return registry.Config{
		LegacyBaud:  c.Discovery.LegacyBaud,
		ModernBaud:  c.Discovery.ModernBaud,
		ProbeDelay:  c.Discovery.ProbeDelay,
		BinaryDelay: c.Discovery.BinaryDelay,
		Ambient:     c.Teardown.Ambient,
	}
}

func (c Config) Timing() protocol.Timing {
	return protocol.Timing{
		CommandDelay: c.Protocol.CommandDelay,
		RetryDelay:   c.Protocol.RetryDelay,
		MaxRetries:   c.Protocol.MaxRetries,
		BinaryDelay:  c.Discovery.BinaryDelay,
	}
}

func (c Config) RampController() ramp.Config {
	return ramp.Config{
		PollInterval:     c.Ramp.PollInterval,
		StepIdle:         c.Ramp.StepIdle,
		StepSize:         c.Ramp.StepSize,
		SafetyThreshold:  c.Ramp.SafetyThreshold,
		SensorRetryDelay: c.Ramp.SensorRetryDelay,
		SensorRetries:    c.Ramp.SensorRetries,
		StepIterations:   c.Ramp.StepIterations,
		FinalIterations:  c.Ramp.FinalIterations,
	}
}

// sections whose names contain an underscore; longest first.
var multiWordSections = []string{
	"controllers_http",
	"controllers_mqtt",
	"controllers_modbus",
}

// envKeyTransform maps an env key (prefix already removed) onto a koanf path:
// the first word names the section, the remainder the field.
// RAMP_STEP_IDLE → ramp.step_idle, CONTROLLERS_HTTP_ADDR → controllers.http.addr.
func envKeyTransform(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	if k == "" {
		return ""
	}
	for _, sec := range multiWordSections {
		if strings.HasPrefix(k, sec+"_") {
			return strings.ReplaceAll(sec, "_", ".") + "." + strings.TrimPrefix(k, sec+"_")
		}
	}
	if strings.HasPrefix(k, "controllers_") {
		// unknown controller: fall back to the raw key
		return k
	}
	section, field, ok := strings.Cut(k, "_")
	if !ok {
		return k
	}
	return section + "." + field
}

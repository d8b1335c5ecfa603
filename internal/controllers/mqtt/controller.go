package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Agrid-Dev/thermalctl/internal/ports"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

type Config struct {
	// Identity of this controller host; used in default topic and client ID.
	Instance string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainState     bool
	PublishInterval time.Duration

	Username string
	Password string

	Logger *slog.Logger
}

type Controller struct {
	svc ports.ThermalService
	cfg Config
	log *slog.Logger

	client mqtt.Client
	ctx    context.Context

	// last published state, owned by the publish loop
	published bool
	devices   []thermal.DeviceInfo
	readings  map[int]thermal.Reading
	jobs      map[string]thermal.Job
}

func New(svc ports.ThermalService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.Instance == "" {
		return nil, errors.New("mqtt: Instance is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "thermalctl/" + cfg.Instance
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "thermalctl-" + cfg.Instance
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		svc:      svc,
		cfg:      cfg,
		log:      log.With("controller", "mqtt"),
		ctx:      context.Background(),
		readings: map[int]thermal.Reading{},
		jobs:     map[string]thermal.Job{},
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx

	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("devices/+/set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("subscribe failed", "topic", topic, "err", err)
		}
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	c.publishChanges()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			c.publishChanges()
		}
	}
}

// publishChanges publishes the device table, readings and jobs that changed
// since the previous call. The first call publishes everything.
func (c *Controller) publishChanges() {
	devices := c.svc.Devices()
	if !c.published || !reflect.DeepEqual(devices, c.devices) {
		out := make([]deviceDTO, 0, len(devices))
		for _, d := range devices {
			out = append(out, toDeviceDTO(d))
		}
		c.publish(c.topic("devices"), out)
		c.devices = devices
		c.published = true
	}

	for _, r := range c.svc.Readings() {
		if last, ok := c.readings[r.Index]; ok && last == r {
			continue
		}
		c.publish(c.topic("devices/"+strconv.Itoa(r.Index)+"/temperature"), readingDTO{
			Index:       r.Index,
			Temperature: r.Temperature,
			ReadAt:      r.At,
		})
		c.readings[r.Index] = r
	}

	for _, j := range c.svc.Jobs() {
		if last, ok := c.jobs[j.ID]; ok && reflect.DeepEqual(last, j) {
			continue
		}
		c.publishJob(j)
		c.jobs[j.ID] = j
	}
}

func (c *Controller) publishJob(j thermal.Job) {
	c.publish(c.topic("jobs/"+j.ID), toJobDTO(j))
}

func (c *Controller) publish(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode failed", "topic", topic, "err", err)
		return
	}
	c.client.Publish(topic, c.cfg.QoS, c.cfg.RetainState, b)
}

// ---- DTOs ----

type deviceDTO struct {
	Index    int    `json:"index"`
	Port     string `json:"port"`
	Dialect  string `json:"dialect"`
	Channel  int    `json:"channel"`
	Firmware string `json:"firmware"`
	Identity string `json:"identity"`
}

type readingDTO struct {
	Index       int       `json:"index"`
	Temperature float64   `json:"temperature"`
	ReadAt      time.Time `json:"read_at"`
}

type jobDTO struct {
	ID         string    `json:"id"`
	Index      int       `json:"index"`
	Target     float64   `json:"target"`
	State      string    `json:"state"`
	Code       int       `json:"code"`
	Error      string    `json:"error,omitempty"`
	Steps      []float64 `json:"steps,omitempty"`
	FinalDelta float64   `json:"final_delta"`
	Converged  bool      `json:"converged"`
}

func toDeviceDTO(info thermal.DeviceInfo) deviceDTO {
	return deviceDTO{
		Index:    info.Index,
		Port:     info.PortName,
		Dialect:  info.Dialect.String(),
		Channel:  int(info.Channel),
		Firmware: info.Firmware.String(),
		Identity: info.Identity,
	}
}

func toJobDTO(j thermal.Job) jobDTO {
	return jobDTO{
		ID:         j.ID,
		Index:      j.Index,
		Target:     j.Target,
		State:      j.State.String(),
		Code:       j.Code,
		Error:      j.Err,
		Steps:      j.Result.Steps,
		FinalDelta: j.Result.FinalDelta,
		Converged:  j.Result.Converged,
	}
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/devices/<index>/set/<field>
	t := msg.Topic()
	prefix := strings.TrimRight(c.cfg.BaseTopic, "/") + "/devices/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	parts := strings.Split(strings.TrimPrefix(t, prefix), "/")
	if len(parts) != 3 || parts[1] != "set" {
		return
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		return
	}
	field := parts[2]

	payload := msg.Payload()

	switch field {
	case "mode":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return
		}
		m, err := thermal.ParseMode(s)
		if err != nil {
			c.log.Warn("rejected mode", "index", index, "err", err)
			return
		}
		if err := c.svc.SetMode(c.ctx, index, m); err != nil {
			c.log.Warn("set mode failed", "index", index, "err", err)
		}

	case "threshold":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return
		}
		if err := c.svc.SetThreshold(c.ctx, index, v); err != nil {
			c.log.Warn("set threshold failed", "index", index, "err", err)
		}

	case "ramp":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return
		}
		job, err := c.svc.StartRamp(index, v)
		if err != nil {
			c.log.Warn("ramp rejected", "index", index, "target", v, "err", err)
			return
		}
		c.publishJob(job)

	case "id":
		id, err := decodeValueStrict[string](payload)
		if err != nil {
			return
		}
		if err := c.svc.SetIdentity(c.ctx, index, id); err != nil {
			c.log.Warn("set id failed", "index", index, "err", err)
		}

	case "debug":
		on, err := decodeValueStrict[bool](payload)
		if err != nil {
			return
		}
		if err := c.svc.SetDebug(index, on); err != nil {
			c.log.Warn("set debug failed", "index", index, "err", err)
		}
	}
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}

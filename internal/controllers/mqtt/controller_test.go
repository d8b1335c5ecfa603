package mqttctrl

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Agrid-Dev/thermalctl/internal/testutil"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.done == nil {
		t.done = make(chan struct{})
		close(t.done)
	}
	return t.done
}

func (t fakeToken) Wait() bool                       { return true }
func (t fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t fakeToken) Error() error                     { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	publishes []publishCall
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return fakeToken{} }
func (c *fakeClient) Disconnect(_ uint)      {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = append([]byte(nil), v...)
	case string:
		b = []byte(v)
	default:
		tmp, _ := json.Marshal(v)
		b = tmp
	}
	c.publishes = append(c.publishes, publishCall{
		topic: topic, qos: qos, retain: retained, payload: b,
	})
	return fakeToken{}
}
func (c *fakeClient) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(_ ...string) mqtt.Token       { return fakeToken{} }
func (c *fakeClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) topics() []string {
	out := make([]string, 0, len(c.publishes))
	for _, p := range c.publishes {
		out = append(out, p.topic)
	}
	return out
}

// ---- tests ----

func newController(t *testing.T, svc *testutil.FakeThermalService) (*Controller, *fakeClient) {
	t.Helper()
	c, err := New(svc, Config{Instance: "lab1"})
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeClient{}
	c.client = fc
	return c, fc
}

func TestNewDefaults(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, err := New(svc, Config{Instance: "lab1"})
	if err != nil {
		t.Fatal(err)
	}

	if c.cfg.BrokerURL != "tcp://localhost:1883" {
		t.Fatalf("expected default BrokerURL, got %q", c.cfg.BrokerURL)
	}
	if c.cfg.BaseTopic != "thermalctl/lab1" {
		t.Fatalf("expected default BaseTopic, got %q", c.cfg.BaseTopic)
	}
	if c.cfg.ClientID != "thermalctl-lab1" {
		t.Fatalf("expected default ClientID, got %q", c.cfg.ClientID)
	}
	if c.cfg.PublishInterval != 1*time.Second {
		t.Fatalf("expected default PublishInterval, got %v", c.cfg.PublishInterval)
	}
}

func TestNewValidation(t *testing.T) {
	svc := testutil.NewFakeThermalService()

	if _, err := New(svc, Config{}); err == nil {
		t.Fatal("expected error when Instance missing")
	}

	if _, err := New(svc, Config{Instance: "x", QoS: 2}); err == nil {
		t.Fatal("expected error when QoS > 1")
	}
}

func TestTopicJoin(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, err := New(svc, Config{Instance: "lab1", BaseTopic: "thermalctl/lab1/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.topic("devices"); got != "thermalctl/lab1/devices" {
		t.Fatalf("expected topic without double slashes, got %q", got)
	}
}

func TestDecodeValueStrict(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		v, err := decodeValueStrict[float64]([]byte(`{"value": 12.5}`))
		if err != nil {
			t.Fatal(err)
		}
		if v != 12.5 {
			t.Fatalf("expected 12.5, got %v", v)
		}
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := decodeValueStrict[float64]([]byte(`{}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := decodeValueStrict[string]([]byte(`{"value":"fan","extra":1}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := decodeValueStrict[string]([]byte(`{"value":`))
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOnMessage_IgnoresForeignTopics(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, _ := newController(t, svc)

	for _, topic := range []string{
		"otherprefix/devices/0/set/mode",
		"thermalctl/lab1/devices/x/set/mode",
		"thermalctl/lab1/devices/0/get/mode",
		"thermalctl/lab1/devices/0/set/mode/extra",
	} {
		c.onMessage(nil, fakeMessage{topic: topic, payload: []byte(`{"value":"fan"}`)})
	}

	if svc.Calls().SetModeCalled {
		t.Fatal("expected SetMode not called")
	}
}

func TestOnMessage_Mode(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, _ := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/1/set/mode",
		payload: []byte(`{"value":"fan"}`),
	})

	calls := svc.Calls()
	if !calls.SetModeCalled || calls.SetModeIndex != 1 || calls.SetModeArg != thermal.ModeFan {
		t.Fatalf("expected SetMode(1, fan), got %+v", calls)
	}
}

func TestOnMessage_ModeInvalid_DoesNotCallService(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, _ := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/mode",
		payload: []byte(`{"value":"turbo"}`),
	})

	if svc.Calls().SetModeCalled {
		t.Fatal("expected SetMode not called")
	}
}

func TestOnMessage_Threshold(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, _ := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/threshold",
		payload: []byte(`{"value":130}`),
	})

	calls := svc.Calls()
	if !calls.SetThresholdCalled || calls.SetThresholdIndex != 0 || calls.SetThresholdArg != 130 {
		t.Fatalf("expected SetThreshold(0, 130), got %+v", calls)
	}
}

func TestOnMessage_IdentityAndDebug(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, fc := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/id",
		payload: []byte(`{"value":"bench-b"}`),
	})
	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/1/set/debug",
		payload: []byte(`{"value":true}`),
	})
	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/debug",
		payload: []byte(`{"value":"on"}`),
	})

	if got := svc.Calls().SetID; got != "bench-b" {
		t.Fatalf("expected SetIdentity(bench-b), got %q", got)
	}
	if !svc.DebugFor(1) || svc.DebugFor(0) {
		t.Fatalf("expected debug only on device 1, got %v", svc.Debug)
	}
	if len(fc.publishes) != 0 {
		t.Fatalf("expected no publishes, got %d", len(fc.publishes))
	}
}

func TestOnMessage_RampPublishesJob(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, fc := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/ramp",
		payload: []byte(`{"value":55}`),
	})

	calls := svc.Calls()
	if !calls.StartRampCalled || calls.StartRampIndex != 0 || calls.StartRampTarget != 55 {
		t.Fatalf("expected StartRamp(0, 55), got %+v", calls)
	}
	if len(fc.publishes) != 1 || fc.publishes[0].topic != "thermalctl/lab1/jobs/job-1" {
		t.Fatalf("expected job publish, got %v", fc.topics())
	}
	var got map[string]any
	if err := json.Unmarshal(fc.publishes[0].payload, &got); err != nil {
		t.Fatalf("invalid published json: %v", err)
	}
	if got["state"] != "running" || got["target"] != 55.0 {
		t.Fatalf("unexpected job payload: %v", got)
	}
}

func TestOnMessage_RampRejected_PublishesNothing(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	svc.StartRampErr = thermal.ErrDeviceBusy
	c, fc := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/ramp",
		payload: []byte(`{"value":55}`),
	})

	if !svc.Calls().StartRampCalled {
		t.Fatal("expected StartRamp called")
	}
	if len(fc.publishes) != 0 {
		t.Fatalf("expected no publish, got %v", fc.topics())
	}
}

func TestOnMessage_ServiceError_IsIgnored(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	svc.SetThresholdErr = errors.New("boom")
	c, _ := newController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermalctl/lab1/devices/0/set/threshold",
		payload: []byte(`{"value":25}`),
	})

	if !svc.Calls().SetThresholdCalled {
		t.Fatal("expected SetThreshold called")
	}
}

func TestPublishChanges_FirstCallPublishesEverything(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, err := New(svc, Config{Instance: "lab1", QoS: 1, RetainState: true})
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeClient{}
	c.client = fc

	c.publishChanges()

	topics := fc.topics()
	if len(topics) != 2 || topics[0] != "thermalctl/lab1/devices" || topics[1] != "thermalctl/lab1/devices/0/temperature" {
		t.Fatalf("unexpected topics: %v", topics)
	}
	p := fc.publishes[0]
	if p.qos != 1 || p.retain != true {
		t.Fatalf("expected qos=1 retain=true, got qos=%d retain=%v", p.qos, p.retain)
	}

	var devices []map[string]any
	if err := json.Unmarshal(p.payload, &devices); err != nil {
		t.Fatalf("invalid published json: %v payload=%s", err, string(p.payload))
	}
	if len(devices) != 2 || devices[0]["dialect"] != "modern_ascii" || devices[1]["identity"] != "OldBoard" {
		t.Fatalf("unexpected devices payload: %v", devices)
	}

	var reading map[string]any
	if err := json.Unmarshal(fc.publishes[1].payload, &reading); err != nil {
		t.Fatal(err)
	}
	if reading["temperature"] != 23.5 {
		t.Fatalf("expected temperature 23.5, got %v", reading["temperature"])
	}
}

func TestPublishChanges_OnlyChanged(t *testing.T) {
	svc := testutil.NewFakeThermalService()
	c, fc := newController(t, svc)

	c.publishChanges()
	fc.publishes = nil

	c.publishChanges()
	if len(fc.publishes) != 0 {
		t.Fatalf("expected nothing republished, got %v", fc.topics())
	}

	at := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	svc.SetReadings([]thermal.Reading{
		{Index: 0, Temperature: 23.5, At: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{Index: 1, Temperature: 40, At: at},
	})
	svc.SetJobs([]thermal.Job{{ID: "j1", Index: 1, Target: 40, State: thermal.JobRunning}})

	c.publishChanges()
	topics := fc.topics()
	if len(topics) != 2 || topics[0] != "thermalctl/lab1/devices/1/temperature" || topics[1] != "thermalctl/lab1/jobs/j1" {
		t.Fatalf("unexpected topics: %v", topics)
	}

	fc.publishes = nil
	svc.SetJobs([]thermal.Job{{
		ID: "j1", Index: 1, Target: 40, State: thermal.JobSucceeded,
		Result: thermal.RampResult{Steps: []float64{40}, Converged: true},
	}})
	c.publishChanges()
	if len(fc.publishes) != 1 {
		t.Fatalf("expected finished job publish, got %v", fc.topics())
	}
	var job map[string]any
	if err := json.Unmarshal(fc.publishes[0].payload, &job); err != nil {
		t.Fatal(err)
	}
	if job["state"] != "succeeded" || job["converged"] != true {
		t.Fatalf("unexpected job payload: %v", job)
	}
}

// Package simulator implements in-memory thermal controllers that speak the
// LegacyASCII, ModernASCII and BinaryChecksum dialects over a transport.Port.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
	"github.com/Agrid-Dev/thermalctl/internal/transport"
)

const (
	Prompt = "ThermBot>"

	LegacyBaud = 9600
	ModernBaud = 115200

	stx = 0x02
	etx = 0x03

	disconnectedReading = -127.0
	implausibleReading  = -99.0
)

var ErrClosed = errors.New("simulator: port closed")

// Config describes one simulated physical port.
type Config struct {
	Name     string
	Dialect  thermal.Dialect
	Baud     int // line speed the device answers at; 0 means the dialect's native speed
	Firmware string
	Identity string
	IP       string
	MAC      string
	Temps    [2]float64
	Channel2 bool // a sensor is connected on channel 2
	// StrayPrefix emits the control byte some firmware puts before readings.
	StrayPrefix bool
	Model       ModelParams

	// Fault injection.
	Silent           bool
	LatePromptReads  int // receive calls that come back without the trailing prompt
	ImplausibleReads int // temperature reads answered with an implausible value
}

// Device is a simulated controller. It is safe for concurrent use.
type Device struct {
	mu    sync.Mutex
	cfg   Config
	model *Model

	baud       int
	open       bool
	temps      [2]float64
	setpoints  [2]float64
	thresholds [2]float64
	modes      [2]thermal.Mode

	pending     []byte
	late        []byte
	lateReads   int
	implausible int
	sent        []string
	nak         int
}

var (
	_ transport.Port       = (*Device)(nil)
	_ transport.BaudSetter = (*Device)(nil)
)

func New(cfg Config) (*Device, error) {
	if !cfg.Dialect.Valid() {
		return nil, fmt.Errorf("simulator: invalid dialect %v", cfg.Dialect)
	}
	if cfg.Model.Rate == 0 {
		cfg.Model.Rate = 5
	}
	if cfg.Model.Ambient == 0 {
		cfg.Model.Ambient = 20
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "2.1.4"
	}
	if cfg.Identity == "" {
		cfg.Identity = "sim"
	}
	model, err := NewModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:         cfg,
		model:       model,
		open:        true,
		temps:       cfg.Temps,
		setpoints:   cfg.Temps,
		modes:       [2]thermal.Mode{thermal.ModeIdle, thermal.ModeIdle},
		implausible: cfg.ImplausibleReads,
	}
	if d.cfg.Baud == 0 {
		d.cfg.Baud = ModernBaud
		if cfg.Dialect == thermal.DialectLegacyASCII {
			d.cfg.Baud = LegacyBaud
		}
	}
	d.baud = d.cfg.Baud
	return d, nil
}

func (d *Device) Name() string { return d.cfg.Name }

func (d *Device) SetBaudRate(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baud = baud
	d.pending = nil
	return nil
}

func (d *Device) Transmit(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	d.sent = append(d.sent, string(b))
	d.pending = nil
	d.late = nil
	if d.cfg.Silent {
		return nil
	}
	if d.baud != d.cfg.Baud {
		// wrong line speed: the UART sees noise
		d.pending = []byte{0xF0, 0x80, 0x8C}
		return nil
	}
	if d.cfg.Dialect == thermal.DialectBinaryChecksum {
		d.pending = d.handleFrame(b)
		return nil
	}
	if len(b) > 0 && b[0] == stx {
		d.pending = []byte("Unknown command\r\n" + Prompt)
		return nil
	}
	body, prompt := d.handleASCII(string(b))
	d.pending = body
	if d.cfg.LatePromptReads > 0 {
		d.late = prompt
		d.lateReads = d.cfg.LatePromptReads
	} else {
		d.pending = append(d.pending, prompt...)
	}
	return nil
}

func (d *Device) ReceiveRaw() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, ErrClosed
	}
	out := d.pending
	d.pending = nil
	if d.late != nil {
		if d.lateReads == 0 {
			out = append(out, d.late...)
			d.late = nil
		} else {
			d.lateReads--
		}
	}
	return out, nil
}

func (d *Device) ReceiveLines() ([]string, error) {
	b, err := d.ReceiveRaw()
	return transport.SplitLines(b), err
}

func (d *Device) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// reopen marks the port usable again at baud.
func (d *Device) reopen(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return fmt.Errorf("simulator: %s is busy", d.cfg.Name)
	}
	d.open = true
	d.baud = baud
	d.pending = nil
	return nil
}

// ---- ASCII dialects ----

func (d *Device) handleASCII(in string) (body, prompt []byte) {
	var sb strings.Builder
	cmds := strings.FieldsFunc(in, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, cmd := range cmds {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		sb.WriteString(cmd)
		sb.WriteString("\r\n")
		for _, line := range d.reply(cmd) {
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
	}
	return []byte(sb.String()), []byte(Prompt)
}

func (d *Device) reply(cmd string) []string {
	verb, arg, _ := strings.Cut(cmd, " ")
	ch := 0
	if strings.HasSuffix(verb, "2") {
		if d.cfg.Dialect != thermal.DialectModernASCII {
			return []string{"Unknown command"}
		}
		verb = strings.TrimSuffix(verb, "2")
		ch = 1
	}
	legacy := d.cfg.Dialect == thermal.DialectLegacyASCII

	switch verb {
	case "tinfo":
		if legacy {
			return []string{"ThermBot heater controller"}
		}
		return []string{fmt.Sprintf("ThermBot channel %d", ch+1)}
	case "gettemp":
		return []string{d.readASCII(ch, legacy)}
	case "settemp":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return []string{"Bad argument"}
		}
		d.setpoints[ch] = v
		return []string{"Target temperature set to " + arg}
	case "setthresh":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return []string{"Bad argument"}
		}
		d.thresholds[ch] = v
		return []string{"Threshold set to " + arg}
	case "setmode":
		m, err := thermal.ParseMode(arg)
		if err != nil || (legacy && m == thermal.ModePeltier) {
			return []string{"Unknown mode"}
		}
		d.modes[ch] = m
		return []string{"Mode set to " + arg}
	case "isstable":
		return []string{strconv.FormatBool(math.Abs(d.temps[ch]-d.setpoints[ch]) < 1)}
	}

	if legacy {
		return []string{"Unknown command"}
	}
	switch verb {
	case "getsensor":
		return []string{"Sensor: thermocouple OK"}
	case "version":
		return []string{"e368 Version " + d.cfg.Firmware}
	case "getid":
		return []string{fmt.Sprintf("Device ID: %q", d.cfg.Identity)}
	case "dispip":
		return []string{"Current IP Address: " + d.cfg.IP}
	case "getmac":
		return []string{"MAC " + d.cfg.MAC}
	case "setip":
		d.cfg.IP = arg
		return []string{"Saved IP address " + arg}
	case "setid":
		d.cfg.Identity = arg
		return []string{"Setting ID to " + arg}
	case "setmac":
		d.cfg.MAC = arg
		return []string{"Saved MAC address " + arg}
	}
	return []string{"Unknown command"}
}

func (d *Device) regulating(ch int) bool {
	return d.modes[ch] == thermal.ModePeltier || d.modes[ch] == thermal.ModeAuto
}

func (d *Device) readASCII(ch int, legacy bool) string {
	if ch == 1 && !d.cfg.Channel2 {
		return fmt.Sprintf("%.2f", disconnectedReading)
	}
	v := d.tick(ch, d.regulating(ch))
	if legacy {
		return strconv.Itoa(int(math.Round(v * 100)))
	}
	s := fmt.Sprintf("%.2f", v)
	if d.cfg.StrayPrefix {
		s = "\x01" + s
	}
	return s
}

func (d *Device) tick(ch int, regulating bool) float64 {
	if d.implausible > 0 {
		d.implausible--
		return implausibleReading
	}
	d.temps[ch] = d.model.Step(d.temps[ch], d.setpoints[ch], regulating)
	return d.temps[ch]
}

// ---- BinaryChecksum dialect ----

func (d *Device) handleFrame(b []byte) []byte {
	s := strings.TrimRight(string(b), "\r\n")
	if len(s) < 2 || s[0] != stx || s[len(s)-1] != etx {
		return nil
	}
	body := s[1 : len(s)-1]
	switch {
	case body == "L0100C1":
		return readingFrame(d.tick(0, true))
	case strings.HasPrefix(body, "L010200") && len(body) == 15:
		digits, sign, sum := body[7:11], body[11:13], body[13:15]
		tenths, err := strconv.Atoi(digits)
		if err != nil || (sign != "00" && sign != "FF") || sum != frameChecksum(digits, sign == "FF") {
			d.nak++
			return []byte("\x02LNAK\x03")
		}
		v := float64(tenths) / 10
		if sign == "FF" {
			v = -v
		}
		d.setpoints[0] = v
		return []byte("\x02L010200\x03")
	}
	return nil
}

// frameChecksum mirrors the controller's checksum: base plus digit values,
// rendered in hex, keeping the two low characters.
func frameChecksum(digits string, negative bool) string {
	sum := 579
	if negative {
		sum = 623
	}
	for _, c := range digits {
		sum += int(c - '0')
	}
	h := fmt.Sprintf("%03X", sum)
	return h[len(h)-2:]
}

func readingFrame(v float64) []byte {
	sign := byte('4')
	if v < 0 {
		sign = '8'
	}
	digits := fmt.Sprintf("%04d", int(math.Round(math.Abs(v)*10)))
	frame := "\x02L01000" + string(sign) + digits + frameChecksum(digits, v < 0) + "\x03"
	return []byte(frame)
}

// ---- inspection ----

func (d *Device) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *Device) Temperature(ch thermal.Channel) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temps[int(ch)-1]
}

func (d *Device) SetTemperature(ch thermal.Channel, v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temps[int(ch)-1] = v
}

func (d *Device) Setpoint(ch thermal.Channel) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setpoints[int(ch)-1]
}

func (d *Device) Threshold(ch thermal.Channel) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholds[int(ch)-1]
}

func (d *Device) Mode(ch thermal.Channel) thermal.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modes[int(ch)-1]
}

func (d *Device) Identity() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Identity
}

func (d *Device) Network() (ip, mac string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.IP, d.cfg.MAC
}

func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Rejected counts binary set frames refused for a bad checksum or shape.
func (d *Device) Rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nak
}

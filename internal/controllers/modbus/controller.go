package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/thermalctl/internal/ports"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Register map. Device i owns input register i, coil i and the holding
// registers starting at i*HoldingStride.
//
//	IR  i                 last temperature x100 (NoReading when none)
//	HR  i*stride+0        ramp target x100; a write starts a ramp
//	HR  i*stride+1        mode (thermal.Mode); a write applies it
//	HR  i*stride+2        safety threshold x100; a write applies it
//	Coil i (read)         ramp job running
//	Coil i (write 0xFF00) refresh the temperature reading
const (
	HoldingStride = 3

	regRampTarget = 0
	regMode       = 1
	regThreshold  = 2
)

// NoReading is reported in an input register when the device has not been read yet.
const NoReading uint16 = 0x8000

// Config for the Modbus controller.
type Config struct {
	Addr   string
	UnitID byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.

	Logger *slog.Logger
}

type Controller struct {
	svc ports.ThermalService
	cfg Config
	log *slog.Logger

	serv *mbserver.Server
	ctx  context.Context

	// last values written to holding registers, echoed back on read
	mu      sync.Mutex
	holding map[int]uint16
}

func New(svc ports.ThermalService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		svc:     svc,
		cfg:     cfg,
		log:     log.With("controller", "modbus"),
		ctx:     context.Background(),
		holding: map[int]uint16{},
	}, nil
}

// Run starts the Modbus server and registers handlers that serve reads from
// the thermal service and apply writes immediately. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHolding)
	serv.RegisterFunctionHandler(4, c.readInput)
	serv.RegisterFunctionHandler(5, c.writeCoil)
	serv.RegisterFunctionHandler(6, c.writeSingle)
	serv.RegisterFunctionHandler(16, c.writeMultiple)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// Read Coils (function 1): one bit per device, set while a ramp job runs.
func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := readRange(frame.GetData(), 2000)
	if ex != nil {
		return []byte{}, ex
	}
	if start+qty > len(c.svc.Devices()) {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	running := map[int]bool{}
	for _, j := range c.svc.Jobs() {
		if j.State == thermal.JobRunning {
			running[j.Index] = true
		}
	}
	resp := make([]byte, 1+(qty+7)/8)
	resp[0] = byte(len(resp) - 1)
	for i := 0; i < qty; i++ {
		if running[start+i] {
			resp[1+i/8] |= 1 << (i % 8)
		}
	}
	return resp, &mbserver.Success
}

// Read Holding Registers (function 3).
func (c *Controller) readHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := readRange(frame.GetData(), 125)
	if ex != nil {
		return []byte{}, ex
	}
	if start+qty > len(c.svc.Devices())*HoldingStride {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	c.mu.Lock()
	regs := make([]uint16, qty)
	for i := range regs {
		regs[i] = c.holding[start+i]
	}
	c.mu.Unlock()
	return encodeRegisters(regs), &mbserver.Success
}

// Read Input Registers (function 4): last temperature per device.
func (c *Controller) readInput(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := readRange(frame.GetData(), 125)
	if ex != nil {
		return []byte{}, ex
	}
	if start+qty > len(c.svc.Devices()) {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	last := map[int]float64{}
	for _, r := range c.svc.Readings() {
		last[r.Index] = r.Temperature
	}
	regs := make([]uint16, qty)
	for i := range regs {
		v, ok := last[start+i]
		if !ok {
			regs[i] = NoReading
			continue
		}
		regs[i] = encodeTemp(v)
	}
	return encodeRegisters(regs), &mbserver.Success
}

// Write Single Coil (function 5): ON refreshes the device reading, OFF is a no-op.
func (c *Controller) writeCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	if addr >= len(c.svc.Devices()) {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	switch value {
	case 0x0000:
	case 0xFF00:
		if _, err := c.svc.Temperature(c.ctx, addr); err != nil {
			return []byte{}, c.exception(err)
		}
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Single Register (function 6)
func (c *Controller) writeSingle(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	if ex := c.applyHolding(addr, value); ex != nil {
		return []byte{}, ex
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Multiple Registers (function 16)
func (c *Controller) writeMultiple(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if ex := c.applyHolding(int(start)+i, val); ex != nil {
			return []byte{}, ex
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) applyHolding(addr int, value uint16) *mbserver.Exception {
	if addr >= len(c.svc.Devices())*HoldingStride {
		return &mbserver.IllegalDataAddress
	}
	index := addr / HoldingStride

	var err error
	switch addr % HoldingStride {
	case regRampTarget:
		var job thermal.Job
		job, err = c.svc.StartRamp(index, decodeTemp(value))
		if err == nil {
			c.log.Info("ramp started", "index", index, "job", job.ID, "target", job.Target)
		}
	case regMode:
		m := thermal.Mode(value)
		if !m.Valid() {
			return &mbserver.IllegalDataValue
		}
		err = c.svc.SetMode(c.ctx, index, m)
	case regThreshold:
		err = c.svc.SetThreshold(c.ctx, index, decodeTemp(value))
	}
	if err != nil {
		c.log.Warn("register write failed", "addr", addr, "index", index, "err", err)
		return c.exception(err)
	}

	c.mu.Lock()
	c.holding[addr] = value
	c.mu.Unlock()
	return nil
}

func (c *Controller) exception(err error) *mbserver.Exception {
	switch {
	case errors.Is(err, thermal.ErrDeviceNotFound):
		return &mbserver.IllegalDataAddress
	case errors.Is(err, thermal.ErrInvalidArgument), errors.Is(err, thermal.ErrInvalidMode):
		return &mbserver.IllegalDataValue
	case errors.Is(err, thermal.ErrDeviceBusy):
		return &mbserver.SlaveDeviceBusy
	default:
		return &mbserver.SlaveDeviceFailure
	}
}

func readRange(data []byte, maxQty int) (start, qty int, ex *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(data[0:2]))
	qty = int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	return start, qty, nil
}

// encodeRegisters builds a read response: byte count + register bytes.
func encodeRegisters(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

const TemperatureScale int = 100

func encodeTemp(v float64) uint16 {
	r := min(max(int(math.Round(v*float64(TemperatureScale))), math.MinInt16+1), math.MaxInt16)
	return uint16(int16(r))
}

func decodeTemp(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(TemperatureScale)
}

// Package protocol translates logical thermal commands into the wire format of
// each device dialect and decodes the replies.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Agrid-Dev/thermalctl/internal/metrics"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
	"github.com/Agrid-Dev/thermalctl/internal/transport"
)

// Prompt terminates every complete ASCII response.
const Prompt = "ThermBot>"

type Timing struct {
	CommandDelay time.Duration // wait after sending an ASCII command
	RetryDelay   time.Duration // wait before each extra read
	MaxRetries   int
	BinaryDelay  time.Duration // wait after sending a binary frame
}

func DefaultTiming() Timing {
	return Timing{
		CommandDelay: 100 * time.Millisecond,
		RetryDelay:   150 * time.Millisecond,
		MaxRetries:   10,
		BinaryDelay:  100 * time.Millisecond,
	}
}

// Response is the decoded result of a command. Only the fields relevant to
// the command's Op are set.
type Response struct {
	Lines       []string
	Temperature float64
	Version     thermal.Version
	Text        string
	Stable      bool
	// Skipped is set when the dialect has no equivalent for the command.
	Skipped bool
}

// Client performs command/response cycles against device records. Records
// sharing a port (both channels of a ModernASCII board) are serialised: one
// command cycle owns the port from transmit to the last receive.
type Client struct {
	timing Timing
	log    *slog.Logger

	mu    sync.Mutex
	locks map[transport.Port]*sync.Mutex
}

func NewClient(timing Timing, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{timing: timing, log: log, locks: map[transport.Port]*sync.Mutex{}}
}

// lock claims port for one command cycle and returns the release func.
func (c *Client) lock(port transport.Port) func() {
	c.mu.Lock()
	l, ok := c.locks[port]
	if !ok {
		l = &sync.Mutex{}
		c.locks[port] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Do executes cmd on rec. Errors wrap one of ErrMalformedArguments,
// ErrProtocol or a context error.
func (c *Client) Do(ctx context.Context, rec *thermal.DeviceRecord, cmd thermal.Command) (Response, error) {
	labels := []string{rec.Dialect.String(), cmd.Op.String()}
	metrics.Commands.WithLabelValues(labels...).Inc()

	if rec.Port != nil {
		defer c.lock(rec.Port)()
	}
	resp, err := c.do(ctx, rec, cmd)
	if err != nil {
		metrics.CommandErrors.WithLabelValues(labels...).Inc()
		if !errors.Is(err, thermal.ErrMalformedArguments) && !errors.Is(err, thermal.ErrProtocol) &&
			ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", thermal.ErrProtocol, err)
		}
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, rec *thermal.DeviceRecord, cmd thermal.Command) (Response, error) {
	if err := cmd.Validate(); err != nil {
		return Response{}, err
	}
	if rec.Port == nil {
		return Response{}, fmt.Errorf("%w: device %d has no port", thermal.ErrProtocol, rec.Index)
	}
	switch rec.Dialect {
	case thermal.DialectBinaryChecksum:
		switch cmd.Op {
		case thermal.OpGetTemp:
			v, err := c.readBinary(ctx, rec)
			return Response{Temperature: v}, err
		case thermal.OpSetTemp:
			return Response{}, c.writeBinary(ctx, rec, math.Round(cmd.Value))
		default:
			return Response{Skipped: true}, nil
		}
	case thermal.DialectLegacyASCII, thermal.DialectModernASCII:
		return c.doASCII(ctx, rec, cmd)
	default:
		return Response{}, fmt.Errorf("%w: unknown dialect %v", thermal.ErrProtocol, rec.Dialect)
	}
}

// Exchange sends one ASCII command and collects the reply, re-reading until the
// prompt arrives or the retry budget is spent. An unterminated reply is
// returned as-is; callers validate its shape. Exchange does not lock the
// port; it runs inside Do's cycle.
func (c *Client) Exchange(ctx context.Context, rec *thermal.DeviceRecord, command string) ([]string, error) {
	if err := rec.Port.Transmit([]byte(command + "\r")); err != nil {
		return nil, fmt.Errorf("%w: transmit %q: %w", thermal.ErrProtocol, command, err)
	}
	if err := Wait(ctx, c.timing.CommandDelay); err != nil {
		return nil, err
	}
	lines, err := rec.Port.ReceiveLines()
	if err != nil {
		return lines, fmt.Errorf("%w: receive: %w", thermal.ErrProtocol, err)
	}
	for retry := 0; !Terminated(lines) && retry < c.timing.MaxRetries; retry++ {
		c.log.Info("waiting longer for device response",
			"device", rec.Index, "command", command, "wait", c.timing.RetryDelay)
		metrics.ResponseRetries.WithLabelValues(rec.Dialect.String()).Inc()
		if err := Wait(ctx, c.timing.RetryDelay); err != nil {
			return lines, err
		}
		more, err := rec.Port.ReceiveLines()
		if err != nil {
			return lines, fmt.Errorf("%w: receive: %w", thermal.ErrProtocol, err)
		}
		lines = append(lines, more...)
	}
	if !Terminated(lines) {
		metrics.UnterminatedResponses.WithLabelValues(rec.Dialect.String()).Inc()
		c.log.Warn("device response not terminated by prompt", "device", rec.Index, "command", command)
	}
	if rec.Debug() {
		c.log.Info("device buffer", "device", rec.Index, "command", command, "lines", lines)
	}
	return lines, nil
}

// Terminated reports whether lines end with the device prompt.
func Terminated(lines []string) bool {
	return len(lines) > 0 && lines[len(lines)-1] == Prompt
}

func (c *Client) readBinary(ctx context.Context, rec *thermal.DeviceRecord) (float64, error) {
	raw, err := c.frame(ctx, rec, ReadFrame)
	if err != nil {
		return 0, err
	}
	if rec.Debug() {
		c.log.Info("device frame", "device", rec.Index, "raw", fmt.Sprintf("%q", raw))
	}
	return DecodeReading(raw)
}

func (c *Client) writeBinary(ctx context.Context, rec *thermal.DeviceRecord, v float64) error {
	frame, err := EncodeSetFrame(v)
	if err != nil {
		return err
	}
	if err := rec.Port.Transmit(frame); err != nil {
		return fmt.Errorf("%w: transmit set frame: %w", thermal.ErrProtocol, err)
	}
	// the controller answers a set frame; a read cycle flushes that reply
	_, err = c.frame(ctx, rec, ReadFrame)
	return err
}

func (c *Client) frame(ctx context.Context, rec *thermal.DeviceRecord, frame []byte) ([]byte, error) {
	if err := rec.Port.Transmit(frame); err != nil {
		return nil, fmt.Errorf("%w: transmit frame: %w", thermal.ErrProtocol, err)
	}
	if err := Wait(ctx, c.timing.BinaryDelay); err != nil {
		return nil, err
	}
	raw, err := rec.Port.ReceiveRaw()
	if err != nil {
		return raw, fmt.Errorf("%w: receive frame: %w", thermal.ErrProtocol, err)
	}
	return raw, nil
}

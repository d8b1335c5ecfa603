package protocol

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// Labels returned by LegacyASCII devices, which cannot report them.
const (
	LegacyIdentity = "OldBoard"
	NotAvailable   = "N/A"
)

// verb returns the command token for rec's channel: channel 2 appends "2".
func verb(rec *thermal.DeviceRecord, base string) string {
	if rec.Channel == thermal.Channel2 {
		return base + "2"
	}
	return base
}

// intArg rounds v for transmission; fractional values can hang the firmware.
func intArg(v float64) string {
	return strconv.Itoa(int(math.Round(v)))
}

func modeToken(m thermal.Mode) string {
	switch m {
	case thermal.ModePeltier:
		return "pelt"
	case thermal.ModeAuto:
		return "auto"
	case thermal.ModeFan:
		return "fanon"
	default:
		return "idle"
	}
}

func (c *Client) doASCII(ctx context.Context, rec *thermal.DeviceRecord, cmd thermal.Command) (Response, error) {
	legacy := rec.Dialect == thermal.DialectLegacyASCII

	switch cmd.Op {
	case thermal.OpGetTemp:
		lines, err := c.Exchange(ctx, rec, verb(rec, "gettemp"))
		if err != nil {
			return Response{Lines: lines}, err
		}
		line, err := payload(lines)
		if err != nil {
			return Response{Lines: lines}, err
		}
		v, err := ParseTemperature(line)
		if err != nil {
			return Response{Lines: lines}, err
		}
		if legacy {
			v /= 100 // hundredths of a degree
		}
		return Response{Lines: lines, Temperature: v}, nil

	case thermal.OpSetTemp:
		return c.simple(ctx, rec, verb(rec, "settemp")+" "+intArg(cmd.Value))

	case thermal.OpSetThreshold:
		return c.simple(ctx, rec, verb(rec, "setthresh")+" "+intArg(cmd.Value))

	case thermal.OpSetMode:
		m := cmd.Mode
		if legacy && m == thermal.ModePeltier {
			c.log.Warn("peltier mode unavailable on legacy board, using auto", "device", rec.Index)
			m = thermal.ModeAuto
		}
		return c.simple(ctx, rec, verb(rec, "setmode")+" "+modeToken(m))

	case thermal.OpIsStable:
		lines, err := c.Exchange(ctx, rec, verb(rec, "isstable"))
		if err != nil {
			return Response{Lines: lines}, err
		}
		line, err := payload(lines)
		if err != nil {
			return Response{Lines: lines}, err
		}
		return Response{Lines: lines, Stable: strings.TrimSpace(line) == "true"}, nil

	case thermal.OpGetSensor:
		return c.query(ctx, rec, verb(rec, "getsensor"), func(line string) (string, bool) {
			return strings.TrimSpace(line), true
		})

	case thermal.OpGetVersion:
		if legacy {
			return Response{Version: thermal.SentinelVersion, Text: thermal.SentinelVersion.String()}, nil
		}
		resp, err := c.query(ctx, rec, "version", func(line string) (string, bool) {
			// "<model> Version a.b.c"
			return word(line, 2), strings.Contains(word(line, 1), "Version")
		})
		if err != nil {
			return resp, err
		}
		v, err := thermal.ParseVersion(resp.Text)
		if err != nil {
			return resp, fmt.Errorf("%w: %w", thermal.ErrProtocol, err)
		}
		resp.Version = v
		return resp, nil

	case thermal.OpGetID:
		if legacy {
			return Response{Text: LegacyIdentity}, nil
		}
		return c.query(ctx, rec, "getid", func(line string) (string, bool) {
			// Device ID: "name"
			return strings.Trim(word(line, 2), `"`), strings.Contains(word(line, 0), "Device")
		})

	case thermal.OpGetIP:
		if legacy {
			return Response{Text: NotAvailable}, nil
		}
		return c.query(ctx, rec, "dispip", func(line string) (string, bool) {
			return word(line, 3), strings.Contains(word(line, 1), "IP")
		})

	case thermal.OpGetMAC:
		if legacy {
			return Response{Text: NotAvailable}, nil
		}
		return c.query(ctx, rec, "getmac", func(line string) (string, bool) {
			return word(line, 1), strings.Contains(word(line, 0), "MAC")
		})

	case thermal.OpSetIP:
		return c.configure(ctx, rec, legacy, "setip", cmd.Text, "Saved")
	case thermal.OpSetID:
		return c.configure(ctx, rec, legacy, "setid", cmd.Text, "Setting")
	case thermal.OpSetMAC:
		return c.configure(ctx, rec, legacy, "setmac", cmd.Text, "Saved")
	}
	return Response{}, fmt.Errorf("%w: unhandled op %s", thermal.ErrMalformedArguments, cmd.Op)
}

// simple sends a command whose reply carries nothing the caller needs.
func (c *Client) simple(ctx context.Context, rec *thermal.DeviceRecord, command string) (Response, error) {
	lines, err := c.Exchange(ctx, rec, command)
	return Response{Lines: lines}, err
}

// query sends command and extracts a field from the payload line. ok=false
// means the line does not have the expected shape.
func (c *Client) query(ctx context.Context, rec *thermal.DeviceRecord, command string,
	extract func(line string) (string, bool)) (Response, error) {
	lines, err := c.Exchange(ctx, rec, command)
	if err != nil {
		return Response{Lines: lines}, err
	}
	line, err := payload(lines)
	if err != nil {
		return Response{Lines: lines}, err
	}
	text, ok := extract(line)
	if !ok || text == "" {
		return Response{Lines: lines}, fmt.Errorf("%w: unexpected reply to %q: %q", thermal.ErrProtocol, command, line)
	}
	return Response{Lines: lines, Text: text}, nil
}

func (c *Client) configure(ctx context.Context, rec *thermal.DeviceRecord, legacy bool,
	command, arg, confirm string) (Response, error) {
	if legacy {
		return Response{}, fmt.Errorf("%w: %w: %s on legacy board", thermal.ErrProtocol, thermal.ErrUnsupported, command)
	}
	return c.query(ctx, rec, command+" "+arg, func(line string) (string, bool) {
		return strings.TrimSpace(line), strings.Contains(word(line, 0), confirm)
	})
}

// payload returns the reply line following the command echo.
func payload(lines []string) (string, error) {
	if len(lines) < 2 {
		return "", fmt.Errorf("%w: short response %q", thermal.ErrProtocol, lines)
	}
	return lines[1], nil
}

func word(line string, i int) string {
	f := strings.Fields(line)
	if i >= len(f) {
		return ""
	}
	return f[i]
}

// ParseTemperature parses a reading, dropping one stray leading byte that
// some firmware emits (rendered as '?' by the line splitter).
func ParseTemperature(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s != "" && !startsNumeric(s[0]) {
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad temperature %q", thermal.ErrProtocol, s)
	}
	return v, nil
}

func startsNumeric(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.'
}

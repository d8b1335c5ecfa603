package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const (
	DefaultTelnetPort = "23"

	telnetIAC  = 0xFF
	telnetSB   = 0xFA
	telnetSE   = 0xF0
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// NetworkPort is a Port over a TCP connection to a network-attached controller.
type NetworkPort struct {
	name        string
	conn        net.Conn
	readTimeout time.Duration
}

// DialNetwork connects to addr, adding the telnet port when none is given.
func DialNetwork(ctx context.Context, addr string, readTimeout time.Duration) (*NetworkPort, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultTelnetPort)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &NetworkPort{name: addr, conn: conn, readTimeout: readTimeout}, nil
}

func (n *NetworkPort) Name() string { return n.name }

func (n *NetworkPort) Transmit(b []byte) error {
	if err := n.Clear(); err != nil {
		return err
	}
	if _, err := n.conn.Write(b); err != nil {
		return fmt.Errorf("net %s write: %w", n.name, err)
	}
	return nil
}

func (n *NetworkPort) ReceiveRaw() ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunk)
	for {
		if err := n.conn.SetReadDeadline(time.Now().Add(n.readTimeout)); err != nil {
			return out, fmt.Errorf("net %s deadline: %w", n.name, err)
		}
		k, err := n.conn.Read(buf)
		out = append(out, buf[:k]...)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return n.negotiate(out), nil
			}
			return n.negotiate(out), fmt.Errorf("net %s read: %w", n.name, err)
		}
	}
}

func (n *NetworkPort) ReceiveLines() ([]string, error) {
	b, err := n.ReceiveRaw()
	return SplitLines(b), err
}

// Clear drops anything the peer sent since the last read.
func (n *NetworkPort) Clear() error {
	if err := n.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return fmt.Errorf("net %s deadline: %w", n.name, err)
	}
	buf := make([]byte, readChunk)
	for {
		if _, err := n.conn.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func (n *NetworkPort) Close() error {
	return n.conn.Close()
}

// negotiate strips telnet option sequences from b, refusing every option the
// peer offers so the session stays in plain NVT mode.
func (n *NetworkPort) negotiate(b []byte) []byte {
	data, replies := StripTelnet(b)
	if len(replies) > 0 {
		_, _ = n.conn.Write(replies)
	}
	return data
}

// StripTelnet removes IAC sequences from b and returns the refusals to send back.
func StripTelnet(b []byte) (data, replies []byte) {
	data = make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != telnetIAC {
			data = append(data, c)
			continue
		}
		if i+1 >= len(b) {
			break
		}
		cmd := b[i+1]
		switch {
		case cmd == telnetIAC:
			data = append(data, telnetIAC)
			i++
		case cmd == telnetSB:
			j := i + 2
			for j+1 < len(b) && !(b[j] == telnetIAC && b[j+1] == telnetSE) {
				j++
			}
			i = j + 1
		case cmd >= telnetWILL && cmd <= telnetDONT:
			if i+2 < len(b) {
				opt := b[i+2]
				switch cmd {
				case telnetWILL:
					replies = append(replies, telnetIAC, telnetDONT, opt)
				case telnetDO:
					replies = append(replies, telnetIAC, telnetWONT, opt)
				}
			}
			i += 2
		default:
			i++
		}
	}
	return data, replies
}

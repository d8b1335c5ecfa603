package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripTelnet(t *testing.T) {
	tests := []struct {
		name        string
		in          []byte
		wantData    []byte
		wantReplies []byte
	}{
		{
			name:     "plain",
			in:       []byte("ThermBot>"),
			wantData: []byte("ThermBot>"),
		},
		{
			name:        "will is refused with dont",
			in:          []byte{telnetIAC, telnetWILL, 1, 'o', 'k'},
			wantData:    []byte("ok"),
			wantReplies: []byte{telnetIAC, telnetDONT, 1},
		},
		{
			name:        "do is refused with wont",
			in:          []byte{'a', telnetIAC, telnetDO, 24, 'b'},
			wantData:    []byte("ab"),
			wantReplies: []byte{telnetIAC, telnetWONT, 24},
		},
		{
			name:     "wont and dont need no reply",
			in:       []byte{telnetIAC, telnetWONT, 1, telnetIAC, telnetDONT, 3, 'x'},
			wantData: []byte("x"),
		},
		{
			name:     "subnegotiation skipped",
			in:       []byte{'a', telnetIAC, telnetSB, 31, 0, 80, telnetIAC, telnetSE, 'b'},
			wantData: []byte("ab"),
		},
		{
			name:     "escaped iac",
			in:       []byte{'a', telnetIAC, telnetIAC, 'b'},
			wantData: []byte{'a', telnetIAC, 'b'},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, replies := StripTelnet(tt.in)
			assert.Equal(t, tt.wantData, data)
			assert.Equal(t, tt.wantReplies, replies)
		})
	}
}

func TestNetworkPortExchange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	refusal := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		cmd, err := r.ReadString('\r')
		if err != nil {
			return
		}
		reply := []byte{telnetIAC, telnetWILL, 1}
		reply = append(reply, []byte(cmd[:len(cmd)-1]+"\r\n23.50\r\nThermBot>")...)
		if _, err := conn.Write(reply); err != nil {
			return
		}
		buf := make([]byte, 3)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		refusal <- buf
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port, err := DialNetwork(ctx, ln.Addr().String(), 200*time.Millisecond)
	require.NoError(t, err)
	defer port.Close()
	assert.Equal(t, ln.Addr().String(), port.Name())

	require.NoError(t, port.Transmit([]byte("gettemp\r")))
	lines, err := port.ReceiveLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"gettemp", "23.50", "ThermBot>"}, lines)

	select {
	case got := <-refusal:
		assert.Equal(t, []byte{telnetIAC, telnetDONT, 1}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no telnet refusal received")
	}
}

func TestDialNetworkAddsTelnetPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialNetwork(ctx, "192.0.2.1", time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "192.0.2.1:23")
}

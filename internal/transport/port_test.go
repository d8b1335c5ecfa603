package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []string
	}{
		{"empty", nil, nil},
		{"prompt only", []byte("ThermBot>"), []string{"ThermBot>"}},
		{"crlf", []byte("gettemp\r\n23.50\r\nThermBot>"), []string{"gettemp", "23.50", "ThermBot>"}},
		{"blank runs collapse", []byte("\n\n\r\ntinfo\r\n\r\nok\n"), []string{"tinfo", "ok"}},
		{"nul elided", []byte("23\x00.5\x00\r\n"), []string{"23.5"}},
		{"non printable", []byte("\x0123.50\r\n\xF0x"), []string{"?23.50", "?x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitLines(tt.in))
		})
	}
}

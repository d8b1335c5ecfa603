package protocol

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

const (
	frameStart = 0x02
	frameEnd   = 0x03

	checksumBasePositive = 579
	checksumBaseNegative = 623

	signPositive = "00"
	signNegative = "FF"

	// readingSignPositive is the sign nibble a reply carries for values >= 0.
	readingSignPositive = '4'
	readingSignOffset   = 7
	readingDigitsOffset = 8
	readingMinLength    = readingDigitsOffset + 4
)

var (
	// ReadFrame asks a BinaryChecksum controller for its temperature.
	ReadFrame = []byte("\x02L0100C1\x03")
	// ProbeFrame is ReadFrame with the line terminators used during discovery.
	ProbeFrame = []byte("\x02L0100C1\x03\n\r")
)

// Checksum returns the two checksum characters for a 4-digit payload.
func Checksum(digits string, negative bool) (string, error) {
	if len(digits) != 4 {
		return "", fmt.Errorf("%w: checksum needs 4 digits, got %q", thermal.ErrMalformedArguments, digits)
	}
	sum := checksumBasePositive
	if negative {
		sum = checksumBaseNegative
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: non-digit in %q", thermal.ErrMalformedArguments, digits)
		}
		sum += int(c - '0')
	}
	h := fmt.Sprintf("%X", sum)
	return h[1:3], nil
}

// encodeDigits renders |v| in tenths as four zero-padded digits.
func encodeDigits(v float64) (string, bool, error) {
	negative := v < 0
	tenths := int(math.Round(math.Abs(v) * 10))
	if tenths > 9999 {
		return "", false, fmt.Errorf("%w: %v does not fit the frame", thermal.ErrMalformedArguments, v)
	}
	return fmt.Sprintf("%04d", tenths), negative, nil
}

// EncodeSetFrame builds the set-point frame for v.
func EncodeSetFrame(v float64) ([]byte, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %v", thermal.ErrMalformedArguments, v)
	}
	digits, negative, err := encodeDigits(v)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(digits, negative)
	if err != nil {
		return nil, err
	}
	sign := signPositive
	if negative {
		sign = signNegative
	}
	var b bytes.Buffer
	b.WriteByte(frameStart)
	b.WriteString("L010200")
	b.WriteString(digits)
	b.WriteString(sign)
	b.WriteString(sum)
	b.WriteByte(frameEnd)
	return b.Bytes(), nil
}

// EncodeReading builds the reply frame a controller sends for temperature v.
func EncodeReading(v float64) ([]byte, error) {
	digits, negative, err := encodeDigits(v)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(digits, negative)
	if err != nil {
		return nil, err
	}
	sign := byte(readingSignPositive)
	if negative {
		sign = '8'
	}
	var b bytes.Buffer
	b.WriteByte(frameStart)
	b.WriteString("L01000")
	b.WriteByte(sign)
	b.WriteString(digits)
	b.WriteString(sum)
	b.WriteByte(frameEnd)
	return b.Bytes(), nil
}

// DecodeReading extracts the temperature from the first line of a reply frame.
func DecodeReading(raw []byte) (float64, error) {
	line := raw
	if i := bytes.IndexAny(raw, "\r\n"); i >= 0 {
		line = raw[:i]
	}
	if len(line) < readingMinLength {
		return 0, fmt.Errorf("%w: short reading frame %q", thermal.ErrProtocol, raw)
	}
	digits := line[readingDigitsOffset:readingMinLength]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: bad reading digits %q", thermal.ErrProtocol, digits)
		}
	}
	whole := digits[:3]
	if digits[0] == '0' {
		whole = digits[1:3]
	}
	s := string(whole) + "." + string(digits[3])
	if line[readingSignOffset] != readingSignPositive {
		s = "-" + s
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", thermal.ErrProtocol, err)
	}
	return v, nil
}

// IsBinaryReply reports whether raw starts like a BinaryChecksum reply.
func IsBinaryReply(raw []byte) bool {
	return len(raw) >= 2 && raw[0] == frameStart && raw[1] == 'L'
}

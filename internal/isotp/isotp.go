// Package isotp frames diagnostic payloads as ISO 15765-2 single, first and
// consecutive frames, in the hex text form an ELM327 takes with CAN auto
// formatting off.
package isotp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	maxSingle  = 7
	firstData  = 6
	consecData = 7
	maxPayload = 0xFFF
)

var (
	ErrEmptyPayload = errors.New("isotp: empty payload")
	ErrBadPayload   = errors.New("isotp: payload is not hex bytes")
	ErrTooLong      = errors.New("isotp: payload exceeds 4095 bytes")
	ErrNoFrames     = errors.New("isotp: no frames")
	ErrSequence     = errors.New("isotp: consecutive frame out of sequence")
	ErrTruncated    = errors.New("isotp: message truncated")
	ErrFrameType    = errors.New("isotp: unexpected frame type")
)

// Codec implements elm.Codec.
type Codec struct{}

// Encode turns a hex payload such as "22 F1 90" into frames.
func (Codec) Encode(payload string) ([]string, error) {
	data, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}

	if len(data) <= maxSingle {
		return []string{fmt.Sprintf("%02X%X", len(data), data)}, nil
	}

	frames := []string{fmt.Sprintf("1%03X%X", len(data), data[:firstData])}
	rest := data[firstData:]
	for seq := 1; len(rest) > 0; seq++ {
		n := min(consecData, len(rest))
		frames = append(frames, fmt.Sprintf("2%X%X", seq&0xF, rest[:n]))
		rest = rest[n:]
	}
	return frames, nil
}

// Decode reassembles response frames into an uppercase hex payload. A line
// with an odd number of digits is taken to start with a three digit CAN id.
func (Codec) Decode(lines []string) (string, error) {
	if len(lines) == 0 {
		return "", ErrNoFrames
	}

	var (
		out      []byte
		total    = -1
		expected = 1
	)
	for _, line := range lines {
		frame, err := frameBytes(line)
		if err != nil {
			return "", err
		}
		if len(frame) == 0 {
			continue
		}

		switch frame[0] >> 4 {
		case 0x0:
			if total >= 0 {
				return "", fmt.Errorf("%w: single frame inside a multi-frame message", ErrFrameType)
			}
			n := int(frame[0] & 0xF)
			if n == 0 || n > len(frame)-1 {
				return "", fmt.Errorf("%w: single frame length %d", ErrTruncated, n)
			}
			return strings.ToUpper(hex.EncodeToString(frame[1 : 1+n])), nil

		case 0x1:
			if len(frame) < 2 {
				return "", fmt.Errorf("%w: first frame", ErrTruncated)
			}
			total = int(frame[0]&0xF)<<8 | int(frame[1])
			out = append(out[:0], frame[2:]...)
			expected = 1

		case 0x2:
			if total < 0 {
				return "", fmt.Errorf("%w: consecutive frame without first frame", ErrFrameType)
			}
			if seq := int(frame[0] & 0xF); seq != expected {
				return "", fmt.Errorf("%w: got %d, want %d", ErrSequence, seq, expected)
			}
			expected = (expected + 1) & 0xF
			out = append(out, frame[1:]...)

		default:
			return "", fmt.Errorf("%w: %X", ErrFrameType, frame[0]>>4)
		}

		if total >= 0 && len(out) >= total {
			return strings.ToUpper(hex.EncodeToString(out[:total])), nil
		}
	}
	return "", fmt.Errorf("%w: have %d of %d bytes", ErrTruncated, len(out), total)
}

func parsePayload(payload string) ([]byte, error) {
	s := strings.Join(strings.Fields(payload), "")
	if s == "" {
		return nil, ErrEmptyPayload
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(data) > maxPayload {
		return nil, ErrTooLong
	}
	return data, nil
}

func frameBytes(line string) ([]byte, error) {
	s := strings.Join(strings.Fields(line), "")
	if len(s)%2 == 1 {
		if len(s) < 3 {
			return nil, fmt.Errorf("%w: %q", ErrTruncated, line)
		}
		s = s[3:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return b, nil
}

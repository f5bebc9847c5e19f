package elm

import (
	"errors"
	"fmt"
	"time"
)

const (
	// Terminator ends every command written to the adapter.
	Terminator = '\r'
	// Prompt ends every response read from the adapter.
	Prompt = '>'

	// DefaultResponseTimeout bounds one whole response.
	DefaultResponseTimeout = 1000 * time.Millisecond
)

// FrameCodec performs one command/response exchange over a Transport.
// It is not safe for concurrent use; the dispatcher worker is its only user.
type FrameCodec struct {
	t       Transport
	timeout time.Duration
	one     [1]byte
}

// NewFrameCodec wraps t. A non-positive timeout selects DefaultResponseTimeout.
func NewFrameCodec(t Transport, timeout time.Duration) *FrameCodec {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return &FrameCodec{t: t, timeout: timeout}
}

// SendFrame writes cmd followed by a carriage return and flushes it.
func (c *FrameCodec) SendFrame(cmd string) error {
	if c.t == nil {
		return fmt.Errorf("%w: no stream", ErrConnectionLost)
	}
	wire := make([]byte, 0, len(cmd)+1)
	wire = append(wire, cmd...)
	wire = append(wire, Terminator)
	if _, err := c.t.Write(wire); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrConnectionLost, cmd, err)
	}
	if f, ok := c.t.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flush %q: %v", ErrConnectionLost, cmd, err)
		}
	}
	return nil
}

// ReadFrame reads until the prompt byte and returns everything before it,
// with every carriage return remapped to a line feed.
//
// The deadline covers the whole frame, not each byte: it is re-applied to
// the transport before every read, so a read that would block is cut short.
// On expiry the bytes collected so far are returned with ErrFrameTimeout.
func (c *FrameCodec) ReadFrame() (string, error) {
	if c.t == nil {
		return "", fmt.Errorf("%w: no stream", ErrConnectionLost)
	}
	deadline := time.Now().Add(c.timeout)
	defer c.t.SetReadDeadline(time.Time{})

	var buf []byte
	for {
		if !time.Now().Before(deadline) {
			return string(buf), ErrFrameTimeout
		}
		if err := c.t.SetReadDeadline(deadline); err != nil {
			return string(buf), fmt.Errorf("%w: set deadline: %v", ErrConnectionLost, err)
		}

		n, err := c.t.Read(c.one[:])
		if n == 1 {
			b := c.one[0]
			if b == Prompt {
				return string(buf), nil
			}
			if b == '\r' {
				b = '\n'
			}
			buf = append(buf, b)
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return string(buf), fmt.Errorf("%w: read: %v", ErrConnectionLost, err)
		}
	}
}

// Exchange sends cmd and reads its response, timing the round trip.
func (c *FrameCodec) Exchange(cmd string) RawExchange {
	x := RawExchange{Sent: cmd, Started: time.Now()}
	if err := c.SendFrame(cmd); err != nil {
		x.Err = err
		x.Elapsed = time.Since(x.Started)
		return x
	}
	x.Raw, x.Err = c.ReadFrame()
	x.Elapsed = time.Since(x.Started)
	return x
}

// RawExchange is one frame's round trip.
type RawExchange struct {
	Sent    string
	Raw     string
	Started time.Time
	Elapsed time.Duration
	Err     error
}

// Outcome labels the exchange for metrics and the recorder.
func (x RawExchange) Outcome() string {
	switch {
	case x.Err == nil:
		return "ok"
	case errors.Is(x.Err, ErrFrameTimeout):
		return "timeout"
	default:
		return "lost"
	}
}

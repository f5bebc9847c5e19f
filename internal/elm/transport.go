package elm

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport_test.go -package=elm

// Transport is an established duplex byte stream to an ELM327 adapter.
//
// Every implementation must honour read deadlines: the frame reader relies on
// SetReadDeadline to bound a whole response, so a silent adapter can never
// block the dispatcher forever. Serial ports, RFCOMM sockets, TCP sockets and
// the in-process emulator all satisfy it.
type Transport interface {
	io.ReadWriteCloser
	// SetReadDeadline bounds the next Read calls. A zero time clears it.
	SetReadDeadline(t time.Time) error
}

// Dialer opens a Transport to an adapter.
type Dialer interface {
	// Dial connects to target. The meaning of target depends on the
	// implementation (tty path, bluetooth address, host:port). Dial must give
	// up when ctx is done.
	Dial(ctx context.Context, target string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (Transport, error) {
	return f(ctx, target)
}

// flusher is implemented by transports that buffer outgoing bytes.
type flusher interface {
	Flush() error
}

// isTimeout reports whether err is a read deadline expiry rather than a
// broken stream.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

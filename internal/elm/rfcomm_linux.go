//go:build linux

package elm

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const defaultRFCOMMChannel = 1

// RFCOMMDialer connects straight to a Bluetooth adapter's serial port
// profile without a bound /dev/rfcomm device. The target is "AA:BB:CC:DD:EE:FF"
// or "AA:BB:CC:DD:EE:FF/channel".
type RFCOMMDialer struct{}

func (RFCOMMDialer) Dial(ctx context.Context, target string) (Transport, error) {
	addr, err := ParseRFCOMMTarget(target)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s: %w", target, err)
	}
	if err == unix.EINPROGRESS {
		if err := waitConnected(ctx, fd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rfcomm connect %s: %w", target, err)
		}
	}

	// os.NewFile on a non-blocking fd registers it with the runtime poller,
	// which gives us read deadlines.
	f := os.NewFile(uintptr(fd), "rfcomm:"+target)
	if f == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm %s: invalid descriptor", target)
	}
	return f, nil
}

// waitConnected polls the socket until the non-blocking connect completes.
func waitConnected(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

// ParseRFCOMMTarget parses "MAC[/channel]".
func ParseRFCOMMTarget(target string) (*unix.SockaddrRFCOMM, error) {
	mac, ch, hasCh := strings.Cut(target, "/")
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("rfcomm: bad address %q", target)
	}
	channel := defaultRFCOMMChannel
	if hasCh {
		channel, err = strconv.Atoi(ch)
		if err != nil || channel < 1 || channel > 30 {
			return nil, fmt.Errorf("rfcomm: bad channel %q", ch)
		}
	}

	sa := &unix.SockaddrRFCOMM{Channel: uint8(channel)}
	// bdaddr_t is little endian.
	for i := 0; i < 6; i++ {
		sa.Addr[i] = hw[5-i]
	}
	return sa, nil
}

var _ Transport = (*os.File)(nil)

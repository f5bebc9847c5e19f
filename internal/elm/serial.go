package elm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaudRate = 38400

	drainSilence = 50 * time.Millisecond
	drainTimeout = 500 * time.Millisecond
)

// SerialDialer opens a tty: a USB adapter or a bound RFCOMM device such as
// /dev/rfcomm0. The target is the device path.
type SerialDialer struct {
	BaudRate int
	Logger   *zap.Logger
}

// Dial opens the port at 8N1 and discards any bytes the adapter sent before
// the first command.
func (d SerialDialer) Dial(ctx context.Context, target string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := d.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(target, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", target, err)
	}
	log.Info("serial port opened", zap.String("port", target), zap.Int("baud", baud))

	st := &serialTransport{port: port}
	if n := st.drain(); n > 0 {
		log.Debug("drained stale bytes", zap.String("port", target), zap.Int("bytes", n))
	}
	if err := ctx.Err(); err != nil {
		port.Close()
		return nil, err
	}
	return st, nil
}

// serialTransport adapts serial.Port to Transport. The port has per-read
// timeouts only, so the absolute deadline is turned into a timeout before
// each read.
type serialTransport struct {
	port serial.Port

	mu       sync.Mutex
	deadline time.Time
}

func (s *serialTransport) Read(p []byte) (int, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()

	if !deadline.IsZero() {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		if err := s.port.SetReadTimeout(left); err != nil {
			return 0, err
		}
	}
	n, err := s.port.Read(p)
	if n == 0 && err == nil {
		if deadline.IsZero() {
			// Port closed underneath a blocking read.
			return 0, fmt.Errorf("serial: port closed")
		}
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s *serialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Flush waits until every written byte has left the UART.
func (s *serialTransport) Flush() error {
	return s.port.Drain()
}

func (s *serialTransport) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	if t.IsZero() {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	return nil
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}

// drain discards input until the line has been silent for drainSilence.
func (s *serialTransport) drain() int {
	s.port.ResetInputBuffer()
	s.port.SetReadTimeout(drainSilence)
	defer s.port.SetReadTimeout(serial.NoTimeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := s.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

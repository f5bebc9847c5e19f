// Package emulator is an in-process ELM327 adapter talking to a simulated
// engine. It speaks the adapter's text protocol over a net.Pipe, which makes
// it usable both for the -demo mode and as a scripted peer in tests.
package emulator

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/elmbridge/internal/isotp"
)

const (
	Version    = "ELM327 v1.5"
	DefaultVIN = "WP0ZZZ99ZTS392124"

	ecuHeader = "7E8"
)

// Options configures an Adapter.
type Options struct {
	VIN    string
	DTCs   []string      // stored trouble codes, "P0301" form
	Delay  time.Duration // added before every reply
	Logger *zap.Logger
}

// Adapter emulates one ELM327 with CAN auto formatting off (ATCAF0): hex
// commands are raw ISO-TP frames and replies are printed frame by frame.
type Adapter struct {
	opts   Options
	engine *Engine
	log    *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(opts Options) *Adapter {
	if opts.VIN == "" {
		opts.VIN = DefaultVIN
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{
		opts:   opts,
		engine: NewEngine(),
		log:    opts.Logger.Named("emulator"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Dial returns the host end of a fresh connection to the emulated adapter.
func (a *Adapter) Dial(ctx context.Context, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host, dev := net.Pipe()
	a.mu.Lock()
	a.conns[dev] = struct{}{}
	a.mu.Unlock()

	go a.serve(dev)
	return host, nil
}

// Close drops every open connection, as if the adapter lost power.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.conns {
		c.Close()
		delete(a.conns, c)
	}
	return nil
}

// session is the per-connection adapter state, reset by ATZ.
type session struct {
	echo     bool
	headers  bool
	spaces   bool
	linefeed bool
	protocol string

	pending []byte // request being assembled from consecutive frames
	want    int
	nextSeq byte
}

func newSession() *session {
	return &session{echo: true, spaces: true, protocol: "0"}
}

func (s *session) eol() string {
	if s.linefeed {
		return "\r\n"
	}
	return "\r"
}

func (a *Adapter) serve(conn net.Conn) {
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	s := newSession()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(line, "\r")
		cmd = strings.TrimLeft(cmd, "\n")

		echo := s.echo
		body := a.handle(s, cmd)
		if a.opts.Delay > 0 {
			time.Sleep(a.opts.Delay)
		}

		var out strings.Builder
		if echo {
			out.WriteString(cmd)
			out.WriteString(s.eol())
		}
		for _, l := range body {
			out.WriteString(l)
			out.WriteString(s.eol())
		}
		out.WriteString(s.eol())
		out.WriteByte('>')
		if _, err := conn.Write([]byte(out.String())); err != nil {
			return
		}
	}
}

// handle executes one command and returns the reply lines.
func (a *Adapter) handle(s *session, raw string) []string {
	cmd := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if cmd == "" {
		return nil
	}
	a.log.Debug("command", zap.String("cmd", cmd))
	if strings.HasPrefix(cmd, "AT") {
		return a.at(s, cmd[2:])
	}
	return a.frame(s, cmd)
}

func (a *Adapter) at(s *session, cmd string) []string {
	switch {
	case cmd == "Z", cmd == "WS":
		*s = *newSession()
		return []string{"", Version}
	case cmd == "I":
		return []string{Version}
	case cmd == "@1":
		return []string{"OBDII to RS232 Interpreter"}
	case cmd == "RV":
		return []string{fmt.Sprintf("%.1fV", a.engine.Sample().BatteryV)}
	case cmd == "DPN":
		if s.protocol == "0" {
			return []string{"A6"}
		}
		return []string{s.protocol}
	case cmd == "DP":
		return []string{"ISO 15765-4 (CAN 11/500)"}
	case cmd == "E0", cmd == "E1":
		s.echo = cmd == "E1"
	case cmd == "H0", cmd == "H1":
		s.headers = cmd == "H1"
	case cmd == "S0", cmd == "S1":
		s.spaces = cmd == "S1"
	case cmd == "L0", cmd == "L1":
		s.linefeed = cmd == "L1"
	case strings.HasPrefix(cmd, "SP"), strings.HasPrefix(cmd, "TP"):
		p := strings.TrimPrefix(cmd[2:], "A")
		if len(p) != 1 || !strings.ContainsAny(p, "0123456789ABC") {
			return []string{"?"}
		}
		s.protocol = p
	case cmd == "D", cmd == "CAF0", cmd == "CAF1", cmd == "M0", cmd == "AT1", cmd == "AT2",
		strings.HasPrefix(cmd, "SH"), strings.HasPrefix(cmd, "ST"), strings.HasPrefix(cmd, "FC"),
		strings.HasPrefix(cmd, "CRA"):
	default:
		return []string{"?"}
	}
	return []string{"OK"}
}

// frame handles one raw ISO-TP frame from the host.
func (a *Adapter) frame(s *session, cmd string) []string {
	data, err := hex.DecodeString(cmd)
	if err != nil || len(data) == 0 {
		return []string{"?"}
	}

	switch data[0] >> 4 {
	case 0x0:
		n := int(data[0] & 0xF)
		if n == 0 || n > len(data)-1 {
			return []string{"CAN ERROR"}
		}
		s.pending = nil
		return a.respond(s, data[1:1+n])

	case 0x1:
		if len(data) < 2 {
			return []string{"CAN ERROR"}
		}
		s.want = int(data[0]&0xF)<<8 | int(data[1])
		s.pending = append([]byte(nil), data[2:]...)
		s.nextSeq = 1
		// The ECU grants the rest of the message.
		return []string{a.format(s, []byte{0x30, 0x00, 0x00, 0, 0, 0, 0, 0})}

	case 0x2:
		if s.pending == nil || data[0]&0xF != s.nextSeq {
			s.pending = nil
			return []string{"NO DATA"}
		}
		s.nextSeq = (s.nextSeq + 1) & 0xF
		s.pending = append(s.pending, data[1:]...)
		if len(s.pending) < s.want {
			return nil
		}
		req := s.pending[:s.want]
		s.pending = nil
		return a.respond(s, req)

	case 0x3:
		// Flow control from the host; nothing is waiting on it.
		return nil
	}
	return []string{"?"}
}

// respond runs a complete request and prints the reply frames.
func (a *Adapter) respond(s *session, req []byte) []string {
	reply := a.service(req)
	if reply == nil {
		return []string{"NO DATA"}
	}
	frames, err := isotp.Codec{}.Encode(hex.EncodeToString(reply))
	if err != nil {
		return []string{"CAN ERROR"}
	}

	lines := make([]string, 0, len(frames))
	for _, f := range frames {
		b, _ := hex.DecodeString(f)
		for len(b) < 8 {
			b = append(b, 0x00)
		}
		lines = append(lines, a.format(s, b))
	}
	return lines
}

// service answers one OBD request, nil meaning no ECU responded.
func (a *Adapter) service(req []byte) []byte {
	mode := req[0]
	switch mode {
	case 0x01:
		if len(req) != 2 {
			return nil
		}
		pid := req[1]
		if pid%0x20 == 0 {
			return append([]byte{0x41, pid}, supportedBitmap(mode01PIDs(), pid)...)
		}
		enc, ok := mode01[pid]
		if !ok {
			return nil
		}
		return append([]byte{0x41, pid}, enc(a.engine.Sample())...)

	case 0x03:
		out := []byte{0x43, 0}
		for _, code := range a.opts.DTCs {
			if b, ok := encodeDTC(code); ok {
				out = append(out, b...)
				out[1]++
			}
		}
		return out

	case 0x04:
		return []byte{0x44}

	case 0x09:
		if len(req) != 2 {
			return nil
		}
		switch req[1] {
		case 0x00:
			return append([]byte{0x49, 0x00}, supportedBitmap([]byte{0x02, 0x0A}, 0)...)
		case 0x02:
			return append([]byte{0x49, 0x02, 0x01}, a.opts.VIN...)
		case 0x0A:
			return append([]byte{0x49, 0x0A, 0x01}, "ECM-EngineControl\x00\x00\x00"...)
		}
		return nil
	}
	// Service not supported.
	return []byte{0x7F, mode, 0x11}
}

func (a *Adapter) format(s *session, frame []byte) string {
	parts := make([]string, 0, len(frame)+1)
	if s.headers {
		parts = append(parts, ecuHeader)
	}
	for _, b := range frame {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	sep := " "
	if !s.spaces {
		sep = ""
	}
	return strings.Join(parts, sep)
}

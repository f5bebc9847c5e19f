package elm

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedAdapter answers commands on the far end of a net.Pipe. respond
// returns the raw reply including the prompt; an empty reply means silence.
type scriptedAdapter struct {
	conn    net.Conn
	respond func(cmd string) string

	mu       sync.Mutex
	received []string
}

func newScriptedAdapter(t *testing.T, respond func(cmd string) string) (Transport, *scriptedAdapter) {
	t.Helper()
	near, far := net.Pipe()
	a := &scriptedAdapter{conn: far, respond: respond}
	go a.serve()
	t.Cleanup(func() {
		far.Close()
		near.Close()
	})
	return near, a
}

func (a *scriptedAdapter) serve() {
	r := bufio.NewReader(a.conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(line, "\r")
		a.mu.Lock()
		a.received = append(a.received, cmd)
		a.mu.Unlock()

		reply := a.respond(cmd)
		if reply == "" {
			continue
		}
		if _, err := a.conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (a *scriptedAdapter) Received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

// echoAdapter echoes every command and answers with answers[cmd], or "?" for
// unknown commands.
func echoAdapter(answers map[string]string) func(string) string {
	return func(cmd string) string {
		ans, ok := answers[cmd]
		if !ok {
			ans = "?"
		}
		return cmd + "\r" + ans + "\r\r>"
	}
}

// chanEmitter collects events in a buffered channel.
type chanEmitter chan Event

func (c chanEmitter) Emit(e Event) { c <- e }

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
		return nil
	}
}

func nextData(t *testing.T, ch <-chan Event) DataReady {
	t.Helper()
	for {
		if d, ok := nextEvent(t, ch).(DataReady); ok {
			return d
		}
	}
}

// noEvent asserts that nothing matching keep arrives within d.
func noEvent(t *testing.T, ch <-chan Event, d time.Duration, keep func(Event) bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			require.False(t, keep(e), "unexpected event %#v", e)
		case <-deadline:
			return
		}
	}
}

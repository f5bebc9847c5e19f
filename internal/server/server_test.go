package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/elmbridge/internal/elm"
	"github.com/shaunagostinho/elmbridge/internal/emulator"
	"github.com/shaunagostinho/elmbridge/internal/isotp"
	"github.com/shaunagostinho/elmbridge/internal/metrics"
	"github.com/shaunagostinho/elmbridge/internal/recorder"
)

// fakeBridge records calls and returns canned errors.
type fakeBridge struct {
	mu         sync.Mutex
	state      elm.State
	sent       []string
	targets    []string
	sendErr    error
	connectErr error
}

func (b *fakeBridge) Connect(_ context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets = append(b.targets, target)
	if b.connectErr != nil {
		return b.connectErr
	}
	b.state = elm.StateConnected
	return nil
}

func (b *fakeBridge) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = elm.StateNone
	return nil
}

func (b *fakeBridge) Send(cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.sent = append(b.sent, cmd)
	return fmt.Sprintf("req-%d", len(b.sent)), nil
}

func (b *fakeBridge) State() elm.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "" {
		return elm.StateNone
	}
	return b.state
}

func (b *fakeBridge) IsConnected() bool { return b.State() == elm.StateConnected }

func (b *fakeBridge) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBridge) Sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Adapter.Target = "emulator"
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

func TestCommandEndpoint(t *testing.T) {
	b := &fakeBridge{state: elm.StateConnected}
	h := New(Options{Config: testConfig(t), Bridge: b, Logger: zaptest.NewLogger(t)}).Handler()

	rr := do(t, h, http.MethodPost, "/api/command", `{"command":" 010C "}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp["requestId"])
	assert.Equal(t, []string{"010C"}, b.Sent())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/command", `{"command":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/command", `nope`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/command", "").Code)

	b.sendErr = elm.ErrNotConnected
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/command", `{"command":"ATZ"}`).Code)
}

func TestConnectEndpoint(t *testing.T) {
	b := &fakeBridge{}
	h := New(Options{Config: testConfig(t), Bridge: b, Logger: zaptest.NewLogger(t)}).Handler()

	rr := do(t, h, http.MethodPost, "/api/connect", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"connected","connected":true,"queue":0}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/api/connect", `{"target":"/dev/ttyUSB0"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"emulator", "/dev/ttyUSB0"}, b.targets)

	b.connectErr = fmt.Errorf("%w: dial: refused", elm.ErrConnectFailure)
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/connect", "").Code)

	rr = do(t, h, http.MethodPost, "/api/disconnect", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"none","connected":false,"queue":0}`, rr.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{elm.ErrAlreadyConnecting, http.StatusConflict},
		{elm.ErrNotConnected, http.StatusConflict},
		{fmt.Errorf("%w: network %q", elm.ErrConfigurationRejected, "home"), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: timeout", elm.ErrConnectFailure), http.StatusBadGateway},
		{elm.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestConfigEndpoint(t *testing.T) {
	cfg := testConfig(t)
	rec := recorder.New(recorder.Config{Path: t.TempDir()}, zaptest.NewLogger(t))
	defer rec.Close()
	h := New(Options{Config: cfg, Bridge: &fakeBridge{}, Recorder: rec, Logger: zaptest.NewLogger(t)}).Handler()

	rr := do(t, h, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"transport":"demo"`)

	rr = do(t, h, http.MethodPost, "/api/config", `{"recorder":{"enabled":true},"adapter":{"minFrameIntervalMs":20}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, rec.IsEnabled())
	assert.Equal(t, 20, cfg.AdapterSettings().MinFrameIntervalMs)
	assert.FileExists(t, cfg.Path())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/config", `{`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/api/config", "").Code)

	rr = do(t, h, http.MethodPost, "/api/record", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, rec.IsEnabled())
}

func TestFrameFor(t *testing.T) {
	f := FrameFor(elm.DataReady{RequestID: "r1", Length: 6, Data: []byte("410C1A")})
	assert.Equal(t, "data", f.Type)
	assert.Equal(t, "r1", f.RequestID)
	assert.Equal(t, 6, f.Length)
	assert.Equal(t, "410C1A", f.Data)

	assert.Equal(t, "listen", FrameFor(elm.StateChanged{State: elm.StateListen}).State)
	assert.Equal(t, "OBDII", FrameFor(elm.DeviceIdentified{Name: "OBDII"}).Device)
	assert.Equal(t, "toast", FrameFor(elm.Toast{Message: "x"}).Type)
}

func TestPumpEventsSendsInitOnDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Adapter.InitCommands = []string{"ATZ", "ATE0"}
	b := &fakeBridge{state: elm.StateConnected}
	events := make(chan elm.Event, 2)
	s := New(Options{Config: cfg, Bridge: b, Events: events, Logger: zaptest.NewLogger(t)})

	events <- elm.StateChanged{State: elm.StateConnected}
	events <- elm.DeviceIdentified{Name: "emulator"}
	close(events)
	s.PumpEvents(context.Background())

	assert.Equal(t, []string{"ATZ", "ATE0"}, b.Sent())
}

// emulatedServer runs the full stack against the in-process adapter.
func emulatedServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	emu := emulator.New(emulator.Options{Logger: log})
	n := elm.NewNotifier()
	reg := metrics.NewRegistry()
	bm := metrics.NewBridgeMetrics(reg)

	m, err := elm.NewManager(elm.Options{
		Dialer: elm.DialerFunc(func(ctx context.Context, target string) (elm.Transport, error) {
			return emu.Dial(ctx, target)
		}),
		Codec:   isotp.Codec{},
		Events:  n,
		Logger:  log,
		Metrics: bm,
	})
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Adapter.InitCommands = []string{"ATZ"}
	s := New(Options{Config: cfg, Bridge: m, Events: n.Events(), Logger: log, Metrics: bm, Registry: reg})

	ctx, cancel := context.WithCancel(context.Background())
	go s.PumpEvents(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		m.Close()
		cancel()
		n.Close()
		emu.Close()
	})
	return ts
}

func readFrame(t *testing.T, c *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f Frame
		require.NoError(t, c.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	ts := emulatedServer(t)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()

	hello := readFrame(t, c, func(Frame) bool { return true })
	assert.Equal(t, "state", hello.Type)
	assert.Equal(t, "none", hello.State)

	resp, err := http.Post(ts.URL+"/api/connect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dev := readFrame(t, c, func(f Frame) bool { return f.Type == "device" })
	assert.Equal(t, "emulator", dev.Device)

	// Init sequence result.
	atz := readFrame(t, c, func(f Frame) bool { return f.Type == "data" })
	assert.Equal(t, emulator.Version, atz.Data)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("010D")))
	speed := readFrame(t, c, func(f Frame) bool { return f.Type == "data" })
	assert.True(t, strings.HasPrefix(speed.Data, "410D"), speed.Data)
	assert.Equal(t, len(speed.Data), speed.Length)

	resp, err = http.Post(ts.URL+"/api/disconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	readFrame(t, c, func(f Frame) bool { return f.Type == "state" && f.State == "none" })

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("010C")))
	toast := readFrame(t, c, func(f Frame) bool { return f.Type == "toast" })
	assert.Contains(t, toast.Message, "not connected")

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "elm_frames_total")
}

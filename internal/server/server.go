package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shaunagostinho/elmbridge/internal/elm"
	"github.com/shaunagostinho/elmbridge/internal/metrics"
	"github.com/shaunagostinho/elmbridge/internal/recorder"
)

// Bridge is the adapter connection the server drives. *elm.Manager
// satisfies it.
type Bridge interface {
	Connect(ctx context.Context, target string) error
	Disconnect() error
	Send(cmd string) (string, error)
	State() elm.State
	IsConnected() bool
	QueueLen() int
}

// Options wires the server to the rest of the process.
type Options struct {
	Config   *Config
	Bridge   Bridge
	Events   <-chan elm.Event // usually (*elm.Notifier).Events()
	WebFS    fs.FS
	Logger   *zap.Logger
	Metrics  *metrics.BridgeMetrics
	Registry *prometheus.Registry // nil disables /metrics
	Recorder *recorder.Recorder   // nil disables /api/record
}

// Server relays adapter events to WebSocket clients and accepts commands
// over HTTP and WebSocket.
type Server struct {
	cfg      *Config
	bridge   Bridge
	events   <-chan elm.Event
	webFS    fs.FS
	log      *zap.Logger
	metrics  *metrics.BridgeMetrics
	registry *prometheus.Registry
	recorder *recorder.Recorder

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// ctx outlives single requests; connects and init commands run on it.
	ctx    context.Context
	cancel context.CancelFunc
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients, one per event.
type Frame struct {
	Type      string `json:"type"` // state, device, toast or data
	State     string `json:"state,omitempty"`
	Device    string `json:"device,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Length    int    `json:"length,omitempty"`
	Data      string `json:"data,omitempty"`
	Stamp     int64  `json:"stamp"` // Unix ms
}

// FrameFor renders an adapter event for the wire.
func FrameFor(ev elm.Event) Frame {
	f := Frame{Type: ev.Kind().String(), Stamp: time.Now().UnixMilli()}
	switch e := ev.(type) {
	case elm.StateChanged:
		f.State = e.State.String()
	case elm.DeviceIdentified:
		f.Device = e.Name
	case elm.Toast:
		f.Message = e.Message
	case elm.DataReady:
		f.RequestID = e.RequestID
		f.Length = e.Length
		f.Data = string(e.Data)
	}
	return f
}

// New creates a new Server.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      opts.Config,
		bridge:   opts.Bridge,
		events:   opts.Events,
		webFS:    opts.WebFS,
		log:      opts.Logger.Named("server"),
		metrics:  opts.Metrics,
		registry: opts.Registry,
		recorder: opts.Recorder,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.recorder != nil {
		mux.HandleFunc("/api/record", s.handleRecord)
	}
	if s.registry != nil {
		mux.Handle(s.metricsPath(), metrics.Handler(s.registry))
	}
	return mux
}

func (s *Server) metricsPath() string {
	s.cfg.mu.RLock()
	defer s.cfg.mu.RUnlock()
	if s.cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return s.cfg.Metrics.Path
}

// Run relays events and serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.PumpEvents(ctx)

	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.cancel()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PumpEvents broadcasts every adapter event until the stream closes or ctx
// is done. The adapter init sequence is queued when a device is identified.
func (s *Server) PumpEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			if d, isDevice := ev.(elm.DeviceIdentified); isDevice {
				s.log.Info("device identified", zap.String("name", d.Name))
				s.sendInit()
			}
			s.broadcast(FrameFor(ev))
		}
	}
}

// sendInit queues the configured init commands in order.
func (s *Server) sendInit() {
	cmds := s.cfg.AdapterSettings().InitCommands
	for _, cmd := range cmds {
		if _, err := s.bridge.Send(cmd); err != nil {
			s.log.Warn("init command rejected", zap.String("cmd", cmd), zap.Error(err))
			return
		}
	}
	if len(cmds) > 0 {
		s.log.Debug("init sequence queued", zap.Int("commands", len(cmds)))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// The current state goes out ahead of any broadcast.
	hello := Frame{Type: elm.EventStateChanged.String(), State: s.bridge.State().String(), Stamp: time.Now().UnixMilli()}
	data, err := json.Marshal(hello)
	if err != nil {
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	client.send <- data
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", zap.Int("clients", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: every text message is a command for the adapter.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			cmd := strings.TrimSpace(string(msg))
			if cmd == "" {
				continue
			}
			if _, err := s.bridge.Send(cmd); err != nil {
				s.reply(client, Frame{Type: elm.EventToast.String(), Message: err.Error(), Stamp: time.Now().UnixMilli()})
			}
		}
	}()
}

// reply sends a frame to one client. Callers run on that client's reader,
// so send is still open.
func (s *Server) reply(c *wsClient, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		s.metrics.DroppedEvent()
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

type connectRequest struct {
	Target string `json:"target"`
}

type stateResponse struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Queue     int    `json:"queue"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) stateResponse() stateResponse {
	return stateResponse{
		State:     s.bridge.State().String(),
		Connected: s.bridge.IsConnected(),
		Queue:     s.bridge.QueueLen(),
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		http.Error(w, "command is required", 400)
		return
	}
	id, err := s.bridge.Send(req.Command)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": id})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad request", 400)
			return
		}
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = s.cfg.AdapterSettings().Target
	}
	if err := s.bridge.Connect(s.ctx, target); err != nil {
		s.log.Warn("connect failed", zap.String("target", target), zap.Error(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.bridge.Disconnect(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		if s.recorder != nil {
			s.cfg.mu.RLock()
			on := s.cfg.Recorder.Enabled
			s.cfg.mu.RUnlock()
			s.recorder.SetEnabled(on)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

type recordState struct {
	Enabled bool     `json:"enabled"`
	Files   []string `json:"files"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		s.recorder.SetEnabled(req.Enabled)
		s.log.Info("recording toggled", zap.Bool("enabled", req.Enabled))
	default:
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, recordState{Enabled: s.recorder.IsEnabled(), Files: s.recorder.Files()})
}

// statusFor maps bridge errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, elm.ErrAlreadyConnecting), errors.Is(err, elm.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, elm.ErrConfigurationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, elm.ErrConnectFailure):
		return http.StatusBadGateway
	case errors.Is(err, elm.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
			s.metrics.DroppedEvent()
		}
	}
}

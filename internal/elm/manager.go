package elm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shaunagostinho/elmbridge/internal/metrics"
)

const (
	DefaultConnectTimeout = 5000 * time.Millisecond
	DefaultRetryInterval  = 10000 * time.Millisecond

	toastConnectFailed  = "Unable to connect device"
	toastConnectionLost = "Device connection was lost"
)

// fsm event names.
const (
	evConnect     = "connect"
	evEstablished = "established"
	evFail        = "fail"
	evLose        = "lose"
	evListen      = "listen"
	evDisconnect  = "disconnect"
)

// adapterNetworkHints are the substrings a network name must contain for an
// auto-reconnecting transport to be tried.
var adapterNetworkHints = []string{"OBD", "ELM", "ECU", "LINK"}

// Lock is an exclusive claim on the adapter held while connected.
type Lock interface {
	Acquire() error
	Release() error
}

// Options configures a Manager.
type Options struct {
	Dialer Dialer
	Codec  Codec
	Events Emitter

	// AutoReconnect selects the retry-loop policy used for network adapters:
	// Connect returns once the loop is armed and attempts repeat every
	// RetryInterval until one succeeds.
	AutoReconnect bool
	// NetworkName is the name of the network the adapter is reached over.
	// With AutoReconnect it must look like an adapter network; empty skips
	// the check.
	NetworkName string

	ConnectTimeout   time.Duration
	RetryInterval    time.Duration
	ResponseTimeout  time.Duration
	MinFrameInterval time.Duration

	Lock     Lock
	Logger   *zap.Logger
	Metrics  *metrics.BridgeMetrics
	Recorder ExchangeRecorder
}

// Manager owns the adapter connection: its state machine, the transport and
// the dispatcher running on it.
type Manager struct {
	opts   Options
	log    *zap.Logger
	events Emitter
	disp   *Dispatcher

	mu         sync.Mutex
	fsm        *fsm.FSM
	transport  Transport
	dialCancel context.CancelFunc
	retryStop  context.CancelFunc
	locked     bool

	retrying *atomic.Bool
	closed   *atomic.Bool
}

// NewManager creates a Manager in StateNone.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, ErrNoDialer
	}
	if opts.Codec == nil {
		return nil, ErrNoCodec
	}
	if opts.Events == nil {
		opts.Events = discard{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	m := &Manager{
		opts:     opts,
		log:      opts.Logger.Named("manager"),
		events:   opts.Events,
		retrying: atomic.NewBool(false),
		closed:   atomic.NewBool(false),
	}
	m.disp = NewDispatcher(opts.Codec, opts.Events, DispatcherOptions{
		ResponseTimeout:  opts.ResponseTimeout,
		MinFrameInterval: opts.MinFrameInterval,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
		Recorder:         opts.Recorder,
		OnLost:           m.connectionLost,
	})

	m.fsm = fsm.NewFSM(
		string(StateNone),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StateNone), string(StateListen), string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: evEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: evFail, Src: []string{string(StateConnecting)}, Dst: string(StateNone)},
			{Name: evLose, Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: evListen, Src: []string{string(StateDisconnected)}, Dst: string(StateListen)},
			{Name: evDisconnect, Src: []string{string(StateListen), string(StateConnecting), string(StateConnected), string(StateDisconnected)}, Dst: string(StateNone)},
		},
		fsm.Callbacks{
			"enter_state": m.onEnterState,
		},
	)
	opts.Metrics.SetState(string(StateNone), stateNames())
	return m, nil
}

func (m *Manager) onEnterState(_ context.Context, e *fsm.Event) {
	m.log.Info("state transition", zap.String("from", e.Src), zap.String("to", e.Dst), zap.String("event", e.Event))
	m.opts.Metrics.SetState(e.Dst, stateNames())
	m.events.Emit(StateChanged{State: State(e.Dst)})
}

// fire runs an fsm event. Callers hold m.mu. Events not allowed from the
// current state are ignored.
func (m *Manager) fire(event string) bool {
	if !m.fsm.Can(event) {
		return false
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.log.Warn("state transition failed", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.fsm.Current())
}

// IsConnected reports whether a transport is live.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Retrying reports whether the reconnect loop is armed.
func (m *Manager) Retrying() bool {
	return m.retrying.Load()
}

// QueueLen returns the number of requests waiting to be sent.
func (m *Manager) QueueLen() int {
	return m.disp.Len()
}

// Connect starts connecting to target. See Options.AutoReconnect for the two
// policies. It fails with ErrAlreadyConnecting, without any state change,
// while an attempt is in progress, the retry loop is armed or a connection is
// live.
func (m *Manager) Connect(ctx context.Context, target string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	switch m.State() {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if m.retrying.Load() {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}

	name := m.deviceName(target)
	if m.opts.AutoReconnect && !looksLikeAdapterNetwork(m.opts.NetworkName) {
		m.mu.Unlock()
		m.log.Warn("network does not look like an adapter", zap.String("network", m.opts.NetworkName))
		m.events.Emit(Toast{Message: toastConnectFailed})
		return fmt.Errorf("%w: network %q", ErrConfigurationRejected, m.opts.NetworkName)
	}

	if err := m.acquireLock(); err != nil {
		m.mu.Unlock()
		m.events.Emit(Toast{Message: toastConnectFailed})
		return fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}

	if m.opts.AutoReconnect {
		m.armRetry(target, name)
		m.mu.Unlock()
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	m.dialCancel = cancel
	m.fire(evConnect)
	m.mu.Unlock()

	m.log.Info("connecting", zap.String("target", target))
	tr, err := m.opts.Dialer.Dial(dialCtx, target)
	cancel()
	m.opts.Metrics.ObserveConnect(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialCancel = nil

	if m.State() != StateConnecting {
		// Disconnect or Close won the race.
		if tr != nil {
			tr.Close()
		}
		return fmt.Errorf("%w: aborted", ErrConnectFailure)
	}
	if err != nil {
		m.connectionFailed(err)
		m.releaseLock()
		return fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}
	return m.established(tr, name)
}

// established stores tr and starts the dispatcher. Callers hold m.mu in
// StateConnecting and still hold it on return, though it may have been
// released in between.
func (m *Manager) established(tr Transport, name string) error {
	m.transport = tr
	m.fire(evEstablished)
	m.events.Emit(DeviceIdentified{Name: name})
	err := m.disp.Start(tr)
	if errors.Is(err, ErrLoopRunning) {
		// The previous worker may be blocked in connectionLost on m.mu.
		m.mu.Unlock()
		m.disp.Wait()
		m.mu.Lock()
		if m.transport != tr {
			// Disconnect ran meanwhile and closed tr.
			return fmt.Errorf("%w: aborted", ErrConnectFailure)
		}
		err = m.disp.Start(tr)
	}
	if err != nil {
		m.log.Error("dispatcher start failed", zap.Error(err))
		return err
	}
	m.log.Info("connected", zap.String("device", name))
	return nil
}

// connectionFailed reports a failed attempt. Callers hold m.mu.
func (m *Manager) connectionFailed(err error) {
	m.log.Warn("connect failed", zap.Error(err))
	m.events.Emit(Toast{Message: toastConnectFailed})
	m.fire(evFail)
}

// connectionLost is called by the dispatcher worker after a broken read or
// write on tr. The queue is kept.
func (m *Manager) connectionLost(tr Transport, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != tr {
		// Already replaced or disconnected.
		return
	}
	m.transport = nil
	m.log.Warn("connection lost", zap.Error(err))
	m.events.Emit(Toast{Message: toastConnectionLost})
	m.fire(evLose)
	if cerr := tr.Close(); cerr != nil {
		m.log.Debug("close after loss", zap.Error(cerr))
	}
	if !m.opts.AutoReconnect {
		// Passive recovery only: nothing listens, a new Connect is required.
		m.fire(evListen)
	}
}

// Disconnect tears the connection down and returns to StateNone. It disarms
// the retry loop, clears the queue, closes the transport and releases the
// lock. Calling it when nothing is connected is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.disarmRetry()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.disp.Cancel()
	tr := m.transport
	m.transport = nil
	m.fire(evDisconnect)
	m.releaseLock()
	m.mu.Unlock()

	if tr != nil {
		m.log.Info("disconnecting")
		if err := tr.Close(); err != nil {
			m.log.Debug("close failed", zap.Error(err))
		}
	}
	m.disp.Wait()
	return nil
}

// StopRetry disarms the reconnect loop without touching a live connection.
func (m *Manager) StopRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmRetry()
	if m.State() != StateConnected {
		m.releaseLock()
	}
}

// Send queues cmd for the adapter and returns its request id. Requests are
// accepted while connected, while connecting and after a connection loss;
// the queue drains on the next connection.
func (m *Manager) Send(cmd string) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	switch m.State() {
	case StateNone, StateListen:
		if !m.retrying.Load() {
			return "", ErrNotConnected
		}
	}
	return m.disp.Enqueue(cmd).ID, nil
}

// Close disconnects and makes the Manager unusable.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.Disconnect()
}

// armRetry starts the reconnect loop. Callers hold m.mu.
func (m *Manager) armRetry(target, name string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.retryStop = cancel
	m.retrying.Store(true)
	m.log.Info("reconnect loop armed", zap.String("target", target), zap.Duration("interval", m.opts.RetryInterval))
	go m.retryLoop(ctx, target, name)
}

// disarmRetry stops the reconnect loop. Callers hold m.mu.
func (m *Manager) disarmRetry() {
	if m.retryStop != nil {
		m.retryStop()
		m.retryStop = nil
	}
	m.retrying.Store(false)
}

func (m *Manager) retryLoop(ctx context.Context, target, name string) {
	ticker := time.NewTicker(m.opts.RetryInterval)
	defer ticker.Stop()
	for {
		if m.attempt(ctx, target, name) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// attempt makes one dial of the reconnect loop and reports whether the loop
// is finished.
func (m *Manager) attempt(ctx context.Context, target, name string) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return true
	}
	if m.transport != nil || !m.fire(evConnect) {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	tr, err := m.opts.Dialer.Dial(dialCtx, target)
	cancel()
	m.opts.Metrics.ObserveConnect(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil || m.State() != StateConnecting {
		if tr != nil {
			tr.Close()
		}
		return true
	}
	if err != nil {
		m.connectionFailed(err)
		return false
	}

	m.disarmRetry()
	if err := m.established(tr, name); err != nil {
		m.log.Warn("reconnect established without worker", zap.Error(err))
	}
	return true
}

func (m *Manager) acquireLock() error {
	if m.opts.Lock == nil || m.locked {
		return nil
	}
	if err := m.opts.Lock.Acquire(); err != nil {
		return err
	}
	m.locked = true
	return nil
}

func (m *Manager) releaseLock() {
	if m.opts.Lock == nil || !m.locked {
		return
	}
	if err := m.opts.Lock.Release(); err != nil {
		m.log.Warn("lock release failed", zap.Error(err))
	}
	m.locked = false
}

// deviceName is the name announced in DeviceIdentified.
func (m *Manager) deviceName(target string) string {
	if m.opts.AutoReconnect {
		if n := strings.Trim(m.opts.NetworkName, `"`); n != "" {
			return n
		}
	}
	return target
}

func looksLikeAdapterNetwork(name string) bool {
	if name == "" {
		return true
	}
	upper := strings.ToUpper(name)
	for _, h := range adapterNetworkHints {
		if strings.Contains(upper, h) {
			return true
		}
	}
	return false
}

type discard struct{}

func (discard) Emit(Event) {}

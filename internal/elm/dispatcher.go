package elm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/elmbridge/internal/metrics"
)

const defaultIdlePoll = 10 * time.Millisecond

// Request is one logical command waiting for the worker.
type Request struct {
	ID       string
	Payload  string
	Enqueued time.Time
}

// DispatcherOptions tunes a Dispatcher. The zero value is usable.
type DispatcherOptions struct {
	ResponseTimeout  time.Duration // per frame, DefaultResponseTimeout when zero
	MinFrameInterval time.Duration // minimum gap between frame writes, 0 disables pacing
	IdlePoll         time.Duration // fallback queue poll, 10ms when zero

	Logger   *zap.Logger
	Metrics  *metrics.BridgeMetrics
	Recorder ExchangeRecorder

	// OnLost is called from the worker goroutine after it has delivered the
	// disconnected result. The worker counts as running until OnLost
	// returns, so OnLost must not call Wait, and nobody may call Wait while
	// holding a lock OnLost takes.
	OnLost func(t Transport, err error)
}

// Dispatcher serializes requests onto one transport. Requests are executed
// strictly in FIFO order and the frames of one request strictly in order,
// by a single worker goroutine.
type Dispatcher struct {
	codec  Codec
	events Emitter
	opts   DispatcherOptions
	log    *zap.Logger

	mu     sync.Mutex
	queue  []Request
	cancel context.CancelFunc
	done   chan struct{}

	wake chan struct{}
}

// NewDispatcher creates an idle dispatcher. Call Start to run the worker.
func NewDispatcher(codec Codec, events Emitter, opts DispatcherOptions) *Dispatcher {
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = defaultIdlePoll
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		codec:  codec,
		events: events,
		opts:   opts,
		log:    opts.Logger.Named("dispatcher"),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends payload to the queue and wakes the worker. It never blocks
// on I/O.
func (d *Dispatcher) Enqueue(payload string) Request {
	req := Request{ID: uuid.NewString(), Payload: payload, Enqueued: time.Now()}

	d.mu.Lock()
	d.queue = append(d.queue, req)
	n := len(d.queue)
	d.mu.Unlock()

	d.opts.Metrics.SetQueueDepth(n)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return req
}

// IsQueueEmpty reports whether no request is waiting.
func (d *Dispatcher) IsQueueEmpty() bool {
	return d.Len() == 0
}

// Len returns the number of waiting requests.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Running reports whether a worker is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done != nil
}

// Start runs the worker against t. Queued requests are kept and executed
// first.
func (d *Dispatcher) Start(t Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return ErrLoopRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	go d.run(ctx, t, done)
	return nil
}

// Cancel clears the queue and tells the worker to stop. It returns without
// waiting; the request in flight, if any, is abandoned without a result.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	dropped := len(d.queue)
	d.queue = nil
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.opts.Metrics.SetQueueDepth(0)
	if dropped > 0 {
		d.log.Debug("queue cleared", zap.Int("dropped", dropped))
	}
}

// Wait blocks until the current worker, if any, has exited.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *Dispatcher) pop() (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Request{}, false
	}
	req := d.queue[0]
	d.queue[0] = Request{}
	d.queue = d.queue[1:]
	d.opts.Metrics.SetQueueDepth(len(d.queue))
	return req, true
}

// finish detaches the worker that owns done so a new one may start.
func (d *Dispatcher) finish(done chan struct{}) {
	d.mu.Lock()
	if d.done == done {
		d.cancel()
		d.cancel = nil
		d.done = nil
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, t Transport, done chan struct{}) {
	defer func() {
		d.finish(done)
		close(done)
	}()

	codec := NewFrameCodec(t, d.opts.ResponseTimeout)
	var limiter *rate.Limiter
	if d.opts.MinFrameInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(d.opts.MinFrameInterval), 1)
	}
	w := &worker{d: d, ctx: ctx, fc: codec, limiter: limiter}

	poll := time.NewTicker(d.opts.IdlePoll)
	defer poll.Stop()

	d.log.Debug("worker started")
	for {
		if ctx.Err() != nil {
			d.log.Debug("worker stopped")
			return
		}

		req, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
			case <-d.wake:
			case <-poll.C:
			}
			continue
		}

		started := time.Now()
		path := "isotp"
		var result string
		var err error
		if IsATCommand(req.Payload) {
			path = "at"
			result, err = w.direct(req.Payload)
		} else {
			result, err = w.multiFrame(req.Payload)
		}

		// Disconnect while the request was in flight: no result.
		if ctx.Err() != nil {
			continue
		}

		d.opts.Metrics.ObserveRequest(path, resultLabel(result, err), time.Since(started))
		d.events.Emit(newDataReady(req.ID, result))

		if errors.Is(err, ErrConnectionLost) {
			d.log.Warn("connection lost", zap.String("request", req.ID), zap.Error(err))
			if d.opts.OnLost != nil {
				d.opts.OnLost(t, err)
			}
			return
		}
	}
}

func resultLabel(result string, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectionLost):
		return "disconnected"
	case errors.Is(err, ErrFrameTimeout):
		return "timeout"
	case errors.Is(err, ErrNonHexResponse):
		return "nonhex"
	default:
		return "error"
	}
}

// worker holds the per-connection state of one run.
type worker struct {
	d       *Dispatcher
	ctx     context.Context
	fc      *FrameCodec
	limiter *rate.Limiter
}

func (w *worker) exchange(frame string) RawExchange {
	if w.limiter != nil {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return RawExchange{Sent: frame, Started: time.Now(), Err: ErrConnectionLost}
		}
	}
	x := w.fc.Exchange(frame)
	outcome := x.Outcome()
	w.d.opts.Metrics.ObserveFrame(outcome, x.Elapsed)
	if r := w.d.opts.Recorder; r != nil {
		r.Record(x.Sent, x.Raw, x.Started, x.Elapsed, outcome)
	}
	if x.Err != nil {
		w.d.log.Debug("exchange failed", zap.String("frame", frame), zap.Duration("elapsed", x.Elapsed), zap.Error(x.Err))
	}
	return x
}

// direct sends an AT command verbatim and returns the filtered text.
func (w *worker) direct(cmd string) (string, error) {
	x := w.exchange(cmd)
	switch {
	case x.Err == nil:
		return FilterText(cmd, x.Raw), nil
	case errors.Is(x.Err, ErrFrameTimeout):
		return ResultTimeout, x.Err
	default:
		return ResultDisconnected, x.Err
	}
}

// multiFrame runs every frame of an encoded payload and decodes the hex
// lines. A malformed line does not stop the remaining frames; a timed out
// frame does not either. A timed out frame yields ResultTimeout even when
// another line was malformed, instead of folding the timeout into
// ResultNonHex.
func (w *worker) multiFrame(payload string) (string, error) {
	frames, err := w.d.codec.Encode(payload)
	if err != nil {
		return "ERROR : " + err.Error(), err
	}

	var lines []string
	malformed, timedOut := false, false
	for _, frame := range frames {
		x := w.exchange(frame)
		if x.Err != nil {
			if errors.Is(x.Err, ErrFrameTimeout) {
				timedOut = true
				continue
			}
			return ResultDisconnected, x.Err
		}
		for _, l := range ProcessResponse(frame, x.Raw) {
			switch l.Kind {
			case LineHex:
				lines = append(lines, l.Text)
			case LineMalformed:
				malformed = true
			}
		}
	}

	switch {
	case timedOut:
		return ResultTimeout, ErrFrameTimeout
	case malformed:
		return ResultNonHex, ErrNonHexResponse
	}

	out, err := w.d.codec.Decode(lines)
	if err != nil {
		return "ERROR : " + strings.TrimSpace(err.Error()), err
	}
	return out, nil
}

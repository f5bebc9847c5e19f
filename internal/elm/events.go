package elm

import "sync"

// EventKind identifies the variant of an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDeviceIdentified
	EventToast
	EventDataReady
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventDeviceIdentified:
		return "device"
	case EventToast:
		return "toast"
	case EventDataReady:
		return "data"
	default:
		return "unknown"
	}
}

// Event is a notification for the UI collaborator. The set of variants is
// closed: StateChanged, DeviceIdentified, Toast and DataReady.
type Event interface {
	Kind() EventKind
}

// StateChanged is emitted after every connection state transition.
type StateChanged struct {
	State State
}

// DeviceIdentified carries the adapter name once a connection is live.
type DeviceIdentified struct {
	Name string
}

// Toast is a short user-facing failure message.
type Toast struct {
	Message string
}

// DataReady carries the result of one logical request.
type DataReady struct {
	RequestID string
	Length    int
	Data      []byte
}

func (StateChanged) Kind() EventKind     { return EventStateChanged }
func (DeviceIdentified) Kind() EventKind { return EventDeviceIdentified }
func (Toast) Kind() EventKind            { return EventToast }
func (DataReady) Kind() EventKind        { return EventDataReady }

func newDataReady(id, result string) DataReady {
	data := []byte(result)
	return DataReady{RequestID: id, Length: len(data), Data: data}
}

// Notifier delivers events in emission order without ever blocking the
// emitter. Pending events are buffered until the consumer catches up.
type Notifier struct {
	mu      sync.Mutex
	pending []Event
	closed  bool

	signal chan struct{}
	done   chan struct{}
	out    chan Event
}

// NewNotifier starts the delivery goroutine.
func NewNotifier() *Notifier {
	n := &Notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go n.pump()
	return n
}

// Emit queues e for delivery. Events emitted after Close are discarded.
func (n *Notifier) Emit(e Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, e)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// Events returns the ordered event stream. It is closed by Close.
func (n *Notifier) Events() <-chan Event {
	return n.out
}

// Close stops delivery and closes the event stream. Undelivered events are
// dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	close(n.done)
}

func (n *Notifier) pump() {
	defer close(n.out)
	for {
		select {
		case <-n.done:
			return
		case <-n.signal:
		}

		for {
			n.mu.Lock()
			if len(n.pending) == 0 {
				n.mu.Unlock()
				break
			}
			batch := n.pending
			n.pending = nil
			n.mu.Unlock()

			for _, e := range batch {
				select {
				case n.out <- e:
				case <-n.done:
					return
				}
			}
		}
	}
}

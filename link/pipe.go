package link

import (
	"sync"
	"time"
)

const (
	pipeDepth   = 64
	eventsDepth = 64
)

// Endpoint is one side of an in-memory link created by Pipe. It behaves
// like a half-duplex radio: a frame sent while the peer is not listening,
// or while the peer's receive queue is full, is lost and the sender sees
// ErrNoAck.
type Endpoint struct {
	frameSize int

	mu   sync.Mutex
	mode Mode
	drop func(frame []byte) bool
	sent int

	peer   *Endpoint
	rx     chan []byte
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Pipe returns two connected endpoints with the given frame capacity.
// Both start in transmit mode.
func Pipe(frameSize int) (*Endpoint, *Endpoint) {
	a := newEndpoint(frameSize)
	b := newEndpoint(frameSize)
	a.peer, b.peer = b, a
	return a, b
}

func newEndpoint(frameSize int) *Endpoint {
	return &Endpoint{
		frameSize: frameSize,
		mode:      ModeTransmit,
		rx:        make(chan []byte, pipeDepth),
		events:    make(chan Event, eventsDepth),
		closed:    make(chan struct{}),
	}
}

// SetDropper installs a hook consulted on every outgoing frame; returning
// true loses the frame as if the peer never acknowledged it.
func (e *Endpoint) SetDropper(drop func(frame []byte) bool) {
	e.mu.Lock()
	e.drop = drop
	e.mu.Unlock()
}

// Attempts returns how many frames Send and SendFast were called with.
func (e *Endpoint) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func (e *Endpoint) FrameSize() int { return e.frameSize }

func (e *Endpoint) SetMode(m Mode) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Endpoint) Send(frame []byte) error {
	err := e.transmit(frame)
	if err == nil {
		e.notify(EventSendOK)
	} else if err == ErrNoAck {
		e.notify(EventSendFailed)
	}
	return err
}

// SendFast queues the frame without raising a send event.
func (e *Endpoint) SendFast(frame []byte) error {
	return e.transmit(frame)
}

// Flush is a no-op: in-memory delivery completes inside SendFast.
func (e *Endpoint) Flush() error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (e *Endpoint) transmit(frame []byte) error {
	if err := checkFrame(frame, e.frameSize); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}

	e.mu.Lock()
	e.sent++
	mode, drop := e.mode, e.drop
	e.mu.Unlock()

	if mode != ModeTransmit {
		return ErrWrongMode
	}
	if drop != nil && drop(frame) {
		return ErrNoAck
	}
	return e.peer.deliver(frame)
}

func (e *Endpoint) deliver(frame []byte) error {
	if e.Mode() != ModeListen {
		return ErrNoAck
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case <-e.closed:
		return ErrNoAck
	case e.rx <- cp:
	default:
		return ErrNoAck
	}
	e.notify(EventDataReady)
	return nil
}

// notify is the interrupt path: it only enqueues, never blocks.
func (e *Endpoint) notify(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Endpoint) Available() bool {
	return len(e.rx) > 0
}

func (e *Endpoint) Receive(buf []byte) (int, error) {
	select {
	case frame := <-e.rx:
		return copy(buf, frame), nil
	case <-e.closed:
		return 0, ErrClosed
	default:
		return 0, ErrNoFrame
	}
}

func (e *Endpoint) WaitForEvent(timeout time.Duration) (Event, error) {
	if e.Available() {
		return EventDataReady, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-e.events:
		return ev, nil
	case <-timer.C:
		return EventNone, nil
	case <-e.closed:
		return EventNone, ErrClosed
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

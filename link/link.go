// Package link abstracts the constrained, half-duplex frame transport the
// tunnel runs over. A Transport moves one frame of at most FrameSize bytes
// at a time and reports per-frame success.
package link

import (
	"errors"
	"fmt"
	"time"
)

// MaxFrameSize is the largest frame any transceiver generation carries.
const MaxFrameSize = 32

var (
	ErrFrameTooLarge = errors.New("frame exceeds link capacity")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrNoAck         = errors.New("frame not acknowledged")
	ErrNoFrame       = errors.New("no frame available")
	ErrWrongMode     = errors.New("transceiver in wrong mode")
	ErrClosed        = errors.New("link closed")
)

// Mode is the half-duplex direction the transceiver is switched to.
type Mode uint8

const (
	ModeTransmit Mode = iota
	ModeListen
)

func (m Mode) String() string {
	switch m {
	case ModeTransmit:
		return "transmit"
	case ModeListen:
		return "listen"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// Role picks which of a configured address pair a node writes to.
type Role uint8

const (
	RolePrimary Role = iota
	RoleSecondary
)

// Event is a notification raised by the transceiver.
type Event uint8

const (
	EventNone Event = iota
	EventSendOK
	EventSendFailed
	EventDataReady
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSendOK:
		return "send-ok"
	case EventSendFailed:
		return "send-failed"
	case EventDataReady:
		return "data-ready"
	default:
		return fmt.Sprintf("Event(%d)", e)
	}
}

// Transport sends and receives single frames.
type Transport interface {
	// FrameSize is the frame capacity F.
	FrameSize() int
	SetMode(m Mode) error
	// Send blocks until the frame is acknowledged or lost.
	Send(frame []byte) error
	// Available reports whether Receive would return a frame now.
	Available() bool
	Receive(buf []byte) (int, error)
	Close() error
}

// FastSender is implemented by transports with a fire-and-forget send.
// Flush waits until every queued fast send has left the radio.
type FastSender interface {
	SendFast(frame []byte) error
	Flush() error
}

// Waiter is implemented by transports that can block on their own event
// source. EventNone is returned when the timeout expires.
type Waiter interface {
	WaitForEvent(timeout time.Duration) (Event, error)
}

// Configurer is implemented by transports addressed by channel and an
// address pair. The node writes to addrs[role] and reads from the other.
type Configurer interface {
	Configure(channel uint8, role Role, addrs [2]string) error
}

// DefaultPollInterval is the sleep between availability checks when a
// transport has no event source of its own.
const DefaultPollInterval = 100 * time.Microsecond

// Wait blocks until t signals an event or timeout elapses. Transports
// without an event source are polled.
func Wait(t Transport, timeout time.Duration) (Event, error) {
	if w, ok := t.(Waiter); ok {
		return w.WaitForEvent(timeout)
	}
	return PollWaiter{T: t, Interval: DefaultPollInterval}.WaitForEvent(timeout)
}

// PollWaiter turns Available into a blocking wait by polling with a sleep.
type PollWaiter struct {
	T        Transport
	Interval time.Duration
}

func (p PollWaiter) WaitForEvent(timeout time.Duration) (Event, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		if p.T.Available() {
			return EventDataReady, nil
		}
		if !time.Now().Before(deadline) {
			return EventNone, nil
		}
		time.Sleep(interval)
	}
}

func checkFrame(frame []byte, size int) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if len(frame) > size {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), size)
	}
	return nil
}

package frag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/util/ip"
)

const (
	// DefaultPollWait bounds how long one Poll blocks for a frame.
	DefaultPollWait = 10 * time.Millisecond
)

var (
	ErrBadHeader = errors.New("first fragment fails ipv4 header checks")
	ErrBadLength = errors.New("declared datagram length out of range")
	ErrSequence  = errors.New("fragment out of sequence")
	ErrStalled   = errors.New("reassembly stalled")
)

// OverflowError aborts a datagram whose bytes would not fit the buffer.
// Received is the partial length accepted before the offending frame.
type OverflowError struct {
	Received int
	Limit    int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("reassembly overflow after %d bytes, buffer holds %d", e.Received, e.Limit)
}

// Reason names a discard error for counters and logs.
func Reason(err error) string {
	var overflow *OverflowError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadHeader):
		return "header"
	case errors.Is(err, ErrBadLength):
		return "length"
	case errors.Is(err, ErrSequence):
		return "sequence"
	case errors.As(err, &overflow):
		return "overflow"
	case errors.Is(err, ErrStalled):
		return "stalled"
	case errors.Is(err, ErrNotData):
		return "control"
	case errors.Is(err, ErrShortFrame):
		return "short"
	default:
		return "other"
	}
}

type State uint8

const (
	StateIdle State = iota
	StateReceiving
)

func (s State) String() string {
	if s == StateReceiving {
		return "receiving"
	}
	return "idle"
}

// Reassembler rebuilds datagrams from frames arriving in order. It is owned
// by a single goroutine.
type Reassembler struct {
	Codec  Codec
	MTU    int
	BufLen int
	// IdleTimeout abandons a partial datagram whose last frame is older.
	// Zero waits forever.
	IdleTimeout time.Duration
	PollWait    time.Duration
	// OnControl receives frames without the data flag when the codec is
	// tagged. Poll then reports nothing instead of ErrNotData.
	OnControl func(frame []byte)

	t link.Transport

	state    State
	total    int
	received int
	last     int
	lastAt   time.Time
	buf      []byte
	frame    []byte
}

func NewReassembler(codec Codec, t link.Transport) *Reassembler {
	return &Reassembler{
		Codec:    codec,
		MTU:      MTU,
		BufLen:   MTU,
		PollWait: DefaultPollWait,
		t:        t,
		total:    -1,
	}
}

func (r *Reassembler) State() State { return r.state }

// Received is the byte count of the datagram in progress.
func (r *Reassembler) Received() int { return r.received }

// Reset drops any datagram in progress.
func (r *Reassembler) Reset() {
	r.state = StateIdle
	r.total = -1
	r.received = 0
	r.last = 0
}

// Feed advances the state machine by one frame. It returns the datagram
// when the frame completes one, a non-nil error when the frame or the
// datagram in progress was discarded, and (nil, nil) otherwise.
func (r *Reassembler) Feed(frame []byte) ([]byte, error) {
	index, payload, err := r.Codec.decode(frame)
	if err != nil && (r.state == StateIdle || !errors.Is(err, ErrShortFrame)) {
		return nil, err
	}
	if r.state == StateIdle {
		return r.start(index, payload)
	}

	if r.Codec.sequenced() && index != r.last+1 {
		expected := r.last + 1
		r.Reset()
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrSequence, index, expected)
	}
	if err != nil {
		// an empty frame leaves a hole in the datagram
		r.Reset()
		return nil, err
	}
	r.last = index
	return r.append(payload)
}

func (r *Reassembler) start(index int, payload []byte) ([]byte, error) {
	if r.Codec.sequenced() && index != 0 {
		return nil, fmt.Errorf("%w: datagram starts at index %d", ErrSequence, index)
	}

	mtu := r.mtu()
	var total int
	if r.Codec.Format == FormatLength {
		if len(payload) < lengthFieldSize {
			return nil, ErrShortFrame
		}
		total = int(binary.BigEndian.Uint16(payload))
		if total == 0 || total > mtu {
			return nil, fmt.Errorf("%w: %d", ErrBadLength, total)
		}
		payload = payload[lengthFieldSize:]
	} else {
		n, err := ip.ValidateFirstFragment(payload, mtu)
		if errors.Is(err, ip.ErrTotLen) {
			return nil, fmt.Errorf("%w: %s", ErrBadLength, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadHeader, err)
		}
		total = n
	}

	if len(r.buf) < r.bufLen() {
		r.buf = make([]byte, r.bufLen())
	}
	r.state = StateReceiving
	r.total = total
	r.received = 0
	r.last = index
	return r.append(payload)
}

func (r *Reassembler) append(payload []byte) ([]byte, error) {
	// links with a fixed payload size pad the last frame
	if rest := r.total - r.received; len(payload) > rest {
		payload = payload[:rest]
	}
	limit := r.bufLen()
	if r.received+len(payload) > limit {
		received := r.received
		r.Reset()
		return nil, &OverflowError{Received: received, Limit: limit}
	}
	copy(r.buf[r.received:], payload)
	r.received += len(payload)
	r.lastAt = time.Now()

	if r.received < r.total {
		return nil, nil
	}
	out := make([]byte, r.total)
	copy(out, r.buf[:r.total])
	r.Reset()
	return out, nil
}

// Poll waits up to PollWait for one frame on the link and feeds it.
// (nil, nil) means nothing arrived or the datagram is still incomplete.
func (r *Reassembler) Poll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.stalled() {
		received, idle := r.received, time.Since(r.lastAt)
		r.Reset()
		return nil, fmt.Errorf("%w: %d bytes received, last frame %s ago",
			ErrStalled, received, idle.Round(time.Millisecond))
	}

	if !r.t.Available() {
		ev, err := link.Wait(r.t, r.PollWait)
		if err != nil {
			return nil, err
		}
		if ev != link.EventDataReady && !r.t.Available() {
			return nil, nil
		}
	}

	if r.frame == nil {
		r.frame = make([]byte, link.MaxFrameSize)
	}
	n, err := r.t.Receive(r.frame)
	if errors.Is(err, link.ErrNoFrame) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := r.Feed(r.frame[:n])
	if errors.Is(err, ErrNotData) && r.OnControl != nil {
		frame := make([]byte, n)
		copy(frame, r.frame[:n])
		r.OnControl(frame)
		return nil, nil
	}
	return out, err
}

func (r *Reassembler) stalled() bool {
	return r.IdleTimeout > 0 && r.state == StateReceiving && time.Since(r.lastAt) > r.IdleTimeout
}

func (r *Reassembler) mtu() int {
	if r.MTU <= 0 {
		return MTU
	}
	return r.MTU
}

func (r *Reassembler) bufLen() int {
	if r.BufLen <= 0 {
		return MTU
	}
	return r.BufLen
}

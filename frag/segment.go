package frag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/link"
)

// DefaultGap is the pause between consecutive frames of one datagram.
const DefaultGap = 200 * time.Microsecond

var (
	ErrEmptyDatagram    = errors.New("empty datagram")
	ErrDatagramTooLarge = errors.New("datagram exceeds mtu")
	ErrTooManyFragments = errors.New("datagram needs more fragments than the sequence index can number")
)

// SendError reports the frame that aborted a datagram.
type SendError struct {
	Index    int
	Total    int
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("fragment %d/%d failed after %d attempts: %s", e.Index, e.Total, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Segmenter splits datagrams into frames and pushes them onto a link.
type Segmenter struct {
	Codec Codec
	Retry *RetryPolicy
	Gap   time.Duration
	// Trace dumps every outgoing datagram at debug level.
	Trace bool

	t link.Transport
}

func NewSegmenter(codec Codec, t link.Transport, retry *RetryPolicy) *Segmenter {
	if retry == nil {
		retry = NewRetryPolicy()
	}
	return &Segmenter{Codec: codec, Retry: retry, Gap: DefaultGap, t: t}
}

// Count is the number of frames a datagram of length l is split into.
func (s *Segmenter) Count(l int) int {
	n := l
	if s.Codec.Format == FormatLength {
		n += lengthFieldSize
	}
	d := s.Codec.PayloadSize()
	return (n + d - 1) / d
}

// Frames splits a datagram without sending anything.
func (s *Segmenter) Frames(datagram []byte) ([][]byte, error) {
	if len(datagram) == 0 {
		return nil, ErrEmptyDatagram
	}
	if len(datagram) > MTU {
		return nil, fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(datagram), MTU)
	}
	count := s.Count(len(datagram))
	if s.Codec.sequenced() && count > MaxFragments {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, count)
	}

	stream := s.Codec.stream(datagram)
	d := s.Codec.PayloadSize()
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * d
		end := start + d
		if end > len(stream) {
			end = len(stream)
		}
		frames = append(frames, s.Codec.encode(i, stream[start:end]))
	}
	return frames, nil
}

// Send transmits every fragment of datagram in order. The first fragment
// to exhaust its retry budget aborts the datagram; frames already sent are
// not recalled.
func (s *Segmenter) Send(ctx context.Context, datagram []byte) error {
	frames, err := s.Frames(datagram)
	if err != nil {
		return err
	}

	if s.Trace {
		logs.Debug("send datagram of %d bytes in %d frames: % x", len(datagram), len(frames), datagram)
	}

	for i, frame := range frames {
		if i > 0 {
			if err := sleep(ctx, s.Gap); err != nil {
				return err
			}
		}
		attempts, err := s.Retry.Send(ctx, s.t, frame)
		if err != nil {
			if errors.Is(err, ErrRetryExhausted) {
				return &SendError{Index: i, Total: len(frames), Attempts: attempts, Err: err}
			}
			return err
		}
	}

	if s.Retry.usesFast(s.t) {
		if err := s.t.(link.FastSender).Flush(); err != nil {
			return &SendError{Index: len(frames) - 1, Total: len(frames), Err: err}
		}
	}
	return nil
}

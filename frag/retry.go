package frag

import (
	"context"
	"errors"
	"time"

	"github.com/easymesh/rftun/link"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 50 * time.Microsecond
)

var ErrRetryExhausted = errors.New("retry budget exhausted")

// RetryPolicy bounds the attempts spent on a single frame.
type RetryPolicy struct {
	MaxAttempts int
	// Delay follows every failed attempt except the last.
	Delay time.Duration
	// Fast uses the transport's fire-and-forget send when it has one.
	Fast bool
	// OnFailure, if set, observes each failed attempt.
	OnFailure func(attempt int, err error)
}

func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay}
}

// Send tries the frame until it goes through or MaxAttempts is reached,
// returning the number of attempts made. Failure is ErrRetryExhausted
// unless ctx ended first.
func (p *RetryPolicy) Send(ctx context.Context, t link.Transport, frame []byte) (int, error) {
	send := t.Send
	if fs, ok := t.(link.FastSender); ok && p.Fast {
		send = fs.SendFast
	}

	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	for attempt := 1; attempt <= max; attempt++ {
		err := send(frame)
		if err == nil {
			return attempt, nil
		}
		if p.OnFailure != nil {
			p.OnFailure(attempt, err)
		}
		if attempt == max {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return attempt, err
		}
	}
	return max, ErrRetryExhausted
}

// usesFast reports whether Send will go through SendFast on t.
func (p *RetryPolicy) usesFast(t link.Transport) bool {
	_, ok := t.(link.FastSender)
	return ok && p.Fast
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

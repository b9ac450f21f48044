package handshake

import (
	"context"
	"errors"
	"time"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/link"
)

const (
	DefaultIterations = 50
	DefaultInterval   = 100 * time.Millisecond
	DefaultRetryDelay = time.Millisecond
)

var ErrJoinTimeout = errors.New("no join response from peer")

// Joiner is the side that asks to join. Tx and Rx may be the two views of
// one shared transceiver.
type Joiner struct {
	ID string
	Tx link.Transport
	Rx link.Transport

	// Iterations bounds the polls spent waiting for the response.
	Iterations int
	Interval   time.Duration
	// RetryDelay separates attempts to get the request acknowledged.
	RetryDelay time.Duration
}

func NewJoiner(id string, tx, rx link.Transport) *Joiner {
	return &Joiner{
		ID:         id,
		Tx:         tx,
		Rx:         rx,
		Iterations: DefaultIterations,
		Interval:   DefaultInterval,
		RetryDelay: DefaultRetryDelay,
	}
}

// Join sends a JoinRequest and waits for the JoinResponse, returning the
// peer's id. Data must not be sent if Join fails.
func (j *Joiner) Join(ctx context.Context) (string, error) {
	req, err := Encode(JoinRequest, j.ID, j.Tx.FrameSize())
	if err != nil {
		return "", err
	}
	if err := sendUntilAcked(ctx, j.Tx, req, j.RetryDelay); err != nil {
		return "", err
	}
	logs.Info("join request sent as %s", j.ID)

	if err := j.Rx.SetMode(link.ModeListen); err != nil {
		return "", err
	}
	buf := make([]byte, link.MaxFrameSize)
	for i := 0; i < j.Iterations; i++ {
		f, err := receive(ctx, j.Rx, buf, j.Interval)
		if err != nil {
			return "", err
		}
		if f == nil || f.Type != JoinResponse {
			continue
		}
		logs.Info("joined peer %s after %d polls", f.ID, i+1)
		return f.ID, nil
	}
	return "", ErrJoinTimeout
}

// Responder waits for a joiner and answers it.
type Responder struct {
	ID string
	Tx link.Transport
	Rx link.Transport

	Interval   time.Duration
	RetryDelay time.Duration
}

func NewResponder(id string, tx, rx link.Transport) *Responder {
	return &Responder{
		ID:         id,
		Tx:         tx,
		Rx:         rx,
		Interval:   DefaultInterval,
		RetryDelay: DefaultRetryDelay,
	}
}

// Accept blocks until a JoinRequest arrives or ctx ends, replies with a
// JoinResponse and returns the joiner's id.
func (r *Responder) Accept(ctx context.Context) (string, error) {
	if err := r.Rx.SetMode(link.ModeListen); err != nil {
		return "", err
	}
	buf := make([]byte, link.MaxFrameSize)
	for {
		f, err := receive(ctx, r.Rx, buf, r.Interval)
		if err != nil {
			return "", err
		}
		if f == nil || f.Type != JoinRequest {
			continue
		}
		logs.Info("join request from %s", f.ID)

		resp, err := Encode(JoinResponse, r.ID, r.Tx.FrameSize())
		if err != nil {
			return "", err
		}
		if err := sendUntilAcked(ctx, r.Tx, resp, r.RetryDelay); err != nil {
			return "", err
		}
		return f.ID, nil
	}
}

// SendGoodbye announces that id is leaving. The frame is sent once; a
// lost goodbye is not retried.
func SendGoodbye(t link.Transport, id string) error {
	frame, err := Encode(Goodbye, id, t.FrameSize())
	if err != nil {
		return err
	}
	if err := t.SetMode(link.ModeTransmit); err != nil {
		return err
	}
	return t.Send(frame)
}

func sendUntilAcked(ctx context.Context, t link.Transport, frame []byte, delay time.Duration) error {
	if err := t.SetMode(link.ModeTransmit); err != nil {
		return err
	}
	for {
		err := t.Send(frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, link.ErrNoAck) {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// receive waits one interval for a frame and decodes it. Data frames and
// malformed control frames yield nil.
func receive(ctx context.Context, t link.Transport, buf []byte, interval time.Duration) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// own send events may wake the wait early, keep waiting out the interval
	deadline := time.Now().Add(interval)
	for !t.Available() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if _, err := link.Wait(t, remaining); err != nil {
			return nil, err
		}
	}
	n, err := t.Receive(buf)
	if errors.Is(err, link.ErrNoFrame) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := Decode(buf[:n])
	if err != nil {
		logs.Debug("handshake ignores frame: %s", err.Error())
		return nil, nil
	}
	return &f, nil
}

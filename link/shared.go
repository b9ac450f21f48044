package link

import (
	"sync"
	"time"
)

// Shared serialises access to a single transceiver used for both
// directions. Every operation holds the lock for the mode switch plus the
// send or receive call that follows it.
type Shared struct {
	mu   sync.Mutex
	t    Transport
	mode Mode
	set  bool
}

func Share(t Transport) *Shared {
	return &Shared{t: t}
}

// Transmitter returns a view that switches to transmit mode before sending.
func (s *Shared) Transmitter() Transport { return &sharedView{s: s, mode: ModeTransmit} }

// Receiver returns a view that switches to listen mode before receiving.
func (s *Shared) Receiver() Transport { return &sharedView{s: s, mode: ModeListen} }

func (s *Shared) Close() error { return s.t.Close() }

// switchTo must be called with s.mu held.
func (s *Shared) switchTo(m Mode) error {
	if s.set && s.mode == m {
		return nil
	}
	if err := s.t.SetMode(m); err != nil {
		return err
	}
	s.mode, s.set = m, true
	return nil
}

type sharedView struct {
	s    *Shared
	mode Mode
}

func (v *sharedView) FrameSize() int { return v.s.t.FrameSize() }

// SetMode is fixed per view; asking for the other direction is an error.
func (v *sharedView) SetMode(m Mode) error {
	if m != v.mode {
		return ErrWrongMode
	}
	return nil
}

func (v *sharedView) Send(frame []byte) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.switchTo(ModeTransmit); err != nil {
		return err
	}
	return v.s.t.Send(frame)
}

func (v *sharedView) SendFast(frame []byte) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.switchTo(ModeTransmit); err != nil {
		return err
	}
	if f, ok := v.s.t.(FastSender); ok {
		return f.SendFast(frame)
	}
	return v.s.t.Send(frame)
}

func (v *sharedView) Flush() error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if f, ok := v.s.t.(FastSender); ok {
		return f.Flush()
	}
	return nil
}

func (v *sharedView) Available() bool {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.switchTo(ModeListen); err != nil {
		return false
	}
	return v.s.t.Available()
}

func (v *sharedView) Receive(buf []byte) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.switchTo(ModeListen); err != nil {
		return 0, err
	}
	return v.s.t.Receive(buf)
}

// WaitForEvent polls through Available so the lock is never held while
// sleeping and the transmit side can interleave.
func (v *sharedView) WaitForEvent(timeout time.Duration) (Event, error) {
	return PollWaiter{T: v, Interval: DefaultPollInterval}.WaitForEvent(timeout)
}

// Close is a no-op on a view; close the Shared instead.
func (v *sharedView) Close() error { return nil }

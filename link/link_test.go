package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeHalfDuplex(t *testing.T) {
	a, b := Pipe(32)

	// peer still transmitting, nobody hears the frame
	assert.ErrorIs(t, a.Send([]byte{1}), ErrNoAck)

	require.NoError(t, b.SetMode(ModeListen))
	require.NoError(t, a.Send([]byte{1, 2}))

	require.NoError(t, a.SetMode(ModeListen))
	assert.ErrorIs(t, a.Send([]byte{3}), ErrWrongMode)

	buf := make([]byte, 32)
	n, err := b.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf[:n])

	_, err = b.Receive(buf)
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Equal(t, 3, a.Attempts())
}

func TestPipeFrameLimits(t *testing.T) {
	a, b := Pipe(32)
	require.NoError(t, b.SetMode(ModeListen))

	assert.ErrorIs(t, a.Send(nil), ErrEmptyFrame)
	assert.ErrorIs(t, a.Send(make([]byte, 33)), ErrFrameTooLarge)
	assert.NoError(t, a.Send(make([]byte, 32)))
}

func TestPipeQueueFull(t *testing.T) {
	a, b := Pipe(32)
	require.NoError(t, b.SetMode(ModeListen))
	for i := 0; i < pipeDepth; i++ {
		require.NoError(t, a.SendFast([]byte{byte(i)}))
	}
	assert.ErrorIs(t, a.SendFast([]byte{0xff}), ErrNoAck)
	assert.NoError(t, a.Flush())
}

func TestPipeDropper(t *testing.T) {
	a, b := Pipe(32)
	require.NoError(t, b.SetMode(ModeListen))
	a.SetDropper(func(f []byte) bool { return f[0] == 7 })

	assert.ErrorIs(t, a.Send([]byte{7}), ErrNoAck)
	assert.NoError(t, a.Send([]byte{8}))

	ev, err := a.WaitForEvent(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, EventSendFailed, ev)
	ev, err = a.WaitForEvent(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, EventSendOK, ev)
}

func TestPipeEvents(t *testing.T) {
	a, b := Pipe(32)
	require.NoError(t, b.SetMode(ModeListen))

	ev, err := b.WaitForEvent(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev)

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.Send([]byte{1})
	}()
	ev, err = b.WaitForEvent(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventDataReady, ev)
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe(32)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Send([]byte{1}), ErrClosed)
	assert.ErrorIs(t, a.SetMode(ModeListen), ErrClosed)
	_, err := a.Receive(make([]byte, 32))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.WaitForEvent(time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	// a closed peer never acknowledges
	assert.ErrorIs(t, b.Send([]byte{1}), ErrNoAck)
}

func TestWaitFallsBackToPolling(t *testing.T) {
	a, b := Pipe(32)
	require.NoError(t, b.SetMode(ModeListen))
	var plain Transport = struct{ Transport }{b}
	_, isWaiter := plain.(Waiter)
	require.False(t, isWaiter)

	ev, err := Wait(plain, 2*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev)

	require.NoError(t, a.Send([]byte{1}))
	ev, err = Wait(plain, time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventDataReady, ev)
}

func TestSharedSwitchesMode(t *testing.T) {
	a, b := Pipe(32)
	s := Share(a)
	tx, rx := s.Transmitter(), s.Receiver()

	assert.ErrorIs(t, tx.SetMode(ModeListen), ErrWrongMode)
	assert.NoError(t, rx.SetMode(ModeListen))

	assert.False(t, rx.Available())
	assert.Equal(t, ModeListen, a.Mode())

	require.NoError(t, b.SetMode(ModeListen))
	require.NoError(t, tx.Send([]byte{1}))
	assert.Equal(t, ModeTransmit, a.Mode())

	require.NoError(t, b.SetMode(ModeTransmit))
	require.NoError(t, a.SetMode(ModeListen))
	require.NoError(t, b.Send([]byte{2}))
	buf := make([]byte, 32)
	n, err := rx.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, buf[:n])
}

func TestSharedConcurrentUse(t *testing.T) {
	a, b := Pipe(32)
	s := Share(a)
	tx, rx := s.Transmitter(), s.Receiver()
	require.NoError(t, b.SetMode(ModeListen))

	var wg sync.WaitGroup
	var wrongMode int
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if err := tx.Send([]byte{byte(i)}); err == ErrWrongMode {
				wrongMode++
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			rx.Available()
		}
	}()
	wg.Wait()

	assert.Zero(t, wrongMode)
	assert.Equal(t, 100, a.Attempts())
	assert.NoError(t, s.Close())
}

func TestSharedWaitDoesNotBlockTransmit(t *testing.T) {
	a, b := Pipe(32)
	s := Share(a)
	require.NoError(t, b.SetMode(ModeListen))

	done := make(chan struct{})
	go func() {
		Wait(s.Receiver(), 50*time.Millisecond)
		close(done)
	}()
	time.Sleep(time.Millisecond)
	assert.NoError(t, s.Transmitter().Send([]byte{1}))
	<-done
}

func TestUDPLink(t *testing.T) {
	a := NewUDP(32, 0)
	b := NewUDP(32, 0)
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Configure(0, RoleSecondary, [2]string{"127.0.0.1:0", "127.0.0.1:0"}))
	bAddr := b.LocalAddr().String()
	require.NoError(t, a.Configure(0, RolePrimary, [2]string{bAddr, "127.0.0.1:0"}))

	require.NoError(t, b.SetMode(ModeListen))
	require.NoError(t, a.Send([]byte("hello radio")))

	ev, err := b.WaitForEvent(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventDataReady, ev)

	buf := make([]byte, 32)
	n, err := b.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello radio", string(buf[:n]))

	assert.ErrorIs(t, a.Send(make([]byte, 33)), ErrFrameTooLarge)
	require.NoError(t, a.SetMode(ModeListen))
	assert.ErrorIs(t, a.Send([]byte{1}), ErrWrongMode)
}

func TestUDPAckNeedsListener(t *testing.T) {
	a := NewUDP(32, 0)
	b := NewUDP(32, 0)
	defer a.Close()
	defer b.Close()
	a.AckTimeout = 5 * time.Millisecond

	require.NoError(t, b.Configure(0, RoleSecondary, [2]string{"127.0.0.1:0", "127.0.0.1:0"}))
	require.NoError(t, a.Configure(0, RolePrimary, [2]string{b.LocalAddr().String(), "127.0.0.1:0"}))

	// b is still transmitting and cannot hear the frame
	assert.ErrorIs(t, a.Send([]byte{1}), ErrNoAck)
	assert.False(t, b.Available())

	a.AckTimeout = 2 * time.Second
	require.NoError(t, b.SetMode(ModeListen))
	require.NoError(t, a.Send([]byte{2}))
	assert.True(t, b.Available())
}

func TestUDPLoss(t *testing.T) {
	a := NewUDP(32, 0.999999)
	defer a.Close()
	require.NoError(t, a.Configure(0, RolePrimary, [2]string{"127.0.0.1:9", "127.0.0.1:0"}))
	assert.ErrorIs(t, a.Send([]byte{1}), ErrNoAck)
}

func TestUDPUnconfigured(t *testing.T) {
	u := NewUDP(32, 0)
	assert.Nil(t, u.LocalAddr())
	assert.Error(t, u.Send([]byte{1}))
	assert.Error(t, u.Configure(0, Role(3), [2]string{"", ""}))
}

func TestChannelAddr(t *testing.T) {
	addr, err := channelAddr("127.0.0.1:7600", 76)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7676", addr)

	addr, err = channelAddr("127.0.0.1:0", 76)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", addr)

	_, err = channelAddr("nohost", 1)
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "listen", ModeListen.String())
	assert.Equal(t, "data-ready", EventDataReady.String())
	assert.Equal(t, "Event(9)", Event(9).String())
}

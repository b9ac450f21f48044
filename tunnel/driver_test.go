package tunnel

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/easymesh/rftun/frag"
	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/util/ip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTun is a TunApi fed and drained through channels.
type memTun struct {
	in  chan []byte
	out chan []byte

	once   sync.Once
	closed chan struct{}
}

func newMemTun() *memTun {
	return &memTun{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (m *memTun) Read(p []byte) (int, error) {
	select {
	case b := <-m.in:
		return copy(p, b), nil
	case <-m.closed:
		return 0, os.ErrClosed
	}
}

func (m *memTun) Write(p []byte) error {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case m.out <- b:
		return nil
	case <-m.closed:
		return os.ErrClosed
	}
}

func (m *memTun) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func packet(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	hdr := ip.IP4Header{
		Version:  ip.IPVERSION,
		HeadLen:  ip.MIN_IHL,
		TotLen:   uint16(n),
		TTL:      64,
		Protocal: ip.IPPROTO_ICMP,
		SAddr:    ip.MustParseIP4("10.8.0.1"),
		DAddr:    ip.MustParseIP4("10.8.0.2"),
	}
	hdr.MakeCheckSum()
	hdr.Coder(b)
	return b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Gap = 0
	cfg.PollWait = time.Millisecond
	cfg.Retry = &frag.RetryPolicy{MaxAttempts: 5, Delay: 50 * time.Microsecond}
	return cfg
}

type node struct {
	dev    *memTun
	driver *Driver
	done   chan error
}

func start(t *testing.T, ctx context.Context, tx, rx link.Transport, cfg Config) *node {
	t.Helper()
	// listen before the peer starts sending
	require.NoError(t, rx.SetMode(link.ModeListen))
	rx.Available()

	n := &node{dev: newMemTun(), done: make(chan error, 1)}
	d, err := New(n.dev, tx, rx, cfg)
	require.NoError(t, err)
	n.driver = d
	go func() { n.done <- d.Run(ctx) }()
	return n
}

func expect(t *testing.T, dev *memTun, want []byte) {
	t.Helper()
	select {
	case got := <-dev.out:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("datagram of %d bytes never arrived", len(want))
	}
}

func TestDuplexOverTwoLinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aTx, bRx := link.Pipe(32)
	bTx, aRx := link.Pipe(32)
	a := start(t, ctx, aTx, aRx, testConfig())
	b := start(t, ctx, bTx, bRx, testConfig())

	for _, l := range []int{20, 45, 576, 1500} {
		p := packet(l, byte(l))
		a.dev.in <- p
		expect(t, b.dev, p)

		q := packet(l, byte(l)+1)
		b.dev.in <- q
		expect(t, a.dev, q)
	}

	cancel()
	assert.NoError(t, <-a.done)
	assert.NoError(t, <-b.done)

	snap := a.driver.Stats()
	assert.EqualValues(t, 4, snap.DatagramsSent)
	assert.EqualValues(t, 4, snap.DatagramsReceived)
	assert.EqualValues(t, 1+2+19+49, snap.FramesSent)
	assert.EqualValues(t, 20+45+576+1500, snap.BytesSent)
}

func TestSharedTransceiver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ea, eb := link.Pipe(32)
	sa, sb := link.Share(ea), link.Share(eb)
	a := start(t, ctx, sa.Transmitter(), sa.Receiver(), testConfig())
	b := start(t, ctx, sb.Transmitter(), sb.Receiver(), testConfig())

	p := packet(100, 1)
	a.dev.in <- p
	expect(t, b.dev, p)

	q := packet(300, 2)
	b.dev.in <- q
	expect(t, a.dev, q)
}

func TestAbortedDatagramIsCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aTx, bRx := link.Pipe(32)
	bTx, aRx := link.Pipe(32)
	aTx.SetDropper(func(f []byte) bool { return f[0] == 2 })

	a := start(t, ctx, aTx, aRx, testConfig())
	b := start(t, ctx, bTx, bRx, testConfig())

	a.dev.in <- packet(100, 3)
	require.Eventually(t, func() bool { return a.driver.Stats().Aborted == 1 }, 5*time.Second, time.Millisecond)
	assert.EqualValues(t, 5, a.driver.Stats().Retries)
	assert.Zero(t, a.driver.Stats().DatagramsSent)

	// the next datagram collides with the abandoned one and is lost too
	a.dev.in <- packet(20, 4)
	require.Eventually(t, func() bool { return b.driver.Stats().Discards["sequence"] == 1 }, 5*time.Second, time.Millisecond)

	p := packet(40, 5)
	a.dev.in <- p
	expect(t, b.dev, p)
	assert.EqualValues(t, 1, b.driver.Stats().DatagramsReceived)
}

func TestNonIPv4Dropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aTx, bRx := link.Pipe(32)
	bTx, aRx := link.Pipe(32)
	a := start(t, ctx, aTx, aRx, testConfig())
	start(t, ctx, bTx, bRx, testConfig())

	v6 := make([]byte, 40)
	v6[0] = 0x60
	a.dev.in <- v6
	require.Eventually(t, func() bool { return a.driver.Stats().Discards["not-ipv4"] == 1 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, aTx.Attempts())
}

func TestHeaderLengthMismatchDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aTx, bRx := link.Pipe(32)
	bTx, aRx := link.Pipe(32)
	a := start(t, ctx, aTx, aRx, testConfig())
	start(t, ctx, bTx, bRx, testConfig())

	a.dev.in <- packet(100, 1)[:80]
	require.Eventually(t, func() bool { return a.driver.Stats().Discards["length"] == 1 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, aTx.Attempts())
}

// brokenTun fails every read, like an interface that went away.
type brokenTun struct{ *memTun }

func (b *brokenTun) Read([]byte) (int, error) { return 0, syscall.EIO }

func TestTunReadErrorStopsRun(t *testing.T) {
	aTx, _ := link.Pipe(32)
	_, aRx := link.Pipe(32)
	dev := &brokenTun{newMemTun()}
	d, err := New(dev, aTx, aRx, testConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, syscall.EIO)
	case <-time.After(5 * time.Second):
		t.Fatal("run kept going after read error")
	}
}

func TestLengthFormatCarriesAnyPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.Codec.Format = frag.FormatLength
	aTx, bRx := link.Pipe(32)
	bTx, aRx := link.Pipe(32)
	a := start(t, ctx, aTx, aRx, cfg)
	b := start(t, ctx, bTx, bRx, cfg)

	v6 := make([]byte, 80)
	v6[0] = 0x60
	a.dev.in <- v6
	expect(t, b.dev, v6)
}

func TestHeaderDiscardCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inject, bRx := link.Pipe(32)
	bTx, _ := link.Pipe(32)
	b := start(t, ctx, bTx, bRx, testConfig())

	bad := packet(45, 0)
	bad[0] = 0x44
	require.NoError(t, inject.Send(append([]byte{0}, bad[:31]...)))
	require.Eventually(t, func() bool { return b.driver.Stats().Discards["header"] == 1 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, b.driver.Stats().DatagramsReceived)
}

func TestGoodbyeOnShutdown(t *testing.T) {
	bctx, bcancel := context.WithCancel(context.Background())
	defer bcancel()
	actx, acancel := context.WithCancel(context.Background())

	cfg := testConfig()
	cfg.Codec.Tagged = true
	aTx, bRx := link.Pipe(32)
	bTx, aRx := link.Pipe(32)

	acfg := cfg
	acfg.NodeID = "node-a"
	a := start(t, actx, aTx, aRx, acfg)
	b := start(t, bctx, bTx, bRx, cfg)
	b.driver.SetPeer("node-a")

	p := packet(64, 9)
	a.dev.in <- p
	expect(t, b.dev, p)
	assert.Equal(t, "node-a", b.driver.Stats().Peer)

	acancel()
	require.NoError(t, <-a.done)
	require.Eventually(t, func() bool { return b.driver.Stats().ControlFrames == 1 }, 5*time.Second, time.Millisecond)
	assert.Empty(t, b.driver.Stats().Peer)
}

func TestNewRejectsBadLayout(t *testing.T) {
	a, b := link.Pipe(32)
	cfg := testConfig()
	cfg.Codec.FrameSize = 40
	_, err := New(newMemTun(), a, b, cfg)
	assert.Error(t, err)

	small, _ := link.Pipe(16)
	cfg = testConfig()
	_, err = New(newMemTun(), small, b, cfg)
	assert.Error(t, err)
}

func TestRetryObserverChained(t *testing.T) {
	a, _ := link.Pipe(32)
	_, rx := link.Pipe(32)
	seen := 0
	cfg := testConfig()
	cfg.Retry.OnFailure = func(int, error) { seen++ }

	d, err := New(newMemTun(), a, rx, cfg)
	require.NoError(t, err)
	err = d.seg.Send(context.Background(), packet(20, 0))
	assert.ErrorIs(t, err, frag.ErrRetryExhausted)
	assert.Equal(t, 5, seen)
	assert.EqualValues(t, 5, d.Stats().Retries)
}

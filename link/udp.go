package link

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/astaxie/beego/logs"
)

// DefaultAckTimeout bounds the wait for the peer's acknowledgement.
const DefaultAckTimeout = 20 * time.Millisecond

// UDP emulates a radio link over UDP: one datagram per frame, frame size
// enforced, half-duplex reception and optional random loss. A listening
// receiver that queues a frame answers with an empty datagram, which
// stands in for the radio's auto-ack. It lets two hosts run the tunnel
// without transceiver hardware.
type UDP struct {
	frameSize int
	loss      float64

	AckTimeout time.Duration

	mu     sync.Mutex
	mode   Mode
	conn   *net.UDPConn
	remote *net.UDPAddr
	rnd    *rand.Rand

	rx     chan []byte
	acks   chan struct{}
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDP returns an unconfigured link. Call Configure before use.
// loss is the probability in [0,1) that an outgoing frame is dropped.
func NewUDP(frameSize int, loss float64) *UDP {
	return &UDP{
		frameSize: frameSize,
		loss:      loss,
		mode:      ModeTransmit,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		rx:        make(chan []byte, pipeDepth),
		acks:      make(chan struct{}, 1),
		events:    make(chan Event, eventsDepth),
		closed:    make(chan struct{}),

		AckTimeout: DefaultAckTimeout,
	}
}

// Configure binds the reading address and resolves the writing address.
// The radio channel is applied as a port offset so that links on
// different channels never hear each other.
func (u *UDP) Configure(channel uint8, role Role, addrs [2]string) error {
	if role > RoleSecondary {
		return fmt.Errorf("invalid role %d", role)
	}
	writeAddr, err := channelAddr(addrs[role], channel)
	if err != nil {
		return err
	}
	readAddr, err := channelAddr(addrs[1-role], channel)
	if err != nil {
		return err
	}

	remote, err := net.ResolveUDPAddr("udp", writeAddr)
	if err != nil {
		return err
	}
	conn, err := openUdp(readAddr)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.conn, u.remote = conn, remote
	u.mu.Unlock()

	logs.Info("udp link channel %d reading %s writing %s", channel, conn.LocalAddr(), remote)
	go u.readTask(conn)
	return nil
}

func channelAddr(addr string, channel uint8) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("invalid port in %s", addr)
	}
	if p != 0 {
		p += int(channel)
	}
	return net.JoinHostPort(host, strconv.Itoa(p)), nil
}

// LocalAddr returns the bound reading address, nil before Configure.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDP) readTask(conn *net.UDPConn) {
	buff := make([]byte, 2048)
	for {
		cnt, from, err := conn.ReadFromUDP(buff)
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
			}
			logs.Error("udp link read fail, %s", err.Error())
			continue
		}
		if cnt == 0 {
			select {
			case u.acks <- struct{}{}:
			default:
			}
			continue
		}
		if cnt > u.frameSize {
			logs.Warn("udp link drop frame of %d bytes", cnt)
			continue
		}
		if u.Mode() != ModeListen {
			continue
		}
		frame := make([]byte, cnt)
		copy(frame, buff[:cnt])
		select {
		case u.rx <- frame:
			if _, err := conn.WriteToUDP(nil, from); err != nil {
				logs.Warn("udp link ack to %s fail, %s", from, err.Error())
			}
			u.notify(EventDataReady)
		default:
			logs.Warn("udp link rx queue full, frame lost")
		}
	}
}

func (u *UDP) notify(ev Event) {
	select {
	case u.events <- ev:
	default:
	}
}

func (u *UDP) FrameSize() int { return u.frameSize }

func (u *UDP) SetMode(m Mode) error {
	select {
	case <-u.closed:
		return ErrClosed
	default:
	}
	u.mu.Lock()
	u.mode = m
	u.mu.Unlock()
	return nil
}

func (u *UDP) Mode() Mode {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mode
}

func (u *UDP) Send(frame []byte) error {
	if err := checkFrame(frame, u.frameSize); err != nil {
		return err
	}
	select {
	case <-u.closed:
		return ErrClosed
	default:
	}

	u.mu.Lock()
	conn, remote, mode := u.conn, u.remote, u.mode
	lost := u.loss > 0 && u.rnd.Float64() < u.loss
	u.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("udp link not configured")
	}
	if mode != ModeTransmit {
		return ErrWrongMode
	}
	if lost {
		u.notify(EventSendFailed)
		return ErrNoAck
	}
	// a late ack belongs to an earlier frame
	select {
	case <-u.acks:
	default:
	}
	if err := writeFrame(conn, remote, frame); err != nil {
		u.notify(EventSendFailed)
		return err
	}

	timer := time.NewTimer(u.ackTimeout())
	defer timer.Stop()
	select {
	case <-u.acks:
		u.notify(EventSendOK)
		return nil
	case <-timer.C:
		u.notify(EventSendFailed)
		return ErrNoAck
	case <-u.closed:
		return ErrClosed
	}
}

func (u *UDP) ackTimeout() time.Duration {
	if u.AckTimeout <= 0 {
		return DefaultAckTimeout
	}
	return u.AckTimeout
}

func (u *UDP) Available() bool {
	return len(u.rx) > 0
}

func (u *UDP) Receive(buf []byte) (int, error) {
	select {
	case frame := <-u.rx:
		return copy(buf, frame), nil
	case <-u.closed:
		return 0, ErrClosed
	default:
		return 0, ErrNoFrame
	}
}

func (u *UDP) WaitForEvent(timeout time.Duration) (Event, error) {
	if u.Available() {
		return EventDataReady, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-u.events:
		return ev, nil
	case <-timer.C:
		return EventNone, nil
	case <-u.closed:
		return EventNone, ErrClosed
	}
}

func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		close(u.closed)
		u.mu.Lock()
		if u.conn != nil {
			u.conn.Close()
		}
		u.mu.Unlock()
	})
	return nil
}

func openUdp(bindAddr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

func writeFrame(conn *net.UDPConn, dstAddr *net.UDPAddr, frame []byte) error {
	cnt, err := conn.WriteToUDP(frame, dstAddr)
	if err != nil {
		return fmt.Errorf("udp write fail, %s", err.Error())
	}
	if cnt != len(frame) {
		return fmt.Errorf("udp send %d out of %d bytes", cnt, len(frame))
	}
	return nil
}

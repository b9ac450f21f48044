package commands

import (
	"context"
	"io"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/config"
	"github.com/easymesh/rftun/handshake"
	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/status"
	"github.com/easymesh/rftun/tunnel"
	"github.com/easymesh/rftun/util"
	"github.com/easymesh/rftun/util/tun"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// links holds the transports for both directions and what must be
// closed when the tunnel stops.
type links struct {
	tx, rx  link.Transport
	closers []io.Closer
	// far is the simulated peer of a loop link.
	far *links
}

func (l *links) Close() {
	for _, c := range l.closers {
		c.Close()
	}
}

func openLinks(cfg *config.Config) (*links, error) {
	size := cfg.Link.FrameSize
	switch cfg.Link.Kind {
	case config.LinkLoop:
		return loopLinks(size, cfg.Link.Shared), nil
	case config.LinkUDP:
		return udpLinks(cfg)
	}
	return nil, errors.Errorf("unknown link kind %s", cfg.Link.Kind)
}

func loopLinks(size int, shared bool) *links {
	if shared {
		a, b := link.Pipe(size)
		sa, sb := link.Share(a), link.Share(b)
		return &links{
			tx: sa.Transmitter(), rx: sa.Receiver(), closers: []io.Closer{sa, sb},
			far: &links{tx: sb.Transmitter(), rx: sb.Receiver()},
		}
	}
	aTx, bRx := link.Pipe(size)
	bTx, aRx := link.Pipe(size)
	return &links{
		tx: aTx, rx: aRx, closers: []io.Closer{aTx, bRx, bTx, aRx},
		far: &links{tx: bTx, rx: bRx},
	}
}

// udpLinks configures the emulated radios. Both nodes use the same
// channel sections; the secondary transmits on the rx section.
func udpLinks(cfg *config.Config) (*links, error) {
	role, err := cfg.Role()
	if err != nil {
		return nil, err
	}
	open := func(ch config.Channel) (*link.UDP, error) {
		u := link.NewUDP(cfg.Link.FrameSize, cfg.Link.Loss)
		if err := u.Configure(ch.Channel, role, ch.Addrs); err != nil {
			return nil, errors.Wrapf(err, "configure udp link on channel %d", ch.Channel)
		}
		return u, nil
	}

	if cfg.Link.Shared {
		u, err := open(cfg.Link.TX)
		if err != nil {
			return nil, err
		}
		s := link.Share(u)
		return &links{tx: s.Transmitter(), rx: s.Receiver(), closers: []io.Closer{s}}, nil
	}

	txCh, rxCh := cfg.Link.TX, cfg.Link.RX
	if role == link.RoleSecondary {
		txCh, rxCh = rxCh, txCh
	}
	tx, err := open(txCh)
	if err != nil {
		return nil, err
	}
	rx, err := open(rxCh)
	if err != nil {
		tx.Close()
		return nil, err
	}
	return &links{tx: tx, rx: rx, closers: []io.Closer{tx, rx}}, nil
}

func join(ctx context.Context, cfg *config.Config, l *links, id string) (string, error) {
	switch cfg.Handshake.Role {
	case config.HandshakeAccept:
		r := handshake.NewResponder(id, l.tx, l.rx)
		r.Interval = cfg.Handshake.Interval
		return r.Accept(ctx)
	default:
		j := handshake.NewJoiner(id, l.tx, l.rx)
		j.Iterations = cfg.Handshake.Iterations
		j.Interval = cfg.Handshake.Interval
		return j.Join(ctx)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	l, err := openLinks(cfg)
	if err != nil {
		return errors.Wrap(err, "link init")
	}
	defer l.Close()

	nodeID := cfg.Handshake.NodeID
	if nodeID == "" {
		nodeID = handshake.NewID()
	}
	var peer string
	if cfg.Handshake.Enabled && l.far == nil {
		peer, err = join(ctx, cfg, l, nodeID)
		if err != nil {
			return errors.Wrap(err, "handshake")
		}
	}

	ipnet, err := cfg.TunNet()
	if err != nil {
		return err
	}
	dev, err := tun.OpenTun(cfg.Tun.Name, ipnet, cfg.Tun.MTU)
	if err != nil {
		return errors.Wrap(err, "tun init")
	}
	return serve(ctx, cfg, l, dev, nodeID, peer)
}

// serve runs the driver, the loop reflector and the status server until
// ctx ends or one of them fails. dev is closed on return.
func serve(ctx context.Context, cfg *config.Config, l *links, dev tun.TunApi, nodeID, peer string) error {
	codec, err := cfg.Codec()
	if err != nil {
		dev.Close()
		return err
	}
	tcfg, err := cfg.Tunnel(nodeID)
	if err != nil {
		dev.Close()
		return err
	}
	if l.far != nil {
		tcfg.NodeID = ""
	}
	driver, err := tunnel.New(dev, l.tx, l.rx, tcfg)
	if err != nil {
		dev.Close()
		return err
	}
	driver.SetPeer(peer)

	g, gctx := errgroup.WithContext(ctx)
	if l.far != nil {
		logs.Info("loop link, datagrams are reflected back")
		g.Go(func() error { return tunnel.Reflect(gctx, codec, l.far.tx, l.far.rx) })
	}
	if cfg.Status.Listen != "" {
		srv := status.New(status.Info{
			NodeID:    nodeID,
			Version:   util.VersionGet(),
			Link:      cfg.Link.Kind,
			Format:    codec.Format.String(),
			FrameSize: codec.FrameSize,
			Shared:    cfg.Link.Shared,
			Tun:       cfg.Tun.Address,
		}, driver.Stats)
		g.Go(func() error { return srv.Serve(gctx, cfg.Status.Listen) })
	}

	g.Go(func() error { return driver.Run(gctx) })
	logs.Info("tunnel %s up over %s link, %s frames of %d bytes", cfg.Tun.Address, cfg.Link.Kind, codec.Format, codec.FrameSize)

	err = g.Wait()
	snap := driver.Stats()
	logs.Info("tunnel down, sent %d received %d aborted %d", snap.DatagramsSent, snap.DatagramsReceived, snap.Aborted)
	return err
}

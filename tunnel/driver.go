// Package tunnel moves datagrams between the virtual interface and the
// link: TUN to Segmenter on one side, Reassembler to TUN on the other.
package tunnel

import (
	"context"
	"time"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/frag"
	"github.com/easymesh/rftun/handshake"
	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/util/ip"
	"github.com/easymesh/rftun/util/tun"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const readBufferSize = 8192

type Config struct {
	Codec frag.Codec
	Retry *frag.RetryPolicy
	Gap   time.Duration

	MTU         int
	BufLen      int
	IdleTimeout time.Duration
	PollWait    time.Duration

	// NodeID is announced in a goodbye frame when Run ends. Only used
	// with a tagged codec.
	NodeID string
	Trace  bool
}

// DefaultConfig is the untagged sequenced format on 32 byte frames.
func DefaultConfig() Config {
	return Config{
		Codec:    frag.Codec{Format: frag.FormatSequenced, FrameSize: link.MaxFrameSize},
		Retry:    frag.NewRetryPolicy(),
		Gap:      frag.DefaultGap,
		MTU:      frag.MTU,
		BufLen:   frag.MTU,
		PollWait: frag.DefaultPollWait,
	}
}

type Driver struct {
	cfg Config
	dev tun.TunApi
	tx  link.Transport
	rx  link.Transport

	seg   *frag.Segmenter
	asm   *frag.Reassembler
	stats *Stats
}

// New wires a driver. tx and rx may be the two views of one link.Shared.
func New(dev tun.TunApi, tx, rx link.Transport, cfg Config) (*Driver, error) {
	if err := cfg.Codec.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid frame layout")
	}
	if cfg.Codec.FrameSize > tx.FrameSize() || cfg.Codec.FrameSize > rx.FrameSize() {
		return nil, errors.Errorf("frame size %d exceeds link capacity %d/%d",
			cfg.Codec.FrameSize, tx.FrameSize(), rx.FrameSize())
	}

	d := &Driver{cfg: cfg, dev: dev, tx: tx, rx: rx, stats: new(Stats)}

	retry := frag.NewRetryPolicy()
	if cfg.Retry != nil {
		*retry = *cfg.Retry
	}
	observe := retry.OnFailure
	retry.OnFailure = func(attempt int, err error) {
		d.stats.retries.Add(1)
		if observe != nil {
			observe(attempt, err)
		}
	}
	d.seg = frag.NewSegmenter(cfg.Codec, tx, retry)
	d.seg.Gap = cfg.Gap
	d.seg.Trace = cfg.Trace

	d.asm = frag.NewReassembler(cfg.Codec, rx)
	if cfg.MTU > 0 {
		d.asm.MTU = cfg.MTU
	}
	if cfg.BufLen > 0 {
		d.asm.BufLen = cfg.BufLen
	}
	if cfg.PollWait > 0 {
		d.asm.PollWait = cfg.PollWait
	}
	d.asm.IdleTimeout = cfg.IdleTimeout
	d.asm.OnControl = d.onControl
	return d, nil
}

func (d *Driver) Stats() Snapshot { return d.stats.Snapshot() }

// SetPeer records the id learned from the handshake.
func (d *Driver) SetPeer(id string) { d.stats.setPeer(id) }

// Run pumps both directions until ctx ends. It closes the device on the
// way out so that a blocked read returns.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.tx.SetMode(link.ModeTransmit); err != nil {
		return errors.Wrap(err, "link transmit mode")
	}
	if err := d.rx.SetMode(link.ModeListen); err != nil {
		return errors.Wrap(err, "link listen mode")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return d.dev.Close()
	})
	g.Go(func() error { return d.txLoop(gctx) })
	g.Go(func() error { return d.rxLoop(gctx) })
	err := g.Wait()

	if d.cfg.Codec.Tagged && d.cfg.NodeID != "" {
		if gerr := handshake.SendGoodbye(d.tx, d.cfg.NodeID); gerr != nil {
			logs.Warn("goodbye not delivered, %s", gerr.Error())
		}
	}
	return err
}

func (d *Driver) headerAware() bool {
	return d.cfg.Codec.Format != frag.FormatLength
}

func (d *Driver) txLoop(ctx context.Context) error {
	buff := make([]byte, readBufferSize)
	for {
		cnt, err := d.dev.Read(buff)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "tun read")
		}
		if cnt == 0 {
			continue
		}
		if d.headerAware() {
			if ip.IPHeaderType(buff[0]) != ip.IPv4 {
				d.stats.discard("not-ipv4")
				continue
			}
			// the receiver completes on the header length
			if total, err := ip.TotalLength(buff[:cnt]); err != nil || total != cnt {
				d.stats.discard("length")
				logs.Warn("tun read %d bytes, header says %d", cnt, total)
				continue
			}
		}

		err = d.seg.Send(ctx, buff[:cnt])
		if err == nil {
			d.stats.sent(cnt, d.seg.Count(cnt))
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		var sendErr *frag.SendError
		if errors.As(err, &sendErr) {
			d.stats.aborted.Add(1)
			logs.Warn("datagram of %d bytes aborted, %s", cnt, err.Error())
			continue
		}
		if errors.Is(err, link.ErrClosed) {
			return errors.Wrap(err, "link send")
		}
		d.stats.discard("unsendable")
		logs.Warn("datagram of %d bytes dropped, %s", cnt, err.Error())
	}
}

func (d *Driver) rxLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		out, err := d.asm.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, link.ErrClosed) {
				return errors.Wrap(err, "link receive")
			}
			d.stats.discard(frag.Reason(err))
			logs.Warn("inbound datagram discarded, %s", err.Error())
			continue
		}
		if out == nil {
			continue
		}

		if err := d.dev.Write(out); err != nil {
			logs.Error("link to tun send fail, %s", err.Error())
			continue
		}
		d.stats.received(len(out))
	}
	return nil
}

func (d *Driver) onControl(frame []byte) {
	d.stats.controlFrames.Add(1)
	f, err := handshake.Decode(frame)
	if err != nil {
		logs.Warn("bad control frame % x", frame)
		return
	}
	switch f.Type {
	case handshake.Goodbye:
		logs.Warn("peer %s said goodbye", f.ID)
		d.stats.setPeer("")
	default:
		logs.Debug("ignore %s from %s", f.Type, f.ID)
	}
}

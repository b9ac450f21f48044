package tunnel

import (
	"context"
	"errors"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/frag"
	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/util/ip"
)

const (
	icmpEchoReply   = 0
	icmpEchoRequest = 8
)

// Reflect plays the far end of a link: every datagram it reassembles is
// sent back with source and destination swapped, and ICMP echo requests
// become replies. It returns when ctx ends or the link closes.
func Reflect(ctx context.Context, codec frag.Codec, tx, rx link.Transport) error {
	seg := frag.NewSegmenter(codec, tx, nil)
	asm := frag.NewReassembler(codec, rx)

	for ctx.Err() == nil {
		if err := rx.SetMode(link.ModeListen); err != nil {
			return err
		}
		out, err := asm.Poll(ctx)
		if err != nil {
			if errors.Is(err, link.ErrClosed) {
				return err
			}
			if ctx.Err() == nil {
				logs.Debug("reflector discard, %s", err.Error())
			}
			continue
		}
		if out == nil {
			continue
		}
		if codec.Format != frag.FormatLength && !mirror(out) {
			continue
		}

		if err := tx.SetMode(link.ModeTransmit); err != nil {
			return err
		}
		if err := seg.Send(ctx, out); err != nil {
			logs.Warn("reflector send fail, %s", err.Error())
		}
	}
	return nil
}

// mirror rewrites an IPv4 datagram in place into its reply.
func mirror(datagram []byte) bool {
	iphdr := ip.IP4HeaderDecoder(datagram)
	if iphdr == nil || iphdr.Version != ip.IPVERSION {
		return false
	}
	hlen := int(iphdr.HeadLen) * 4
	if hlen < ip.MAX_IPHEADER || hlen > len(datagram) {
		return false
	}

	iphdr.SAddr, iphdr.DAddr = iphdr.DAddr, iphdr.SAddr
	iphdr.MakeCheckSum()
	iphdr.Coder(datagram[:ip.MAX_IPHEADER])

	icmp := datagram[hlen:]
	if iphdr.Protocal == ip.IPPROTO_ICMP && len(icmp) >= 4 && icmp[0] == icmpEchoRequest {
		icmp[0] = icmpEchoReply
		icmp[2], icmp[3] = 0, 0
		sum := ip.CheckSum(icmp)
		icmp[2], icmp[3] = byte(sum>>8), byte(sum)
	}
	return true
}

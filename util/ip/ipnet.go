package ip

import (
	"fmt"
	"net"
)

// similar to net.IPNet but has uint based representation
type IP4Net struct {
	IP        IP4
	PrefixLen uint
}

func (n IP4Net) String() string {
	return fmt.Sprintf("%s/%d", n.IP.String(), n.PrefixLen)
}

func (n IP4Net) Network() IP4Net {
	return IP4Net{
		n.IP & IP4(n.Mask()),
		n.PrefixLen,
	}
}

func (n IP4Net) ToIPNet() *net.IPNet {
	return &net.IPNet{
		IP:   n.IP.ToIP(),
		Mask: net.CIDRMask(int(n.PrefixLen), 32),
	}
}

func (n IP4Net) Mask() uint32 {
	if n.PrefixLen == 0 {
		return 0
	}
	var ones uint32 = 0xFFFFFFFF
	return ones << (32 - n.PrefixLen)
}

// ParseIP4Net parses "a.b.c.d/n", keeping the host bits of the address.
func ParseIP4Net(s string) (IP4Net, error) {
	addr, ipn, err := net.ParseCIDR(s)
	if err != nil {
		return IP4Net{}, err
	}
	if addr.To4() == nil {
		return IP4Net{}, fmt.Errorf("%s is not an ipv4 network", s)
	}
	ones, _ := ipn.Mask.Size()
	return IP4Net{IP: FromIP(addr), PrefixLen: uint(ones)}, nil
}

//go:build !linux

package tun

import "github.com/easymesh/rftun/util/ip"

func OpenTun(ifname string, ipnet ip.IP4Net, mtu int) (TunApi, error) {
	if err := checkMTU(mtu); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

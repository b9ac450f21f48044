//go:build linux

package tun

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/util/ip"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

type ifreqFlags struct {
	IfrnName  [ifnameSize]byte
	IfruFlags uint16
}

type tunLinux struct {
	tunf   *os.File
	mtu    int
	ifname string
}

func ioctl(fd int, request, argp uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, argp)
	if errno != 0 {
		return fmt.Errorf("ioctl failed with '%s'", errno)
	}
	return nil
}

func (tun *tunLinux) Write(p []byte) error {
	if len(p) > tun.mtu {
		return fmt.Errorf("tun write %d bytes exceeds mtu %d", len(p), tun.mtu)
	}
	cnt, err := tun.tunf.Write(p)
	if err != nil {
		return fmt.Errorf("tun write fail, %s", err.Error())
	}
	if cnt != len(p) {
		return fmt.Errorf("tun send %d out of %d bytes", cnt, len(p))
	}
	return nil
}

func (tun *tunLinux) Read(p []byte) (int, error) {
	return tun.tunf.Read(p)
}

func (tun *tunLinux) Close() error {
	return tun.tunf.Close()
}

// OpenTun creates a TUN interface without packet information, assigns
// ipnet to it, sets the mtu and brings it up. An ifname containing %d lets
// the kernel pick the index.
func OpenTun(ifname string, ipnet ip.IP4Net, mtu int) (TunApi, error) {
	if err := checkMTU(mtu); err != nil {
		return nil, err
	}
	if ifname == "" {
		ifname = DefaultName
	}
	if len(ifname) >= ifnameSize {
		return nil, fmt.Errorf("interface name %s too long", ifname)
	}

	tunfd, err := unix.Open(tunDevice, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s fail, %s", tunDevice, err.Error())
	}

	var ifr ifreqFlags
	copy(ifr.IfrnName[:len(ifr.IfrnName)-1], ifname)
	ifr.IfruFlags = unix.IFF_TUN | unix.IFF_NO_PI

	err = ioctl(tunfd, unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr)))
	if err != nil {
		unix.Close(tunfd)
		return nil, err
	}

	tuns := &tunLinux{mtu: mtu}
	tuns.tunf, err = pollableFile(tunfd, "tun")
	if err != nil {
		unix.Close(tunfd)
		return nil, err
	}

	tuns.ifname = fromZeroTerm(ifr.IfrnName[:ifnameSize])
	err = configureIface(tuns.ifname, ipnet, mtu)
	if err != nil {
		tuns.tunf.Close()
		return nil, err
	}

	logs.Info("tun %s up with %s mtu %d", tuns.ifname, ipnet.String(), mtu)
	return tuns, nil
}

func configureIface(ifname string, ipn ip.IP4Net, mtu int) error {
	iface, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("failed to lookup interface %v", ifname)
	}

	err = netlink.AddrAdd(iface, &netlink.Addr{IPNet: ipn.ToIPNet()})
	if err != nil {
		return fmt.Errorf("failed to add IP address %v to %v: %v", ipn.String(), ifname, err)
	}

	err = netlink.LinkSetMTU(iface, mtu)
	if err != nil {
		return fmt.Errorf("failed to set MTU for %v: %v", ifname, err)
	}

	err = netlink.LinkSetUp(iface)
	if err != nil {
		return fmt.Errorf("failed to set interface %v to UP state: %v", ifname, err)
	}

	// the peer sits on the same subnet, route it through the radio
	err = netlink.RouteAdd(&netlink.Route{
		LinkIndex: iface.Attrs().Index,
		Scope:     netlink.SCOPE_LINK,
		Dst:       ipn.Network().ToIPNet(),
	})
	if err != nil && err != syscall.EEXIST {
		return fmt.Errorf("failed to add route (%v -> %v): %v", ipn.Network().String(), ifname, err)
	}

	return nil
}

// pollableFile wraps fd so that Close interrupts a pending Read. Calling
// Fd on the result would switch it back to blocking mode.
func pollableFile(fd int, name string) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set %s non-blocking fail, %s", name, err.Error())
	}
	return os.NewFile(uintptr(fd), name), nil
}

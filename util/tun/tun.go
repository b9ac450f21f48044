package tun

import (
	"bytes"
	"errors"
	"fmt"
)

// TunApi is the virtual interface the tunnel reads datagrams from and
// writes reassembled datagrams to.
type TunApi interface {
	Write(p []byte) error
	Read(p []byte) (n int, err error)
	Close() error
}

const (
	// DefaultName is the kernel name pattern for new interfaces.
	DefaultName = "rf%d"

	ifnameSize = 16
	minMTU     = 68
	maxMTU     = 1500
)

var ErrUnsupported = errors.New("tun devices are only supported on linux")

func checkMTU(mtu int) error {
	if mtu < minMTU || mtu > maxMTU {
		return fmt.Errorf("tun mtu %d out of range [%d, %d]", mtu, minMTU, maxMTU)
	}
	return nil
}

func fromZeroTerm(s []byte) string {
	return string(bytes.TrimRight(s, "\000"))
}

package ip

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

/* Standard well-defined IP protocols.  */

const IPPROTO_ICMP = 1

const MAX_IPHEADER = 20

const IPVERSION = 4

// MIN_IHL is the smallest legal header length nibble, in 32-bit words.
const MIN_IHL = 5

// FLAG_EVIL is the reserved bit of the flags/fragment-offset field (RFC 3514).
const FLAG_EVIL = 0x8000

var (
	ErrShortHeader = errors.New("ip header truncated")
	ErrVersion     = errors.New("ip version is not 4")
	ErrHeadLen     = errors.New("ip header length below minimum")
	ErrEvilBit     = errors.New("ip reserved flag set")
	ErrTotLen      = errors.New("ip total length out of range")
)

type IP4Header struct {
	Version uint8
	HeadLen uint8

	Tos     uint8
	TotLen  uint16
	Id      uint16
	FragOff uint16

	TTL      uint8
	Protocal uint8

	Check uint16
	SAddr IP4
	DAddr IP4
}

type IPType int

const (
	_ IPType = iota
	Ping
	IPv4
	IPv6
	IPCtrl
)

func IPHeaderType(buff byte) IPType {
	switch buff >> 4 {
	case 0:
		return IPCtrl
	case 1:
		return Ping
	case 4:
		return IPv4
	case 6:
		return IPv6
	default:
		return IPCtrl
	}
}

// TotalLength reads the 16-bit total-length field without decoding the
// rest of the header. Only the first four bytes are required, so it works
// on a first fragment that is shorter than a full header.
func TotalLength(buff []byte) (int, error) {
	if len(buff) < 4 {
		return 0, ErrShortHeader
	}
	return int(binary.BigEndian.Uint16(buff[2:])), nil
}

func IP4HeaderDecoder(buff []byte) *IP4Header {
	if len(buff) < MAX_IPHEADER {
		return nil
	}
	iphdr := new(IP4Header)
	return iphdr.Decoder(buff)
}

func (iphdr *IP4Header) Decoder(buff []byte) *IP4Header {
	iphdr.Version = buff[0] >> 4
	iphdr.HeadLen = buff[0] & 0x0f
	iphdr.Tos = buff[1]
	iphdr.TotLen = binary.BigEndian.Uint16(buff[2:])
	iphdr.Id = binary.BigEndian.Uint16(buff[4:])
	iphdr.FragOff = binary.BigEndian.Uint16(buff[6:])
	iphdr.TTL = buff[8]
	iphdr.Protocal = buff[9]
	iphdr.Check = binary.BigEndian.Uint16(buff[10:])
	iphdr.SAddr = IP4(binary.BigEndian.Uint32(buff[12:]))
	iphdr.DAddr = IP4(binary.BigEndian.Uint32(buff[16:]))
	return iphdr
}

func (iphdr *IP4Header) Coder(buff []byte) {
	buff[0] = iphdr.Version<<4 | iphdr.HeadLen&0x0f
	buff[1] = iphdr.Tos
	binary.BigEndian.PutUint16(buff[2:], iphdr.TotLen)
	binary.BigEndian.PutUint16(buff[4:], iphdr.Id)
	binary.BigEndian.PutUint16(buff[6:], iphdr.FragOff)
	buff[8] = iphdr.TTL
	buff[9] = iphdr.Protocal
	binary.BigEndian.PutUint16(buff[10:], iphdr.Check)
	binary.BigEndian.PutUint32(buff[12:], uint32(iphdr.SAddr))
	binary.BigEndian.PutUint32(buff[16:], uint32(iphdr.DAddr))
}

func IP4HeaderCoder(iphdr *IP4Header) []byte {
	buff := make([]byte, MAX_IPHEADER)
	iphdr.Coder(buff)
	return buff
}

func (iphdr *IP4Header) String() string {
	output, _ := json.Marshal(iphdr)
	return string(output)
}

// Validate applies the sanity checks used on the first fragment of a
// tunneled datagram. The total length must be in (0, mtu].
func (iphdr *IP4Header) Validate(mtu int) error {
	if iphdr.Version != IPVERSION {
		return ErrVersion
	}
	if iphdr.HeadLen < MIN_IHL {
		return ErrHeadLen
	}
	if iphdr.FragOff&FLAG_EVIL != 0 {
		return ErrEvilBit
	}
	if iphdr.TotLen == 0 || int(iphdr.TotLen) > mtu {
		return fmt.Errorf("%w: %d", ErrTotLen, iphdr.TotLen)
	}
	return nil
}

// ValidateFirstFragment checks the header fields that fall inside the
// first fragment and returns the declared total length. Fields beyond
// len(buff) are not inspected.
func ValidateFirstFragment(buff []byte, mtu int) (int, error) {
	if len(buff) < 8 {
		return 0, ErrShortHeader
	}
	var iphdr IP4Header
	if len(buff) >= MAX_IPHEADER {
		iphdr.Decoder(buff)
	} else {
		iphdr.Version = buff[0] >> 4
		iphdr.HeadLen = buff[0] & 0x0f
		iphdr.TotLen = binary.BigEndian.Uint16(buff[2:])
		iphdr.FragOff = binary.BigEndian.Uint16(buff[6:])
	}
	if err := iphdr.Validate(mtu); err != nil {
		return 0, err
	}
	return int(iphdr.TotLen), nil
}

func CheckSum(body []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(body); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(body[i:]))
	}
	if len(body)%2 == 1 {
		sum += uint32(body[len(body)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

func (iphdr *IP4Header) MakeCheckSum() {
	iphdr.Check = 0
	iphdr.Check = CheckSum(IP4HeaderCoder(iphdr))
}

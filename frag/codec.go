// Package frag splits IP datagrams into small link frames and puts them
// back together on the far side.
//
// Three wire formats are supported:
//
//	FormatRaw        | datagram bytes ...                      |  D = F
//	FormatSequenced  | seq | datagram bytes ...                |  D = F-1
//	FormatLength     | seq | (len hi, len lo on seq 0) bytes ... |  D = F-1
//
// When the control plane is enabled every data frame is additionally
// prefixed with a flag byte that has DataFlag set.
package frag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/easymesh/rftun/link"
)

const (
	// MTU is the largest datagram carried by the tunnel.
	MTU = 1500

	// MaxFragments is the limit imposed by the one-byte sequence index.
	MaxFragments = 256

	// DataFlag marks a data frame when the control plane is enabled.
	DataFlag = 0x80

	lengthFieldSize = 2
)

var (
	ErrShortFrame = errors.New("frame carries no payload")
	ErrNotData    = errors.New("not a data frame")
)

type Format uint8

const (
	FormatRaw Format = iota
	FormatSequenced
	FormatLength
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatSequenced:
		return "sequenced"
	case FormatLength:
		return "length"
	default:
		return fmt.Sprintf("Format(%d)", f)
	}
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "raw":
		return FormatRaw, nil
	case "sequenced", "seq", "":
		return FormatSequenced, nil
	case "length", "len":
		return FormatLength, nil
	}
	return 0, fmt.Errorf("unknown wire format %q", s)
}

// Codec describes the frame layout shared by both ends of a link.
type Codec struct {
	Format    Format
	FrameSize int
	Tagged    bool
}

func (c Codec) sequenced() bool { return c.Format != FormatRaw }

// HeaderSize is the number of bytes in front of the payload.
func (c Codec) HeaderSize() int {
	n := 0
	if c.Tagged {
		n++
	}
	if c.sequenced() {
		n++
	}
	return n
}

// PayloadSize is D, the datagram bytes carried per frame.
func (c Codec) PayloadSize() int {
	return c.FrameSize - c.HeaderSize()
}

// Validate rejects layouts that cannot carry a checkable first fragment.
func (c Codec) Validate() error {
	if c.FrameSize < 2 || c.FrameSize > link.MaxFrameSize {
		return fmt.Errorf("frame size %d out of range [2, %d]", c.FrameSize, link.MaxFrameSize)
	}
	min := 8
	if c.Format == FormatLength {
		min = lengthFieldSize + 1
	}
	if c.PayloadSize() < min {
		return fmt.Errorf("%s frames of %d bytes leave %d payload bytes, need %d",
			c.Format, c.FrameSize, c.PayloadSize(), min)
	}
	if c.Format > FormatLength {
		return fmt.Errorf("unknown wire format %d", c.Format)
	}
	return nil
}

func (c Codec) encode(index int, chunk []byte) []byte {
	frame := make([]byte, 0, c.HeaderSize()+len(chunk))
	if c.Tagged {
		frame = append(frame, DataFlag)
	}
	if c.sequenced() {
		frame = append(frame, byte(index))
	}
	return append(frame, chunk...)
}

// decode returns the sequence index (0 for raw frames) and payload. A
// sequenced frame without payload still reports its index.
func (c Codec) decode(frame []byte) (int, []byte, error) {
	if c.Tagged {
		if len(frame) == 0 || frame[0]&DataFlag == 0 {
			return 0, nil, ErrNotData
		}
		frame = frame[1:]
	}
	index := 0
	if c.sequenced() {
		if len(frame) == 0 {
			return 0, nil, ErrShortFrame
		}
		index = int(frame[0])
		frame = frame[1:]
	}
	if len(frame) == 0 {
		return index, nil, ErrShortFrame
	}
	return index, frame, nil
}

// stream is the byte sequence actually split into frames.
func (c Codec) stream(datagram []byte) []byte {
	if c.Format != FormatLength {
		return datagram
	}
	out := make([]byte, lengthFieldSize+len(datagram))
	binary.BigEndian.PutUint16(out, uint16(len(datagram)))
	copy(out[lengthFieldSize:], datagram)
	return out
}

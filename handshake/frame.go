// Package handshake establishes a peer association over the link before
// any data frames flow.
//
// A control frame has bit 7 of its first byte clear; data frames sent
// with the control plane enabled have it set. Bits 6-5 carry the message
// type and the rest of the frame is the sender's node id.
package handshake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Type uint8

const (
	JoinRequest Type = iota
	JoinResponse
	Goodbye
)

func (t Type) String() string {
	switch t {
	case JoinRequest:
		return "join-request"
	case JoinResponse:
		return "join-response"
	case Goodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

const (
	dataBit   = 0x80
	typeShift = 5
	typeMask  = 0x03

	// MaxIDLen fits an id into a single 32 byte frame.
	MaxIDLen = 31
)

var (
	ErrNotControl  = errors.New("not a control frame")
	ErrUnknownType = errors.New("unknown control frame type")
	ErrIDTooLong   = errors.New("node id does not fit in one frame")
)

// Frame is a decoded control frame.
type Frame struct {
	Type Type
	ID   string
}

// IsControl reports whether frame is a control frame.
func IsControl(frame []byte) bool {
	return len(frame) > 0 && frame[0]&dataBit == 0
}

// Encode builds a control frame no larger than frameSize.
func Encode(t Type, id string, frameSize int) ([]byte, error) {
	if t > Goodbye {
		return nil, ErrUnknownType
	}
	if len(id) > MaxIDLen || 1+len(id) > frameSize {
		return nil, fmt.Errorf("%w: %q", ErrIDTooLong, id)
	}
	frame := make([]byte, 1+len(id))
	frame[0] = byte(t) << typeShift
	copy(frame[1:], id)
	return frame, nil
}

func Decode(frame []byte) (Frame, error) {
	if !IsControl(frame) {
		return Frame{}, ErrNotControl
	}
	t := Type(frame[0] >> typeShift & typeMask)
	if t > Goodbye {
		return Frame{}, ErrUnknownType
	}
	return Frame{Type: t, ID: string(frame[1:])}, nil
}

// NewID returns a short random node id.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

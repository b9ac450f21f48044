package tunnel

import (
	"sync"
	"sync/atomic"
)

// Stats counts what the two pipelines did. Safe for concurrent use.
type Stats struct {
	datagramsSent     atomic.Uint64
	framesSent        atomic.Uint64
	bytesSent         atomic.Uint64
	aborted           atomic.Uint64
	retries           atomic.Uint64
	datagramsReceived atomic.Uint64
	bytesReceived     atomic.Uint64
	controlFrames     atomic.Uint64

	mu       sync.Mutex
	discards map[string]uint64
	peer     string
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	DatagramsSent     uint64            `json:"datagrams_sent"`
	FramesSent        uint64            `json:"frames_sent"`
	BytesSent         uint64            `json:"bytes_sent"`
	Aborted           uint64            `json:"aborted"`
	Retries           uint64            `json:"retries"`
	DatagramsReceived uint64            `json:"datagrams_received"`
	BytesReceived     uint64            `json:"bytes_received"`
	ControlFrames     uint64            `json:"control_frames"`
	Discards          map[string]uint64 `json:"discards"`
	Peer              string            `json:"peer,omitempty"`
}

func (s *Stats) sent(bytes, frames int) {
	s.datagramsSent.Add(1)
	s.framesSent.Add(uint64(frames))
	s.bytesSent.Add(uint64(bytes))
}

func (s *Stats) received(bytes int) {
	s.datagramsReceived.Add(1)
	s.bytesReceived.Add(uint64(bytes))
}

func (s *Stats) discard(reason string) {
	s.mu.Lock()
	if s.discards == nil {
		s.discards = make(map[string]uint64)
	}
	s.discards[reason]++
	s.mu.Unlock()
}

func (s *Stats) setPeer(id string) {
	s.mu.Lock()
	s.peer = id
	s.mu.Unlock()
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		DatagramsSent:     s.datagramsSent.Load(),
		FramesSent:        s.framesSent.Load(),
		BytesSent:         s.bytesSent.Load(),
		Aborted:           s.aborted.Load(),
		Retries:           s.retries.Load(),
		DatagramsReceived: s.datagramsReceived.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		ControlFrames:     s.controlFrames.Load(),
		Discards:          make(map[string]uint64),
	}
	s.mu.Lock()
	for k, v := range s.discards {
		snap.Discards[k] = v
	}
	snap.Peer = s.peer
	s.mu.Unlock()
	return snap
}

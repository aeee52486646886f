package network

import (
	"sync/atomic"

	"github.com/microstorm/bletrack/internal/monitoring"
)

// PacketStatsInterface collects listener and sender counters.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddInvalid()
	AddDropped()
	LogStats()
}

// PacketStats is the default PacketStatsInterface.
type PacketStats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	invalid atomic.Uint64
	dropped atomic.Uint64

	// last values logged, only touched by LogStats
	lastPackets uint64
}

// AddPacket counts one received or sent datagram.
func (s *PacketStats) AddPacket(bytes int) {
	s.packets.Add(1)
	s.bytes.Add(uint64(bytes))
}

// AddInvalid counts a datagram that failed to decode or was rejected.
func (s *PacketStats) AddInvalid() { s.invalid.Add(1) }

// AddDropped counts a datagram dropped because a queue was full.
func (s *PacketStats) AddDropped() { s.dropped.Add(1) }

// Snapshot is a copy of the counters.
type Snapshot struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Invalid uint64 `json:"invalid"`
	Dropped uint64 `json:"dropped"`
}

// Snapshot returns the current counters.
func (s *PacketStats) Snapshot() Snapshot {
	return Snapshot{
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Invalid: s.invalid.Load(),
		Dropped: s.dropped.Load(),
	}
}

// LogStats logs the counters and the packets received since the last call.
func (s *PacketStats) LogStats() {
	snap := s.Snapshot()
	delta := snap.Packets - s.lastPackets
	s.lastPackets = snap.Packets
	monitoring.Logf("[network] packets=%d (+%d) bytes=%d invalid=%d dropped=%d",
		snap.Packets, delta, snap.Bytes, snap.Invalid, snap.Dropped)
}

// noopStats is used when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddInvalid()   {}
func (noopStats) AddDropped()   {}
func (noopStats) LogStats()     {}

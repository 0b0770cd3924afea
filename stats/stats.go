// Package stats defines the traffic accounting capability fed by the
// rate-limited receive path.  Sinks are append-only: the receive path
// increments counters and never reads them back; aggregation and export
// happen elsewhere.
package stats

import "sync/atomic"

// RecvStats accepts post-receive accounting from a receive path.
// Implementations must tolerate concurrent increments from multiple
// goroutines.  Exact ordering across the packet and byte counters is not
// required.
type RecvStats interface {
	// AddRecvPacket records one received datagram.
	AddRecvPacket()
	// AddRecvPackets records n received datagrams from one batched receive.
	AddRecvPackets(n int)
	// AddRecvBytes records n received payload bytes.
	AddRecvBytes(n int)
}

// TrafficStats is an atomic RecvStats implementation with read-back
// accessors for logging and tests.  A single TrafficStats typically
// aggregates across many receive paths and outlives any one of them.
type TrafficStats struct {
	packets uint64
	bytes   uint64
}

// NewTrafficStats returns a zeroed TrafficStats.
func NewTrafficStats() *TrafficStats {
	return &TrafficStats{}
}

// AddRecvPacket implements RecvStats.
func (s *TrafficStats) AddRecvPacket() {
	atomic.AddUint64(&s.packets, 1)
}

// AddRecvPackets implements RecvStats.
func (s *TrafficStats) AddRecvPackets(n int) {
	atomic.AddUint64(&s.packets, uint64(n))
}

// AddRecvBytes implements RecvStats.
func (s *TrafficStats) AddRecvBytes(n int) {
	atomic.AddUint64(&s.bytes, uint64(n))
}

// RecvPackets returns the packet count so far.
func (s *TrafficStats) RecvPackets() uint64 {
	return atomic.LoadUint64(&s.packets)
}

// RecvBytes returns the byte count so far.
func (s *TrafficStats) RecvBytes() uint64 {
	return atomic.LoadUint64(&s.bytes)
}

type multi []RecvStats

func (m multi) AddRecvPacket() {
	for _, s := range m {
		s.AddRecvPacket()
	}
}

func (m multi) AddRecvPackets(n int) {
	for _, s := range m {
		s.AddRecvPackets(n)
	}
}

func (m multi) AddRecvBytes(n int) {
	for _, s := range m {
		s.AddRecvBytes(n)
	}
}

// Multi fans every increment out to all of the given sinks, so a receive
// path can feed a per-session aggregate and a global exporter at once.
func Multi(sinks ...RecvStats) RecvStats {
	return multi(sinks)
}

package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsekit/pulse2/internal/stats"
)

// BestEffortMetrics counts best-effort transport traffic. All fields are
// safe for concurrent access.
type BestEffortMetrics struct {
	PacketsSent     atomic.Uint64
	PacketsReceived atomic.Uint64
	// Dropped counts inbound packets discarded for an unbound port, a full
	// receive queue, or a malformed header.
	Dropped atomic.Uint64
}

// ReliableMetrics counts reliable transport traffic and tracks the
// acknowledgment round-trip time. All methods are safe for concurrent use.
type ReliableMetrics struct {
	InfoSent     atomic.Uint64
	InfoReceived atomic.Uint64
	Retransmits  atomic.Uint64
	// OutOfOrder counts info packets whose sequence number did not match the
	// receive variable; they are acknowledged but not delivered.
	OutOfOrder atomic.Uint64

	rttMu sync.Mutex
	rtt   stats.Online
}

func (m *ReliableMetrics) recordRTT(d time.Duration) {
	m.rttMu.Lock()
	defer m.rttMu.Unlock()

	m.rtt.Add(d.Seconds())
}

// RTTSnapshot is a point-in-time view of acknowledgment round-trip times.
// Min, Max and Mean are in seconds; Variance is the population variance in
// seconds squared.
type RTTSnapshot struct {
	Count    uint64
	Min      float64
	Max      float64
	Mean     float64
	Variance float64
}

// RTT returns the current round-trip statistics.
func (m *ReliableMetrics) RTT() RTTSnapshot {
	m.rttMu.Lock()
	defer m.rttMu.Unlock()

	return RTTSnapshot{
		Count:    m.rtt.Count(),
		Min:      m.rtt.Min(),
		Max:      m.rtt.Max(),
		Mean:     m.rtt.Mean(),
		Variance: m.rtt.Variance(),
	}
}

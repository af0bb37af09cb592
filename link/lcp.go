package link

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pulsekit/pulse2/internal/pool"
	"github.com/pulsekit/pulse2/logger"
)

// lcpMagicSize is the size of the Magic-Number field in echo packets.
// This implementation does not negotiate magic numbers; the field is always
// zero on the wire.
const lcpMagicSize = 4

// LCP is the Link-Control Protocol: the control-protocol automaton bound to
// protocol number 0xC021 directly on the Interface, extended with echo
// (ping), protocol-reject, and discard handling.
type LCP struct {
	*Automaton

	log logger.Logger

	// Layer signal callbacks, installed by the owning Interface.
	onUp       func()
	onDown     func()
	onFinished func()

	// Ping state. At most one ping session may be in flight.
	pingMu      sync.Mutex
	pingActive  bool
	pingID      byte
	pingPayload []byte
	pingReply   chan struct{}
	pingCancel  chan struct{}
}

func newLCP(cfg *Config, send SendFunc) *LCP {
	l := &LCP{
		log: cfg.logger.With("proto", "lcp"),
	}
	l.Automaton = NewAutomaton("lcp", cfg, l, send)

	return l
}

// --- Hooks (invoked by the automaton outside its lock) ---

func (l *LCP) ThisLayerUp() {
	l.log.Info("link opened")
	if l.onUp != nil {
		l.onUp()
	}
}

func (l *LCP) ThisLayerDown() {
	l.log.Info("link down")
	if l.onDown != nil {
		l.onDown()
	}
}

func (l *LCP) ThisLayerStarted() {
	l.log.Debug("link negotiation armed")
}

func (l *LCP) ThisLayerFinished() {
	l.log.Info("link negotiation finished")
	if l.onFinished != nil {
		l.onFinished()
	}
}

// HandleDatagram processes one inbound LCP packet. Codes beyond the generic
// automaton's table are handled here; everything else is delegated.
func (l *LCP) HandleDatagram(payload []byte) {
	pkt, err := ParseControlPacket(payload)
	if err != nil {
		l.log.Warn("dropping malformed lcp packet", "error", err)
		return
	}

	switch pkt.Code {
	case CodeProtocolReject:
		// The peer rejected a protocol number we sent. Nothing rides on a
		// protocol the link cannot lose, so this is informational.
		l.log.Warn("peer sent protocol-reject", "data", pkt.Data)

	case CodeEchoRequest:
		l.handleEchoRequest(pkt)

	case CodeEchoReply:
		l.handleEchoReply(pkt)

	case CodeDiscardRequest:
		// Dropped silently by definition.

	default:
		l.ReceivePacket(pkt)
	}
}

// handleEchoRequest answers a well-formed Echo-Request with an Echo-Reply
// echoing the request payload. Requests are only answered while the link is
// Opened; malformed or nonzero-magic requests are dropped.
func (l *LCP) handleEchoRequest(pkt *ControlPacket) {
	if !l.IsOpened() {
		return
	}
	if len(pkt.Data) < lcpMagicSize || binary.BigEndian.Uint32(pkt.Data[:lcpMagicSize]) != 0 {
		l.log.Debug("dropping echo-request with bad magic field")
		return
	}

	reply := make([]byte, len(pkt.Data))
	copy(reply[lcpMagicSize:], pkt.Data[lcpMagicSize:])

	l.sendPacketLocked(&ControlPacket{Code: CodeEchoReply, Identifier: pkt.Identifier, Data: reply})
}

func (l *LCP) handleEchoReply(pkt *ControlPacket) {
	l.pingMu.Lock()
	defer l.pingMu.Unlock()

	// Only meaningful while a ping is outstanding.
	if !l.pingActive || pkt.Identifier != l.pingID {
		return
	}
	if len(pkt.Data) < lcpMagicSize || !bytes.Equal(pkt.Data[lcpMagicSize:], l.pingPayload) {
		return
	}

	select {
	case l.pingReply <- struct{}{}:
	default:
	}
}

// Ping sends Echo-Requests until one is answered or attempts are exhausted,
// blocking up to timeout per attempt. It fails with ErrLinkState unless the
// link is Opened, and with ErrPingInProgress if a ping is already in flight.
func (l *LCP) Ping(attempts int, timeout time.Duration) error {
	if !l.IsOpened() {
		return ErrLinkState
	}

	l.pingMu.Lock()
	if l.pingActive {
		l.pingMu.Unlock()
		return ErrPingInProgress
	}
	l.pingActive = true
	l.pingPayload = []byte{}
	l.pingReply = make(chan struct{}, 1)
	l.pingCancel = make(chan struct{})
	cancel := l.pingCancel
	l.pingMu.Unlock()

	defer func() {
		l.pingMu.Lock()
		l.pingActive = false
		l.pingMu.Unlock()
	}()

	for attempt := 0; attempt < attempts; attempt++ {
		if !l.IsOpened() {
			return ErrLinkState
		}

		l.pingMu.Lock()
		l.pingID = l.nextEchoIdent()
		data := make([]byte, lcpMagicSize+len(l.pingPayload))
		copy(data[lcpMagicSize:], l.pingPayload)
		id := l.pingID
		l.pingMu.Unlock()

		l.sendPacketLocked(&ControlPacket{Code: CodeEchoRequest, Identifier: id, Data: data})

		timer := pool.GetTimer(timeout)
		select {
		case <-l.pingReply:
			pool.PutTimer(timer)
			return nil
		case <-cancel:
			pool.PutTimer(timer)
			return ErrInterfaceClosed
		case <-timer.C:
			pool.PutTimer(timer)
			l.log.Debug("ping attempt timed out", "attempt", attempt+1, "attempts", attempts)
		}
	}

	return ErrPingTimeout
}

// sendProtocolReject reports an inbound datagram whose protocol number has
// no handler (RFC 1661 §5.7). Only sent while the link is Opened.
func (l *LCP) sendProtocolReject(protocol uint16, packet []byte) {
	if !l.IsOpened() {
		return
	}

	maxData := l.mtu - datagramHeaderSize - controlHeaderSize - 2
	if maxData > 0 && len(packet) > maxData {
		packet = packet[:maxData]
	}

	data := make([]byte, 2+len(packet))
	binary.BigEndian.PutUint16(data, protocol)
	copy(data[2:], packet)

	l.sendPacketLocked(&ControlPacket{Code: CodeProtocolReject, Identifier: l.nextEchoIdent(), Data: data})
}

// nextEchoIdent draws an identifier from the automaton's counter.
func (l *LCP) nextEchoIdent() byte {
	l.Automaton.mu.Lock()
	defer l.Automaton.mu.Unlock()

	return l.Automaton.nextIdent()
}

// sendPacketLocked sends a packet under the automaton lock, keeping packet
// emission serialized with state transitions.
func (l *LCP) sendPacketLocked(pkt *ControlPacket) {
	l.Automaton.mu.Lock()
	defer l.Automaton.mu.Unlock()

	l.Automaton.sendPacket(pkt)
}

// shutdown cancels any outstanding ping so its goroutine doesn't linger.
func (l *LCP) shutdown() {
	l.pingMu.Lock()
	defer l.pingMu.Unlock()

	if l.pingActive && l.pingCancel != nil {
		close(l.pingCancel)
		l.pingCancel = nil
	}
}

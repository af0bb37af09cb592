package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pulsekit/pulse2/internal/queue"
	"github.com/pulsekit/pulse2/link"
	"github.com/pulsekit/pulse2/logger"
)

// Reliable transport retry defaults.
const (
	DefaultRetransmitInterval = 200 * time.Millisecond
	DefaultMaxRetransmits     = 10
)

type outboundPacket struct {
	port    uint16
	payload []byte
}

// Reliable is the stop-and-wait ARQ transport ("TRAIN"). Outbound payloads
// are queued and sent one at a time as info packets; each must be
// acknowledged before the next goes out. Sequence variables run mod 128.
//
// Traffic is split over two underlying channels: commands (info packets and
// checkpoint polls) and responses (acknowledgments), so an acknowledgment is
// always distinguishable from a poll carrying the same bit. Availability is
// negotiated by an NCP automaton on a third channel.
type Reliable struct {
	iface *link.Interface
	log   logger.Logger

	ctrlProto uint16
	cmdProto  uint16
	rspProto  uint16

	retransmitInterval time.Duration
	maxRetransmits     int

	ncp     *link.Automaton
	sockets *xsync.MapOf[uint16, *link.Socket]
	ready   *readiness
	pcmp    *PCMP
	closed  atomic.Bool

	mu        sync.Mutex
	vs        byte // send variable: sequence number of the next info packet
	vr        byte // receive variable: next in-sequence number expected
	sendQueue *queue.FIFO[outboundPacket]

	waitingForAck   bool
	lastSent        []byte
	sentAt          time.Time
	retransmitCount int
	// bringup is set while the post-negotiation RR poll is outstanding.
	bringup bool

	// timerGen invalidates stale retransmit-timer firings, same scheme as
	// the control-protocol automaton's restart timer.
	timerGen uint64

	Metrics ReliableMetrics
}

// NewReliable constructs the standard reliable transport on its reserved
// protocol numbers with default retry settings. It satisfies
// link.TransportFactory.
func NewReliable(l *link.Link) (link.Transport, error) {
	return newReliable(l, "reliable", link.ProtocolReliableControl,
		link.ProtocolReliableCommand, link.ProtocolReliableResponse)
}

func newReliable(l *link.Link, name string, ctrlProto, cmdProto, rspProto uint16) (*Reliable, error) {
	cfg := l.Interface().Config()

	t := &Reliable{
		iface:              l.Interface(),
		log:                cfg.Logger().With("transport", name),
		ctrlProto:          ctrlProto,
		cmdProto:           cmdProto,
		rspProto:           rspProto,
		retransmitInterval: DefaultRetransmitInterval,
		maxRetransmits:     DefaultMaxRetransmits,
		sockets:            xsync.NewMapOf[uint16, *link.Socket](),
		ready:              newReadiness(),
		sendQueue:          queue.NewFIFO[outboundPacket](16),
	}

	t.ncp = link.NewAutomaton(name+"-ncp", cfg, (*reliableHooks)(t), func(pkt []byte) error {
		return t.iface.SendDatagram(ctrlProto, pkt)
	})

	if err := t.iface.RegisterProtocol(ctrlProto, handlerFunc(t.ncp.Receive)); err != nil {
		return nil, err
	}
	if err := t.iface.RegisterProtocol(cmdProto, handlerFunc(func(p []byte) {
		t.handleTrain(cmdProto, p)
	})); err != nil {
		t.iface.UnregisterProtocol(ctrlProto)
		return nil, err
	}
	if err := t.iface.RegisterProtocol(rspProto, handlerFunc(func(p []byte) {
		t.handleTrain(rspProto, p)
	})); err != nil {
		t.iface.UnregisterProtocol(ctrlProto)
		t.iface.UnregisterProtocol(cmdProto)
		return nil, err
	}

	pcmpSock, err := t.bindPort(PortPCMP)
	if err != nil {
		t.iface.UnregisterProtocol(ctrlProto)
		t.iface.UnregisterProtocol(cmdProto)
		t.iface.UnregisterProtocol(rspProto)
		return nil, err
	}
	t.pcmp = newPCMP(pcmpSock, t.forceClosePort, t.log)

	return t, nil
}

// Up arms the transport's negotiation; called when the link comes up.
func (t *Reliable) Up() {
	t.ncp.Open()
	t.ncp.Up()
}

// Down signals loss of the link below.
func (t *Reliable) Down() {
	t.ncp.Down()
}

// Close tears the transport down.
func (t *Reliable) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	t.stopRetransmitLocked()
	t.sendQueue.Reset()
	t.waitingForAck = false
	t.lastSent = nil
	t.mu.Unlock()

	t.sockets.Range(func(_ uint16, sock *link.Socket) bool {
		_ = sock.Close()
		return true
	})

	t.ncp.Close()
	t.iface.UnregisterProtocol(t.ctrlProto)
	t.iface.UnregisterProtocol(t.cmdProto)
	t.iface.UnregisterProtocol(t.rspProto)
}

// MTU returns the largest payload a single send may carry.
func (t *Reliable) MTU() int {
	return t.iface.MTU() - infoHeaderSize
}

// Ping round-trips a PCMP echo over the transport.
func (t *Reliable) Ping(attempts int, timeout time.Duration) error {
	return t.pcmp.Ping(attempts, timeout)
}

// OpenSocket binds a port, blocking until the transport is ready for traffic
// or the timeout elapses. A non-positive timeout blocks indefinitely.
func (t *Reliable) OpenSocket(port uint16, timeout time.Duration) (*link.Socket, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	if err := t.ready.wait(timeout); err != nil {
		return nil, err
	}

	return t.bindPort(port)
}

func (t *Reliable) bindPort(port uint16) (*link.Socket, error) {
	sock := link.NewSocket(t.iface.Config().SocketQueueSize(),
		func(payload []byte) error { return t.send(port, payload) },
		func() { t.sockets.Delete(port) },
	)

	if _, loaded := t.sockets.LoadOrStore(port, sock); loaded {
		return nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}

	return sock, nil
}

func (t *Reliable) forceClosePort(port uint16) {
	if sock, ok := t.sockets.Load(port); ok {
		_ = sock.Close()
	}
}

// --- Send path ---

// send queues a payload for in-order delivery. It never blocks; the queue
// drains one acknowledged packet at a time.
func (t *Reliable) send(port uint16, payload []byte) error {
	if len(payload) > t.MTU() {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), t.MTU())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.sendQueue.Push(outboundPacket{port: port, payload: payload})
	t.pumpLocked()

	return nil
}

// pumpLocked transmits the next queued packet when no acknowledgment is
// outstanding.
func (t *Reliable) pumpLocked() {
	if t.waitingForAck || t.bringup {
		return
	}

	pkt, ok := t.sendQueue.Pop()
	if !ok {
		return
	}

	wire := marshalInfo(t.vs, t.vr, true, pkt.port, pkt.payload)
	t.lastSent = wire
	t.waitingForAck = true
	t.sentAt = time.Now()
	t.retransmitCount = 0

	t.transmitLocked(t.cmdProto, wire)
	t.Metrics.InfoSent.Add(1)
	t.startRetransmitLocked()
}

func (t *Reliable) transmitLocked(proto uint16, wire []byte) {
	if err := t.iface.SendDatagram(proto, wire); err != nil {
		t.log.Error("failed to send packet", "error", err)
	}
}

// --- Receive path ---

// handleTrain processes one inbound packet on either channel. Runs on the
// interface's receive goroutine.
func (t *Reliable) handleTrain(proto uint16, data []byte) {
	pkt, err := parseTrainPacket(data)
	if err != nil {
		t.log.Warn("dropping malformed packet", "error", err)
		return
	}

	var deliver *outboundPacket

	t.mu.Lock()

	// Any peer traffic completes bring-up.
	if t.bringup {
		t.bringup = false
		t.stopRetransmitLocked()
	}

	// N(R) acknowledges our outstanding info packet when it names the next
	// sequence number we would use.
	if t.waitingForAck && pkt.nr == (t.vs+1)%seqModulus {
		t.vs = pkt.nr
		t.waitingForAck = false
		t.lastSent = nil
		t.stopRetransmitLocked()
		t.Metrics.recordRTT(time.Since(t.sentAt))
	}

	if pkt.info {
		if pkt.ns == t.vr {
			t.vr = (t.vr + 1) % seqModulus
			t.Metrics.InfoReceived.Add(1)
			deliver = &outboundPacket{port: pkt.port, payload: pkt.payload}
		} else {
			// Duplicate (lost acknowledgment): ack again, deliver nothing.
			t.log.Debug("out-of-sequence info packet", "ns", pkt.ns, "vr", t.vr)
			t.Metrics.OutOfOrder.Add(1)
		}

		// Every info packet is answered on the response channel, final
		// mirroring the poll bit.
		t.transmitLocked(t.rspProto, marshalSupervisory(supervisoryRR, t.vr, pkt.poll))
	} else if pkt.poll && proto == t.cmdProto {
		// A checkpoint poll. Only commands are answered; supervisory packets
		// on the response channel are acknowledgments and must never solicit
		// a reply, or two peers would volley them forever.
		t.transmitLocked(t.rspProto, marshalSupervisory(supervisoryRR, t.vr, true))
	}

	t.pumpLocked()
	t.mu.Unlock()

	t.ready.markOpen()

	if deliver != nil {
		t.deliverLocal(deliver.port, deliver.payload)
	}
}

func (t *Reliable) deliverLocal(port uint16, payload []byte) {
	sock, ok := t.sockets.Load(port)
	if !ok {
		t.log.Warn("dropping packet for unbound port", "port", port)
		return
	}

	if !sock.Deliver(payload) {
		t.log.Warn("receive queue full, dropping packet", "port", port)
	}
}

// --- Retransmission ---

func (t *Reliable) startRetransmitLocked() {
	t.timerGen++
	gen := t.timerGen

	time.AfterFunc(t.retransmitInterval, func() { t.retransmitExpired(gen) })
}

func (t *Reliable) stopRetransmitLocked() {
	t.timerGen++
}

func (t *Reliable) retransmitExpired(gen uint64) {
	t.mu.Lock()

	if gen != t.timerGen || t.closed.Load() {
		t.mu.Unlock()
		return
	}

	if t.retransmitCount >= t.maxRetransmits {
		t.log.Warn("retransmit budget exhausted, renegotiating",
			"retransmits", t.retransmitCount)
		t.waitingForAck = false
		t.bringup = false
		t.lastSent = nil
		t.mu.Unlock()

		// Cycling the negotiation resets both peers' sequence state.
		t.ncp.Restart()

		return
	}

	t.retransmitCount++
	if t.lastSent != nil {
		t.Metrics.Retransmits.Add(1)
		t.transmitLocked(t.cmdProto, t.lastSent)
	}
	t.startRetransmitLocked()

	t.mu.Unlock()
}

// --- NCP layer signals ---

// reliableHooks receives the NCP's layer signals. A separate type keeps the
// automaton callbacks off the transport's public method set.
type reliableHooks Reliable

// ThisLayerUp resets the session and checkpoints the peer with an RR poll;
// the transport is ready once anything comes back.
func (h *reliableHooks) ThisLayerUp() {
	t := (*Reliable)(h)

	t.mu.Lock()
	t.vs = 0
	t.vr = 0
	t.waitingForAck = false
	t.lastSent = marshalSupervisory(supervisoryRR, 0, true)
	t.retransmitCount = 0
	t.bringup = true
	t.transmitLocked(t.cmdProto, t.lastSent)
	t.startRetransmitLocked()
	t.mu.Unlock()

	t.log.Debug("transport negotiation opened, checkpointing")
}

func (h *reliableHooks) ThisLayerDown() {
	t := (*Reliable)(h)

	t.mu.Lock()
	t.stopRetransmitLocked()
	t.waitingForAck = false
	t.bringup = false
	t.lastSent = nil
	t.mu.Unlock()

	t.ready.markClosed()
	t.log.Info("transport down")
}

func (h *reliableHooks) ThisLayerStarted() {}

func (h *reliableHooks) ThisLayerFinished() {
	t := (*Reliable)(h)
	t.log.Debug("transport negotiation finished")
}

package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pulsekit/pulse2/link"
	"github.com/pulsekit/pulse2/logger"
)

// handlerFunc adapts a function to link.ProtocolHandler.
type handlerFunc func(payload []byte)

func (f handlerFunc) HandleDatagram(payload []byte) { f(payload) }

// BestEffort is the unreliable transport: datagrams are delivered at most
// once, with no ordering or retransmission. Application traffic rides the
// data protocol number; availability is negotiated by an NCP automaton on
// the control protocol number.
//
// The transport is considered ready once its NCP is Opened and a PCMP ping
// round-trips; any inbound data packet also marks it ready, covering a lost
// ping reply.
type BestEffort struct {
	iface *link.Interface
	log   logger.Logger
	name  string

	ctrlProto uint16
	dataProto uint16

	ncp     *link.Automaton
	sockets *xsync.MapOf[uint16, *link.Socket]
	ready   *readiness
	pcmp    *PCMP
	closed  atomic.Bool

	Metrics BestEffortMetrics
}

// NewBestEffort constructs the standard best-effort transport on its
// reserved protocol numbers. It satisfies link.TransportFactory.
func NewBestEffort(l *link.Link) (link.Transport, error) {
	return newBestEffort(l, "best-effort", link.ProtocolBestEffortControl, link.ProtocolBestEffortData)
}

func newBestEffort(l *link.Link, name string, ctrlProto, dataProto uint16) (*BestEffort, error) {
	cfg := l.Interface().Config()

	t := &BestEffort{
		iface:     l.Interface(),
		log:       cfg.Logger().With("transport", name),
		name:      name,
		ctrlProto: ctrlProto,
		dataProto: dataProto,
		sockets:   xsync.NewMapOf[uint16, *link.Socket](),
		ready:     newReadiness(),
	}

	t.ncp = link.NewAutomaton(name+"-ncp", cfg, (*bestEffortHooks)(t), func(pkt []byte) error {
		return t.iface.SendDatagram(ctrlProto, pkt)
	})

	if err := t.iface.RegisterProtocol(ctrlProto, handlerFunc(t.ncp.Receive)); err != nil {
		return nil, err
	}
	if err := t.iface.RegisterProtocol(dataProto, handlerFunc(t.handleDataPacket)); err != nil {
		t.iface.UnregisterProtocol(ctrlProto)
		return nil, err
	}

	// PCMP binds the reserved port for the transport's lifetime.
	pcmpSock, err := t.bindPort(PortPCMP)
	if err != nil {
		t.iface.UnregisterProtocol(ctrlProto)
		t.iface.UnregisterProtocol(dataProto)
		return nil, err
	}
	t.pcmp = newPCMP(pcmpSock, t.forceClosePort, t.log)

	return t, nil
}

// Up arms the transport's negotiation; called when the link comes up.
func (t *BestEffort) Up() {
	t.ncp.Open()
	t.ncp.Up()
}

// Down signals loss of the link below.
func (t *BestEffort) Down() {
	t.ncp.Down()
}

// Close tears the transport down: sockets first, then the control protocol.
func (t *BestEffort) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.sockets.Range(func(_ uint16, sock *link.Socket) bool {
		_ = sock.Close()
		return true
	})

	t.ncp.Close()
	t.iface.UnregisterProtocol(t.ctrlProto)
	t.iface.UnregisterProtocol(t.dataProto)
}

// MTU returns the largest payload a single send may carry.
func (t *BestEffort) MTU() int {
	return t.iface.MTU() - packetHeaderSize
}

// Ping round-trips a PCMP echo over the transport.
func (t *BestEffort) Ping(attempts int, timeout time.Duration) error {
	return t.pcmp.Ping(attempts, timeout)
}

// OpenSocket binds a port, blocking until the transport is ready for traffic
// or the timeout elapses. A non-positive timeout blocks indefinitely.
func (t *BestEffort) OpenSocket(port uint16, timeout time.Duration) (*link.Socket, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	if err := t.ready.wait(timeout); err != nil {
		return nil, err
	}

	return t.bindPort(port)
}

func (t *BestEffort) bindPort(port uint16) (*link.Socket, error) {
	sock := link.NewSocket(t.iface.Config().SocketQueueSize(),
		func(payload []byte) error { return t.send(port, payload) },
		func() { t.sockets.Delete(port) },
	)

	if _, loaded := t.sockets.LoadOrStore(port, sock); loaded {
		return nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}

	return sock, nil
}

func (t *BestEffort) send(port uint16, payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if len(payload) > t.MTU() {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), t.MTU())
	}

	if err := t.iface.SendDatagram(t.dataProto, marshalPacket(port, payload)); err != nil {
		return err
	}
	t.Metrics.PacketsSent.Add(1)

	return nil
}

// handleDataPacket demultiplexes one inbound data packet by port. Runs on
// the interface's receive goroutine.
func (t *BestEffort) handleDataPacket(payload []byte) {
	port, data, err := parsePacket(payload)
	if err != nil {
		t.log.Warn("dropping malformed packet", "error", err)
		t.Metrics.Dropped.Add(1)
		return
	}

	// Inbound traffic proves the peer's transport is up even if our
	// confirmation ping reply was lost.
	t.ready.markOpen()
	t.Metrics.PacketsReceived.Add(1)

	sock, ok := t.sockets.Load(port)
	if !ok {
		t.log.Warn("dropping packet for unbound port", "port", port)
		t.Metrics.Dropped.Add(1)
		return
	}

	if !sock.Deliver(data) {
		t.log.Warn("receive queue full, dropping packet", "port", port)
		t.Metrics.Dropped.Add(1)
	}
}

// forceClosePort closes the application socket named by a peer Port-Closed
// notification.
func (t *BestEffort) forceClosePort(port uint16) {
	if sock, ok := t.sockets.Load(port); ok {
		_ = sock.Close()
	}
}

// confirmReady verifies the peer's transport answers PCMP before declaring
// the transport ready. On failure the negotiation is cycled, unless inbound
// traffic already proved the peer alive.
func (t *BestEffort) confirmReady() {
	err := t.pcmp.Ping(t.iface.Config().PingAttempts(), t.iface.Config().PingTimeout())
	if err == nil {
		t.ready.markOpen()
		t.log.Info("transport ready")
		return
	}

	if t.closed.Load() || t.ready.isOpen() {
		return
	}

	t.log.Warn("transport confirmation ping failed, renegotiating", "error", err)
	t.ncp.Restart()
}

// bestEffortHooks receives the NCP's layer signals. A separate type keeps
// the automaton callbacks off the transport's public method set.
type bestEffortHooks BestEffort

func (h *bestEffortHooks) ThisLayerUp() {
	t := (*BestEffort)(h)
	t.log.Debug("transport negotiation opened")
	go t.confirmReady()
}

func (h *bestEffortHooks) ThisLayerDown() {
	t := (*BestEffort)(h)
	t.log.Info("transport down")
	t.ready.markClosed()
}

func (h *bestEffortHooks) ThisLayerStarted() {}

func (h *bestEffortHooks) ThisLayerFinished() {
	t := (*BestEffort)(h)
	t.log.Debug("transport negotiation finished")
}

package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pulsekit/pulse2/link"
	"github.com/pulsekit/pulse2/logger"
)

// Simplex is a receive-only transport: it demultiplexes inbound best-effort
// packets on a single protocol number and never transmits. There is no
// negotiation and no PCMP; a simplex channel is ready as soon as the link
// is. Sockets opened on it reject Send with link.ErrSendNotSupported.
type Simplex struct {
	iface *link.Interface
	log   logger.Logger
	proto uint16

	sockets *xsync.MapOf[uint16, *link.Socket]
	closed  atomic.Bool

	Metrics BestEffortMetrics
}

// NewSimplexFactory returns a factory creating a receive-only transport
// listening on the given protocol number.
func NewSimplexFactory(protocol uint16) link.TransportFactory {
	return func(l *link.Link) (link.Transport, error) {
		t := &Simplex{
			iface:   l.Interface(),
			log:     l.Interface().Config().Logger().With("transport", fmt.Sprintf("simplex-%04x", protocol)),
			proto:   protocol,
			sockets: xsync.NewMapOf[uint16, *link.Socket](),
		}

		if err := t.iface.RegisterProtocol(protocol, handlerFunc(t.handleDataPacket)); err != nil {
			return nil, err
		}

		return t, nil
	}
}

// Up is a no-op: a simplex channel needs no negotiation.
func (t *Simplex) Up() {}

// Down is a no-op.
func (t *Simplex) Down() {}

// Close releases the transport and its sockets.
func (t *Simplex) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.sockets.Range(func(_ uint16, sock *link.Socket) bool {
		_ = sock.Close()
		return true
	})

	t.iface.UnregisterProtocol(t.proto)
}

// OpenSocket binds a receive-only socket to a port. The timeout is unused;
// a simplex transport is always ready.
func (t *Simplex) OpenSocket(port uint16, _ time.Duration) (*link.Socket, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	sock := link.NewSocket(t.iface.Config().SocketQueueSize(), nil,
		func() { t.sockets.Delete(port) })

	if _, loaded := t.sockets.LoadOrStore(port, sock); loaded {
		return nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}

	return sock, nil
}

func (t *Simplex) handleDataPacket(payload []byte) {
	port, data, err := parsePacket(payload)
	if err != nil {
		t.log.Warn("dropping malformed packet", "error", err)
		t.Metrics.Dropped.Add(1)
		return
	}

	t.Metrics.PacketsReceived.Add(1)

	sock, ok := t.sockets.Load(port)
	if !ok {
		t.Metrics.Dropped.Add(1)
		return
	}

	if !sock.Deliver(data) {
		t.log.Warn("receive queue full, dropping packet", "port", port)
		t.Metrics.Dropped.Add(1)
	}
}

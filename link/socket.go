package link

import (
	"sync"
	"time"

	"github.com/pulsekit/pulse2/internal/pool"
)

// Socket is a blocking-receive handle bound to one protocol number (on an
// Interface) or one port (on a transport).
//
// Receive is the only blocking operation; Close unblocks any in-progress
// receive. Delivery happens on the owning Interface's receive goroutine and
// never blocks: packets arriving with a full queue are dropped.
type Socket struct {
	mu     sync.Mutex
	queue  chan []byte
	done   chan struct{}
	closed bool

	// send transmits a payload on the socket's channel; nil for receive-only
	// sockets.
	send func(payload []byte) error

	// onClose lets the owner unregister the socket; invoked once.
	onClose func()
}

// NewSocket creates a socket with the given receive queue capacity. send may
// be nil for receive-only sockets; onClose, if non-nil, runs once when the
// socket closes. Transports use this to mint port-bound sockets.
func NewSocket(queueSize int, send func([]byte) error, onClose func()) *Socket {
	return newSocket(queueSize, send, onClose)
}

func newSocket(queueSize int, send func([]byte) error, onClose func()) *Socket {
	return &Socket{
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		send:    send,
		onClose: onClose,
	}
}

// Receive blocks until a packet arrives, the timeout elapses, or the socket
// closes. A non-positive timeout blocks until data arrives or the socket
// closes. Packets queued before closure are still delivered.
func (s *Socket) Receive(timeout time.Duration) ([]byte, error) {
	// Drain queued data first so closure doesn't discard packets that
	// arrived before it.
	select {
	case payload := <-s.queue:
		return payload, nil
	default:
	}

	if timeout <= 0 {
		select {
		case payload := <-s.queue:
			return payload, nil
		case <-s.done:
			return nil, ErrSocketClosed
		}
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case payload := <-s.queue:
		return payload, nil
	case <-s.done:
		return nil, ErrSocketClosed
	case <-timer.C:
		return nil, ErrReceiveTimeout
	}
}

// Send transmits a payload on the socket's bound channel.
func (s *Socket) Send(payload []byte) error {
	if s.IsClosed() {
		return ErrSocketClosed
	}
	if s.send == nil {
		return ErrSendNotSupported
	}

	return s.send(payload)
}

// Close closes the socket, unblocking any pending Receive. Closing twice is
// a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	close(s.done)
	if onClose != nil {
		onClose()
	}

	return nil
}

// IsClosed reports whether the socket has been closed.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// deliver enqueues an inbound payload without blocking. It reports false if
// the socket is closed or its queue is full.
func (s *Socket) deliver(payload []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.queue <- payload:
		return true
	default:
		return false
	}
}

// Deliver enqueues an inbound payload without blocking, reporting whether it
// was accepted. It is exported for transport implementations; applications
// only read from sockets.
func (s *Socket) Deliver(payload []byte) bool {
	return s.deliver(payload)
}

// HandleDatagram enqueues an inbound payload, satisfying ProtocolHandler so a
// socket can be registered directly on an Interface. Packets arriving with a
// full queue are dropped; the Interface logs the drop.
func (s *Socket) HandleDatagram(payload []byte) {
	s.deliver(payload)
}

package link

import (
	"fmt"
	"sync"
	"time"

	"github.com/pulsekit/pulse2/logger"
)

// Transport is a port-multiplexing datagram channel riding on an opened
// link. Implementations live in the transport package.
type Transport interface {
	// Up signals that the link below the transport came up.
	Up()
	// Down signals that the link below the transport was lost.
	Down()
	// Close releases the transport and all its sockets.
	Close()
	// OpenSocket binds a port, blocking until the transport is ready for
	// traffic or the timeout elapses.
	OpenSocket(port uint16, timeout time.Duration) (*Socket, error)
}

// TransportFactory constructs a transport bound to a link. Factories are
// supplied by name through the Config, replacing any notion of a global
// transport registry.
type TransportFactory func(l *Link) (Transport, error)

// Link represents an opened, liveness-checked connection to the device. It
// hosts one transport instance per configured factory.
type Link struct {
	iface *Interface
	log   logger.Logger
	mtu   int

	mu         sync.Mutex
	transports map[string]Transport
}

func newLink(iface *Interface, cfg *Config) (*Link, error) {
	l := &Link{
		iface:      iface,
		log:        cfg.logger,
		mtu:        cfg.mtu,
		transports: make(map[string]Transport, len(cfg.transports)),
	}

	for name, factory := range cfg.transports {
		t, err := factory(l)
		if err != nil {
			for _, created := range l.transports {
				created.Close()
			}

			return nil, fmt.Errorf("link: construct transport %q: %w", name, err)
		}
		l.transports[name] = t
	}

	return l, nil
}

// Interface returns the interface carrying this link.
func (l *Link) Interface() *Interface { return l.iface }

// MTU returns the link MTU negotiated at bring-up.
func (l *Link) MTU() int { return l.mtu }

// Transport returns the named transport.
func (l *Link) Transport(name string) (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}

	return t, nil
}

// OpenSocket binds a port on the named transport, blocking until that
// transport is ready or the timeout elapses.
func (l *Link) OpenSocket(transportName string, port uint16, timeout time.Duration) (*Socket, error) {
	t, err := l.Transport(transportName)
	if err != nil {
		return nil, err
	}

	return t.OpenSocket(port, timeout)
}

func (l *Link) up() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.transports {
		t.Up()
	}
}

func (l *Link) down() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.transports {
		t.Down()
	}
}

func (l *Link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.transports {
		t.Close()
	}
}

package link

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pulsekit/pulse2/frame"
	"github.com/pulsekit/pulse2/internal/pool"
	"github.com/pulsekit/pulse2/logger"
)

// Capture direction bytes prepended to datagrams handed to a PacketDumper.
const (
	CaptureReceived byte = 0
	CaptureSent     byte = 1
)

// PacketDumper is an optional capture sink. WritePacket receives a direction
// byte followed by the raw datagram, for every datagram sent or received.
type PacketDumper interface {
	WritePacket(packet []byte) error
}

// ProtocolHandler consumes inbound datagrams for one protocol number.
// Implementations are invoked on the Interface's receive goroutine and must
// not block.
type ProtocolHandler interface {
	HandleDatagram(payload []byte)
}

// Interface owns a serial byte stream and multiplexes datagrams over it by
// protocol number. It runs one dedicated receive goroutine that feeds the
// frame splitter and dispatches decoded datagrams to registered handlers,
// and it drives LCP to negotiate the link.
//
// Once LCP reaches Opened and a liveness ping succeeds, the Interface
// exposes a Link through GetLink.
type Interface struct {
	cfg    *Config
	log    logger.Logger
	stream io.ReadWriteCloser

	splitter *frame.Splitter
	readBuf  []byte

	// handlers maps protocol numbers to their consumers. It is mutated by
	// application goroutines (open/close) and read by the receive goroutine.
	handlers *xsync.MapOf[uint16, ProtocolHandler]

	lcp   *LCP
	tasks *taskRunner

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once

	linkMu    sync.Mutex
	link      *Link
	linkUp    bool
	linkReady chan struct{}
}

// NewInterface creates an Interface over the given byte stream and starts
// link negotiation immediately. A nil cfg uses defaults.
func NewInterface(stream io.ReadWriteCloser, cfg *Config) (*Interface, error) {
	if stream == nil {
		return nil, fmt.Errorf("link: byte stream is nil")
	}
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	i := &Interface{
		cfg:       cfg,
		log:       cfg.logger,
		stream:    stream,
		splitter:  frame.NewSplitter(cfg.maxFrameLength),
		readBuf:   make([]byte, cfg.readChunkSize),
		handlers:  xsync.NewMapOf[uint16, ProtocolHandler](),
		tasks:     newTaskRunner(cfg.logger),
		linkReady: make(chan struct{}),
	}

	i.lcp = newLCP(cfg, func(pkt []byte) error {
		return i.SendDatagram(ProtocolLCP, pkt)
	})
	i.lcp.onUp = i.handleLinkUp
	i.lcp.onDown = i.handleLinkDown
	i.lcp.onFinished = i.handleLinkFinished
	i.handlers.Store(ProtocolLCP, i.lcp)

	i.tasks.startLoop("receive", i.receiveOnce)

	i.lcp.Open()
	i.lcp.Up()

	return i, nil
}

// LCP returns the interface's link-control protocol instance.
func (i *Interface) LCP() *LCP { return i.lcp }

// Config returns the interface's configuration.
func (i *Interface) Config() *Config { return i.cfg }

// MTU returns the link MTU.
func (i *Interface) MTU() int { return i.cfg.mtu }

// SendDatagram encapsulates a payload under the given protocol number,
// frames it, and writes it to the byte stream.
func (i *Interface) SendDatagram(protocol uint16, payload []byte) error {
	if i.closed.Load() {
		return ErrInterfaceClosed
	}

	datagram := Encapsulate(protocol, payload)
	wire := frame.Encode(datagram)

	i.writeMu.Lock()
	_, err := i.stream.Write(wire)
	i.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("link: write datagram: %w", err)
	}

	i.dumpPacket(CaptureSent, datagram)

	return nil
}

// RegisterProtocol binds a handler to a protocol number.
func (i *Interface) RegisterProtocol(protocol uint16, handler ProtocolHandler) error {
	if _, loaded := i.handlers.LoadOrStore(protocol, handler); loaded {
		return fmt.Errorf("%w: 0x%04X", ErrProtocolInUse, protocol)
	}

	return nil
}

// UnregisterProtocol removes the handler bound to a protocol number.
func (i *Interface) UnregisterProtocol(protocol uint16) {
	i.handlers.Delete(protocol)
}

// OpenSocket creates a queue-backed socket bound to a protocol number.
// Sends on the socket are encapsulated under that protocol number.
func (i *Interface) OpenSocket(protocol uint16) (*Socket, error) {
	sock := newSocket(i.cfg.socketQueueSize,
		func(payload []byte) error { return i.SendDatagram(protocol, payload) },
		func() { i.handlers.Delete(protocol) },
	)

	if err := i.RegisterProtocol(protocol, sock); err != nil {
		return nil, err
	}

	return sock, nil
}

// GetLink blocks until the link is up (LCP Opened plus a successful liveness
// ping) and returns it. A non-positive timeout blocks until the link is up
// or the interface closes.
func (i *Interface) GetLink(timeout time.Duration) (*Link, error) {
	if i.closed.Load() {
		return nil, ErrInterfaceClosed
	}

	i.linkMu.Lock()
	ready := i.linkReady
	i.linkMu.Unlock()

	if timeout > 0 {
		timer := pool.GetTimer(timeout)
		defer pool.PutTimer(timer)

		select {
		case <-ready:
		case <-timer.C:
			return nil, ErrLinkUnavailable
		case <-i.tasks.done():
			return nil, ErrInterfaceClosed
		}
	} else {
		select {
		case <-ready:
		case <-i.tasks.done():
			return nil, ErrInterfaceClosed
		}
	}

	i.linkMu.Lock()
	defer i.linkMu.Unlock()

	if i.link == nil {
		return nil, ErrLinkUnavailable
	}

	return i.link, nil
}

// Close tears the interface down: transports, application sockets, LCP, the
// receive goroutine, and finally the byte stream.
func (i *Interface) Close() error {
	i.closeOnce.Do(func() {
		i.closed.Store(true)

		i.linkMu.Lock()
		link := i.link
		i.link = nil
		if i.linkUp {
			i.linkUp = false
			i.linkReady = make(chan struct{})
		}
		i.linkMu.Unlock()

		if link != nil {
			link.close()
		}

		i.handlers.Range(func(_ uint16, handler ProtocolHandler) bool {
			if sock, ok := handler.(*Socket); ok {
				_ = sock.Close()
			}
			return true
		})

		// Best-effort terminate exchange before the stream goes away.
		i.lcp.Close()
		i.lcp.shutdown()

		_ = i.stream.Close()
		i.tasks.stop()
	})

	return nil
}

// --- Receive path ---

// receiveOnce performs one blocking read and processes whatever arrived.
// It returns false to terminate the receive loop.
func (i *Interface) receiveOnce() bool {
	n, err := i.stream.Read(i.readBuf)
	if n > 0 {
		i.processBytes(i.readBuf[:n])
	}

	if err != nil {
		if i.closed.Load() || i.tasks.stopping() {
			return false
		}

		i.log.Error("byte stream read failed, closing interface", "error", err)
		go func() { _ = i.Close() }()

		return false
	}

	// An empty read is not an error; keep polling.
	return true
}

func (i *Interface) processBytes(data []byte) {
	for _, body := range i.splitter.Push(data) {
		datagram, err := frame.Decode(body)
		if err != nil {
			// Locally recoverable: resynchronize on the next delimiter.
			i.log.Warn("dropping undecodable frame", "error", err, "len", len(body))
			continue
		}

		i.dumpPacket(CaptureReceived, datagram)

		protocol, payload, err := Unencapsulate(datagram)
		if err != nil {
			i.log.Warn("dropping runt datagram", "error", err)
			continue
		}

		i.dispatch(protocol, payload)
	}
}

func (i *Interface) dispatch(protocol uint16, payload []byte) {
	handler, ok := i.handlers.Load(protocol)
	if !ok {
		i.log.Warn("datagram for unregistered protocol", "protocol", fmt.Sprintf("0x%04X", protocol))
		i.lcp.sendProtocolReject(protocol, payload)

		return
	}

	if sock, isSock := handler.(*Socket); isSock {
		if !sock.deliver(payload) {
			i.log.Warn("receive queue full, dropping datagram",
				"protocol", fmt.Sprintf("0x%04X", protocol))
		}

		return
	}

	handler.HandleDatagram(payload)
}

func (i *Interface) dumpPacket(direction byte, datagram []byte) {
	if i.cfg.dumper == nil {
		return
	}

	packet := make([]byte, 1+len(datagram))
	packet[0] = direction
	copy(packet[1:], datagram)

	if err := i.cfg.dumper.WritePacket(packet); err != nil {
		i.log.Warn("capture sink write failed", "error", err)
	}
}

// --- Link lifecycle ---

// handleLinkUp runs when LCP reaches Opened. Bring-up is asynchronous: the
// liveness ping must not block the automaton hook.
func (i *Interface) handleLinkUp() {
	if i.closed.Load() {
		return
	}

	i.tasks.startOnce("link-up", i.bringUpLink)
}

func (i *Interface) bringUpLink() {
	if err := i.lcp.Ping(i.cfg.pingAttempts, i.cfg.pingTimeout); err != nil {
		if i.closed.Load() {
			return
		}

		i.log.Error("liveness ping failed, renegotiating", "error", err)
		i.lcp.Restart()

		return
	}

	i.linkMu.Lock()
	if i.link == nil {
		l, err := newLink(i, i.cfg)
		if err != nil {
			i.linkMu.Unlock()
			i.log.Error("failed to construct link", "error", err)

			return
		}
		i.link = l
	}
	link := i.link
	i.linkMu.Unlock()

	link.up()

	i.linkMu.Lock()
	if !i.linkUp {
		i.linkUp = true
		close(i.linkReady)
	}
	i.linkMu.Unlock()

	i.log.Info("link is up", "mtu", i.cfg.mtu)
}

func (i *Interface) handleLinkDown() {
	i.linkMu.Lock()
	if i.linkUp {
		i.linkUp = false
		i.linkReady = make(chan struct{})
	}
	link := i.link
	i.linkMu.Unlock()

	if link != nil {
		link.down()
	}
}

func (i *Interface) handleLinkFinished() {
	if !i.closed.Load() {
		i.log.Warn("link negotiation finished without an open link")
	}
}

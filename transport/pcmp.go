package transport

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pulsekit/pulse2/internal/pool"
	"github.com/pulsekit/pulse2/link"
	"github.com/pulsekit/pulse2/logger"
)

// PortPCMP is the reserved port PCMP rides on, on every duplex transport.
const PortPCMP uint16 = 0x0001

// PCMP message codes.
const (
	PCMPEchoRequest    byte = 1
	PCMPEchoReply      byte = 2
	PCMPDiscardRequest byte = 3
	PCMPPortClosed     byte = 129
	PCMPUnknownCode    byte = 130
)

// PCMP is the per-transport control message protocol. It owns the socket
// bound to the reserved port and serves echo (ping) plus Port-Closed
// notifications; unrecognized codes are answered with Unknown-Code.
type PCMP struct {
	log  logger.Logger
	sock *link.Socket

	// onPortClosed force-closes the named application socket on the owning
	// transport.
	onPortClosed func(port uint16)

	// Ping state, same single-session contract as LCP's ping.
	pingMu      sync.Mutex
	pingActive  bool
	pingNonce   []byte
	pingCounter uint64
	pingReply   chan struct{}
	pingCancel  chan struct{}
}

// newPCMP wires PCMP onto an already-bound socket and starts its receive
// goroutine. The goroutine exits when the socket closes.
func newPCMP(sock *link.Socket, onPortClosed func(uint16), log logger.Logger) *PCMP {
	p := &PCMP{
		log:          log.With("proto", "pcmp"),
		sock:         sock,
		onPortClosed: onPortClosed,
	}

	go p.run()

	return p
}

func (p *PCMP) run() {
	for {
		data, err := p.sock.Receive(0)
		if err != nil {
			// ErrSocketClosed: the owning transport shut down.
			p.shutdown()
			return
		}

		p.handle(data)
	}
}

func (p *PCMP) handle(data []byte) {
	if len(data) < 1 {
		p.log.Warn("dropping empty pcmp message")
		return
	}

	code, info := data[0], data[1:]

	switch code {
	case PCMPEchoRequest:
		p.reply(PCMPEchoReply, info)

	case PCMPEchoReply:
		p.handleEchoReply(info)

	case PCMPDiscardRequest:
		// Dropped silently by definition.

	case PCMPPortClosed:
		if len(info) < 2 {
			p.log.Warn("dropping truncated port-closed message", "len", len(info))
			return
		}
		port := binary.BigEndian.Uint16(info)
		p.log.Info("peer closed port", "port", port)
		if p.onPortClosed != nil {
			p.onPortClosed(port)
		}

	case PCMPUnknownCode:
		// Never answered, or two peers would volley rejections forever.
		if len(info) > 0 {
			p.log.Warn("peer rejected pcmp code", "code", info[0])
		}

	default:
		p.log.Warn("unknown pcmp code", "code", code)
		p.reply(PCMPUnknownCode, []byte{code})
	}
}

func (p *PCMP) handleEchoReply(info []byte) {
	p.pingMu.Lock()
	defer p.pingMu.Unlock()

	if !p.pingActive || !bytes.Equal(info, p.pingNonce) {
		return
	}

	select {
	case p.pingReply <- struct{}{}:
	default:
	}
}

func (p *PCMP) reply(code byte, info []byte) {
	msg := make([]byte, 1+len(info))
	msg[0] = code
	copy(msg[1:], info)

	if err := p.sock.Send(msg); err != nil {
		p.log.Warn("failed to send pcmp reply", "code", code, "error", err)
	}
}

// Ping sends Echo-Requests over the transport until one is answered or
// attempts are exhausted, blocking up to timeout per attempt. Same contract
// as LCP's ping: one session at a time.
func (p *PCMP) Ping(attempts int, timeout time.Duration) error {
	p.pingMu.Lock()
	if p.pingActive {
		p.pingMu.Unlock()
		return link.ErrPingInProgress
	}
	p.pingActive = true
	p.pingReply = make(chan struct{}, 1)
	p.pingCancel = make(chan struct{})
	cancel := p.pingCancel
	p.pingMu.Unlock()

	defer func() {
		p.pingMu.Lock()
		p.pingActive = false
		p.pingMu.Unlock()
	}()

	for attempt := 0; attempt < attempts; attempt++ {
		p.pingMu.Lock()
		p.pingCounter++
		nonce := make([]byte, 8)
		binary.BigEndian.PutUint64(nonce, p.pingCounter)
		p.pingNonce = nonce
		p.pingMu.Unlock()

		msg := make([]byte, 1+len(nonce))
		msg[0] = PCMPEchoRequest
		copy(msg[1:], nonce)

		if err := p.sock.Send(msg); err != nil {
			return err
		}

		timer := pool.GetTimer(timeout)
		select {
		case <-p.pingReply:
			pool.PutTimer(timer)
			return nil
		case <-cancel:
			pool.PutTimer(timer)
			return link.ErrSocketClosed
		case <-timer.C:
			pool.PutTimer(timer)
			p.log.Debug("pcmp ping attempt timed out", "attempt", attempt+1, "attempts", attempts)
		}
	}

	return link.ErrPingTimeout
}

// shutdown cancels an outstanding ping when the underlying socket closes.
func (p *PCMP) shutdown() {
	p.pingMu.Lock()
	defer p.pingMu.Unlock()

	if p.pingActive && p.pingCancel != nil {
		close(p.pingCancel)
		p.pingCancel = nil
	}
}

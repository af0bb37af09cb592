package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packetTap captures everything an LCP under test transmits.
type packetTap struct {
	mu   sync.Mutex
	sent []*ControlPacket
}

func (tap *packetTap) send(wire []byte) error {
	pkt, err := ParseControlPacket(wire)
	if err != nil {
		return err
	}

	tap.mu.Lock()
	tap.sent = append(tap.sent, pkt)
	tap.mu.Unlock()

	return nil
}

func (tap *packetTap) packets() []*ControlPacket {
	tap.mu.Lock()
	defer tap.mu.Unlock()

	return append([]*ControlPacket(nil), tap.sent...)
}

func (tap *packetTap) count() int {
	tap.mu.Lock()
	defer tap.mu.Unlock()

	return len(tap.sent)
}

// waitFor polls the tap until pred finds a packet, failing the test on
// timeout.
func (tap *packetTap) waitFor(t *testing.T, pred func(*ControlPacket) bool) *ControlPacket {
	t.Helper()

	var found *ControlPacket
	require.Eventually(t, func() bool {
		for _, pkt := range tap.packets() {
			if pred(pkt) {
				found = pkt
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)

	return found
}

func newOpenedLCP(t *testing.T, opts ...ConfigOption) (*LCP, *packetTap) {
	t.Helper()

	cfg, err := NewConfig(opts...)
	require.NoError(t, err)

	tap := &packetTap{}
	l := newLCP(cfg, tap.send)

	l.Open()
	l.Up()

	first := tap.packets()[0]
	require.Equal(t, CodeConfigureRequest, first.Code)

	l.HandleDatagram((&ControlPacket{Code: CodeConfigureAck, Identifier: first.Identifier}).Marshal())
	l.HandleDatagram((&ControlPacket{Code: CodeConfigureRequest, Identifier: 80}).Marshal())
	require.Equal(t, StateOpened, l.State())

	return l, tap
}

func TestLCPEchoRequestAnswered(t *testing.T) {
	l, tap := newOpenedLCP(t)

	payload := []byte{0, 0, 0, 0, 0xDE, 0xAD}
	l.HandleDatagram((&ControlPacket{Code: CodeEchoRequest, Identifier: 33, Data: payload}).Marshal())

	reply := tap.waitFor(t, func(p *ControlPacket) bool { return p.Code == CodeEchoReply })
	assert.Equal(t, byte(33), reply.Identifier)
	assert.Equal(t, payload, reply.Data)
}

func TestLCPEchoRequestBadMagicDropped(t *testing.T) {
	l, tap := newOpenedLCP(t)
	before := tap.count()

	// Nonzero magic field: this implementation never negotiates one.
	l.HandleDatagram((&ControlPacket{Code: CodeEchoRequest, Identifier: 1, Data: []byte{0, 0, 0, 1}}).Marshal())
	// Truncated magic field.
	l.HandleDatagram((&ControlPacket{Code: CodeEchoRequest, Identifier: 2, Data: []byte{0, 0}}).Marshal())

	assert.Equal(t, before, tap.count())
}

func TestLCPEchoRequestIgnoredWhenNotOpened(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	tap := &packetTap{}
	l := newLCP(cfg, tap.send)

	l.HandleDatagram((&ControlPacket{Code: CodeEchoRequest, Identifier: 1, Data: []byte{0, 0, 0, 0}}).Marshal())
	assert.Zero(t, tap.count())
}

func TestLCPPing(t *testing.T) {
	l, tap := newOpenedLCP(t)

	done := make(chan error, 1)
	go func() { done <- l.Ping(3, time.Second) }()

	req := tap.waitFor(t, func(p *ControlPacket) bool { return p.Code == CodeEchoRequest })
	l.HandleDatagram((&ControlPacket{Code: CodeEchoReply, Identifier: req.Identifier, Data: req.Data}).Marshal())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not complete")
	}
}

func TestLCPPingTimeout(t *testing.T) {
	l, tap := newOpenedLCP(t)

	err := l.Ping(2, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrPingTimeout)

	requests := 0
	for _, pkt := range tap.packets() {
		if pkt.Code == CodeEchoRequest {
			requests++
		}
	}
	assert.Equal(t, 2, requests, "one echo-request per attempt")
}

func TestLCPPingRequiresOpenedLink(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	l := newLCP(cfg, (&packetTap{}).send)
	require.ErrorIs(t, l.Ping(1, time.Second), ErrLinkState)
}

func TestLCPPingSingleSession(t *testing.T) {
	l, tap := newOpenedLCP(t)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- l.Ping(1, 300*time.Millisecond)
	}()

	<-started
	tap.waitFor(t, func(p *ControlPacket) bool { return p.Code == CodeEchoRequest })

	require.ErrorIs(t, l.Ping(1, time.Second), ErrPingInProgress)
	<-done
}

func TestLCPPingReplyMustMatch(t *testing.T) {
	l, tap := newOpenedLCP(t)

	done := make(chan error, 1)
	go func() { done <- l.Ping(1, 100*time.Millisecond) }()

	req := tap.waitFor(t, func(p *ControlPacket) bool { return p.Code == CodeEchoRequest })

	// Wrong identifier: the session must not complete.
	l.HandleDatagram((&ControlPacket{Code: CodeEchoReply, Identifier: req.Identifier + 1, Data: req.Data}).Marshal())

	require.ErrorIs(t, <-done, ErrPingTimeout)
}

func TestLCPShutdownCancelsPing(t *testing.T) {
	l, tap := newOpenedLCP(t)

	done := make(chan error, 1)
	go func() { done <- l.Ping(5, time.Second) }()

	tap.waitFor(t, func(p *ControlPacket) bool { return p.Code == CodeEchoRequest })
	l.shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterfaceClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not cancel on shutdown")
	}
}

func TestLCPDiscardRequestSilent(t *testing.T) {
	l, tap := newOpenedLCP(t)
	before := tap.count()

	l.HandleDatagram((&ControlPacket{Code: CodeDiscardRequest, Identifier: 1, Data: []byte{1, 2, 3}}).Marshal())
	assert.Equal(t, before, tap.count())
	assert.Equal(t, StateOpened, l.State())
}

func TestLCPProtocolReject(t *testing.T) {
	l, tap := newOpenedLCP(t)

	l.sendProtocolReject(0x0F0F, []byte{0xAA, 0xBB})

	pr := tap.waitFor(t, func(p *ControlPacket) bool { return p.Code == CodeProtocolReject })
	require.GreaterOrEqual(t, len(pr.Data), 2)
	assert.Equal(t, []byte{0x0F, 0x0F, 0xAA, 0xBB}, pr.Data)
}

func TestLCPProtocolRejectOnlyWhenOpened(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	tap := &packetTap{}
	l := newLCP(cfg, tap.send)

	l.sendProtocolReject(0x0F0F, []byte{0xAA})
	assert.Zero(t, tap.count())
}

func TestLCPInboundProtocolRejectIsInformational(t *testing.T) {
	l, _ := newOpenedLCP(t)

	l.HandleDatagram((&ControlPacket{Code: CodeProtocolReject, Identifier: 4, Data: []byte{0x0F, 0x0F}}).Marshal())
	assert.Equal(t, StateOpened, l.State())
}

package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fsmHarness records everything an automaton under test emits: sent control
// packets and layer signals, in order.
type fsmHarness struct {
	mu     sync.Mutex
	sent   []*ControlPacket
	events []string

	reqOpts OptionList
	nak     OptionList
	reject  OptionList
}

func (h *fsmHarness) send(wire []byte) error {
	pkt, err := ParseControlPacket(wire)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.sent = append(h.sent, pkt)
	h.mu.Unlock()

	return nil
}

func (h *fsmHarness) event(name string) {
	h.mu.Lock()
	h.events = append(h.events, name)
	h.mu.Unlock()
}

func (h *fsmHarness) ThisLayerUp()       { h.event("up") }
func (h *fsmHarness) ThisLayerDown()     { h.event("down") }
func (h *fsmHarness) ThisLayerStarted()  { h.event("started") }
func (h *fsmHarness) ThisLayerFinished() { h.event("finished") }

func (h *fsmHarness) RequestOptions() OptionList {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.reqOpts
}

func (h *fsmHarness) FilterOptions(OptionList) (OptionList, OptionList) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.nak, h.reject
}

func (h *fsmHarness) sentPackets() []*ControlPacket {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*ControlPacket(nil), h.sent...)
}

func (h *fsmHarness) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.sent)
}

func (h *fsmHarness) eventList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.events...)
}

func newTestAutomaton(t *testing.T, opts ...ConfigOption) (*Automaton, *fsmHarness) {
	t.Helper()

	cfg, err := NewConfig(opts...)
	require.NoError(t, err)

	h := &fsmHarness{}
	return NewAutomaton("test", cfg, h, h.send), h
}

// deliver feeds a control packet to the automaton as if received on the wire.
func deliver(a *Automaton, pkt *ControlPacket) {
	a.Receive(pkt.Marshal())
}

func TestAutomatonOpenThenUp(t *testing.T) {
	a, h := newTestAutomaton(t)

	require.Equal(t, StateInitial, a.State())

	a.Open()
	require.Equal(t, StateStarting, a.State())
	assert.Equal(t, []string{"started"}, h.eventList())

	a.Up()
	require.Equal(t, StateReqSent, a.State())

	sent := h.sentPackets()
	require.Len(t, sent, 1)
	assert.Equal(t, CodeConfigureRequest, sent[0].Code)
	assert.Equal(t, byte(0), sent[0].Identifier)
	assert.Empty(t, sent[0].Data)
}

func TestAutomatonUpThenOpen(t *testing.T) {
	a, h := newTestAutomaton(t)

	a.Up()
	require.Equal(t, StateClosed, a.State())

	a.Open()
	require.Equal(t, StateReqSent, a.State())
	require.Equal(t, 1, h.sentCount())
}

func TestAutomatonHandshakeAckFirst(t *testing.T) {
	a, h := newTestAutomaton(t)

	a.Open()
	a.Up()

	// Peer acks our request byte-for-byte.
	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: 0})
	require.Equal(t, StateAckRcvd, a.State())

	// Peer's own request, with a fresh identifier, completes the exchange.
	deliver(a, &ControlPacket{Code: CodeConfigureRequest, Identifier: 17})
	require.Equal(t, StateOpened, a.State())
	assert.Contains(t, h.eventList(), "up")

	sent := h.sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, CodeConfigureAck, sent[1].Code)
	assert.Equal(t, byte(17), sent[1].Identifier)
}

func TestAutomatonHandshakeRequestFirst(t *testing.T) {
	a, h := newTestAutomaton(t)

	a.Open()
	a.Up()

	deliver(a, &ControlPacket{Code: CodeConfigureRequest, Identifier: 3})
	require.Equal(t, StateAckSent, a.State())

	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: 0})
	require.Equal(t, StateOpened, a.State())
	assert.Contains(t, h.eventList(), "up")

	sent := h.sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, CodeConfigureAck, sent[1].Code)
}

func TestAutomatonAckMustMatchRequest(t *testing.T) {
	a, _ := newTestAutomaton(t)

	a.Open()
	a.Up()

	// Wrong identifier: stale reply from a crossed exchange, ignored.
	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: 9})
	require.Equal(t, StateReqSent, a.State())

	// Right identifier but different option bytes: also ignored.
	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: 0, Data: []byte{1, 2}})
	require.Equal(t, StateReqSent, a.State())
}

func TestAutomatonRequestCarriesProvidedOptions(t *testing.T) {
	a, h := newTestAutomaton(t)
	h.reqOpts = OptionList{{Type: 1, Data: []byte{0x05, 0xDC}}}

	a.Open()
	a.Up()

	sent := h.sentPackets()
	require.Len(t, sent, 1)
	assert.Equal(t, h.reqOpts.Marshal(), sent[0].Data)

	// The ack must echo those bytes to be accepted.
	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: 0, Data: h.reqOpts.Marshal()})
	require.Equal(t, StateAckRcvd, a.State())
}

func TestAutomatonRetryExhaustion(t *testing.T) {
	a, h := newTestAutomaton(t,
		WithRestartInterval(20*time.Millisecond),
		WithMaxConfigure(3),
	)

	a.Open()
	a.Up()

	require.Eventually(t, func() bool {
		return a.State() == StateStopped
	}, 2*time.Second, 5*time.Millisecond)

	// Initial request plus maxConfigure retransmissions.
	assert.Equal(t, 4, h.sentCount())
	assert.Contains(t, h.eventList(), "finished")
}

func TestAutomatonRetransmissionUsesFreshIdentifier(t *testing.T) {
	a, h := newTestAutomaton(t,
		WithRestartInterval(20*time.Millisecond),
		WithMaxConfigure(3),
	)

	a.Open()
	a.Up()

	require.Eventually(t, func() bool { return h.sentCount() >= 2 }, time.Second, 5*time.Millisecond)

	sent := h.sentPackets()
	assert.NotEqual(t, sent[0].Identifier, sent[1].Identifier)

	// The latest identifier is the one an ack must match.
	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: sent[len(sent)-1].Identifier})
	require.Equal(t, StateAckRcvd, a.State())
}

func TestAutomatonNakTriggersNewRequest(t *testing.T) {
	a, h := newTestAutomaton(t)

	a.Open()
	a.Up()

	deliver(a, &ControlPacket{Code: CodeConfigureNak, Identifier: 0})
	require.Equal(t, StateReqSent, a.State())

	sent := h.sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, CodeConfigureRequest, sent[1].Code)
	assert.Equal(t, byte(1), sent[1].Identifier)
}

func TestAutomatonNakEscalatesToReject(t *testing.T) {
	a, h := newTestAutomaton(t, WithMaxFailure(2))
	h.nak = OptionList{{Type: 7, Data: []byte{1}}}

	a.Open()
	a.Up()

	for i := byte(0); i < 3; i++ {
		deliver(a, &ControlPacket{Code: CodeConfigureRequest, Identifier: i})
	}

	var replies []byte
	for _, pkt := range h.sentPackets() {
		if pkt.Code == CodeConfigureNak || pkt.Code == CodeConfigureReject {
			replies = append(replies, pkt.Code)
		}
	}

	// Two naks within the failure budget, then escalation.
	require.Equal(t, []byte{CodeConfigureNak, CodeConfigureNak, CodeConfigureReject}, replies)
}

func TestAutomatonRejectedOptionsAnsweredWithReject(t *testing.T) {
	a, h := newTestAutomaton(t)
	h.reject = OptionList{{Type: 200, Data: nil}}

	a.Open()
	a.Up()

	deliver(a, &ControlPacket{Code: CodeConfigureRequest, Identifier: 1, Data: h.reject.Marshal()})

	sent := h.sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, CodeConfigureReject, sent[1].Code)
	assert.Equal(t, h.reject.Marshal(), sent[1].Data)
}

func openAutomaton(t *testing.T, a *Automaton, h *fsmHarness) {
	t.Helper()

	a.Open()
	a.Up()
	deliver(a, &ControlPacket{Code: CodeConfigureAck, Identifier: h.sentPackets()[0].Identifier})
	deliver(a, &ControlPacket{Code: CodeConfigureRequest, Identifier: 99})
	require.Equal(t, StateOpened, a.State())
}

func TestAutomatonCloseTerminates(t *testing.T) {
	a, h := newTestAutomaton(t)
	openAutomaton(t, a, h)

	a.Close()
	require.Equal(t, StateClosing, a.State())
	assert.Contains(t, h.eventList(), "down")

	sent := h.sentPackets()
	tr := sent[len(sent)-1]
	require.Equal(t, CodeTerminateRequest, tr.Code)

	deliver(a, &ControlPacket{Code: CodeTerminateAck, Identifier: tr.Identifier})
	require.Equal(t, StateClosed, a.State())
	assert.Contains(t, h.eventList(), "finished")
}

func TestAutomatonPeerTerminate(t *testing.T) {
	a, h := newTestAutomaton(t, WithRestartInterval(20*time.Millisecond))
	openAutomaton(t, a, h)

	deliver(a, &ControlPacket{Code: CodeTerminateRequest, Identifier: 5})
	require.Equal(t, StateStopping, a.State())
	assert.Contains(t, h.eventList(), "down")

	sent := h.sentPackets()
	ta := sent[len(sent)-1]
	assert.Equal(t, CodeTerminateAck, ta.Code)
	assert.Equal(t, byte(5), ta.Identifier)

	// One quiet interval for the peer to finish, then the layer is done.
	require.Eventually(t, func() bool {
		return a.State() == StateStopped
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.eventList(), "finished")
}

func TestAutomatonUnknownCodeRejected(t *testing.T) {
	a, h := newTestAutomaton(t)
	openAutomaton(t, a, h)

	offending := &ControlPacket{Code: 99, Identifier: 7, Data: []byte{0xAB}}
	deliver(a, offending)

	require.Equal(t, StateOpened, a.State(), "unknown codes never transition state")

	sent := h.sentPackets()
	cr := sent[len(sent)-1]
	require.Equal(t, CodeCodeReject, cr.Code)
	assert.Equal(t, offending.Marshal(), cr.Data)
}

func TestAutomatonCodeReject(t *testing.T) {
	t.Run("fatal for basic codes", func(t *testing.T) {
		a, h := newTestAutomaton(t)
		a.Open()
		a.Up()

		deliver(a, &ControlPacket{Code: CodeCodeReject, Identifier: 1, Data: []byte{CodeConfigureRequest}})
		require.Equal(t, StateStopped, a.State())
		assert.Contains(t, h.eventList(), "finished")
	})

	t.Run("tolerated for extension codes", func(t *testing.T) {
		a, _ := newTestAutomaton(t)
		a.Open()
		a.Up()

		deliver(a, &ControlPacket{Code: CodeCodeReject, Identifier: 1, Data: []byte{CodeEchoRequest}})
		require.Equal(t, StateReqSent, a.State())
	})
}

func TestAutomatonDownFromOpened(t *testing.T) {
	a, h := newTestAutomaton(t)
	openAutomaton(t, a, h)

	a.Down()
	require.Equal(t, StateStarting, a.State())
	assert.Contains(t, h.eventList(), "down")

	// The layer is still administratively open: up restarts negotiation.
	a.Up()
	require.Equal(t, StateReqSent, a.State())
}

func TestAutomatonRestart(t *testing.T) {
	a, h := newTestAutomaton(t)
	openAutomaton(t, a, h)

	before := h.sentCount()
	a.Restart()

	require.Equal(t, StateReqSent, a.State())
	assert.Contains(t, h.eventList(), "down")

	sent := h.sentPackets()
	require.Greater(t, len(sent), before)
	assert.Equal(t, CodeConfigureRequest, sent[len(sent)-1].Code)
}

func TestAutomatonPeerRenegotiatesWhileOpened(t *testing.T) {
	a, h := newTestAutomaton(t)
	openAutomaton(t, a, h)

	deliver(a, &ControlPacket{Code: CodeConfigureRequest, Identifier: 100})
	require.Equal(t, StateAckSent, a.State())
	assert.Contains(t, h.eventList(), "down")

	// Our own renegotiation request went out alongside the ack.
	sent := h.sentPackets()
	codes := []byte{sent[len(sent)-2].Code, sent[len(sent)-1].Code}
	assert.Contains(t, codes, CodeConfigureRequest)
	assert.Contains(t, codes, CodeConfigureAck)
}

func TestAutomatonMalformedPacketIgnored(t *testing.T) {
	a, _ := newTestAutomaton(t)
	a.Open()
	a.Up()

	a.Receive([]byte{1, 2})
	a.Receive([]byte{CodeConfigureAck, 0, 0x00, 0x63})

	require.Equal(t, StateReqSent, a.State())
}

func TestAutomatonIdentifierWraps(t *testing.T) {
	a, h := newTestAutomaton(t)

	a.Open()
	a.Up()

	// Drive identifier consumption with naks; each triggers a fresh request.
	for i := 0; i < 256; i++ {
		sent := h.sentPackets()
		last := sent[len(sent)-1]
		deliver(a, &ControlPacket{Code: CodeConfigureNak, Identifier: last.Identifier})
	}

	sent := h.sentPackets()
	require.Len(t, sent, 257)
	assert.Equal(t, byte(0), sent[256].Identifier, "identifier wraps mod 256")
}

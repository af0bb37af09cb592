package link

import (
	"bytes"
	"sync"
	"time"

	"github.com/pulsekit/pulse2/logger"
)

// State is a control-protocol automaton state (RFC 1661 §4.2).
type State uint32

const (
	StateInitial State = iota
	StateStarting
	StateClosed
	StateStopped
	StateClosing
	StateStopping
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
)

// String returns the RFC 1661 name of the state.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Hooks are the layer signals a specialization (LCP, transport NCP) must
// implement. They are invoked after the automaton releases its lock, so a
// hook may call back into the automaton (e.g. Restart from a bring-up
// failure).
type Hooks interface {
	// ThisLayerUp signals the automaton entered the Opened state.
	ThisLayerUp()
	// ThisLayerDown signals the automaton left the Opened state.
	ThisLayerDown()
	// ThisLayerStarted signals the lower layer is needed.
	ThisLayerStarted()
	// ThisLayerFinished signals the lower layer is no longer needed
	// (negotiation or teardown ran out of retries, or terminated cleanly).
	ThisLayerFinished()
}

// OptionProvider is an optional extension of Hooks supplying the options
// offered in outgoing Configure-Requests. Without it, requests carry no
// options.
type OptionProvider interface {
	RequestOptions() OptionList
}

// OptionValidator is an optional extension of Hooks judging the peer's
// offered options. It splits them into options with unacceptable values
// (to Configure-Nak, carrying suggested values) and unrecognized options
// (to Configure-Reject). Both lists empty means the request is acceptable.
// Without it, every Configure-Request is acceptable.
type OptionValidator interface {
	FilterOptions(opts OptionList) (nak OptionList, reject OptionList)
}

// SendFunc transmits one marshaled control packet over the automaton's
// protocol number.
type SendFunc func(packet []byte) error

// Automaton is the generic PPP control-protocol state machine (RFC 1661 §4).
//
// All state mutation happens under the automaton's lock; layer hooks run
// after the lock is released. Packet delivery (Receive) is expected on the
// owning Interface's receive goroutine, events (Up/Down/Open/Close) may come
// from any goroutine.
type Automaton struct {
	name  string
	log   logger.Logger
	hooks Hooks
	send  SendFunc

	restartInterval time.Duration
	maxConfigure    int
	maxTerminate    int
	maxFailure      int
	mtu             int

	mu           sync.Mutex
	state        State
	restartCount int
	failureCount int

	// ident is the identifier used for the next sent request; it wraps
	// mod 256. lastRequestID and lastRequestOptions record the most recent
	// Configure-Request so a Configure-Ack can be matched byte-for-byte.
	ident              byte
	lastRequestID      byte
	lastRequestOptions []byte

	// timerGen invalidates stale restart-timer firings: a firing is honored
	// only if the generation it captured is still current. Stopping the
	// timer is just bumping the generation.
	timerGen uint64

	// pending collects hook invocations to run after the lock is released.
	pending []func()
}

// NewAutomaton creates an automaton in the Initial state. The name is used
// for logging only.
func NewAutomaton(name string, cfg *Config, hooks Hooks, send SendFunc) *Automaton {
	return &Automaton{
		name:            name,
		log:             cfg.logger.With("proto", name),
		hooks:           hooks,
		send:            send,
		restartInterval: cfg.restartInterval,
		maxConfigure:    cfg.maxConfigure,
		maxTerminate:    cfg.maxTerminate,
		maxFailure:      cfg.maxFailure,
		mtu:             cfg.mtu,
		state:           StateInitial,
	}
}

// State returns the current automaton state.
func (a *Automaton) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// IsOpened reports whether the automaton is in the Opened state.
func (a *Automaton) IsOpened() bool {
	return a.State() == StateOpened
}

// Up delivers the lower-layer-ready event.
func (a *Automaton) Up() { a.dispatch(a.up) }

// Down delivers the lower-layer-lost event.
func (a *Automaton) Down() { a.dispatch(a.down) }

// Open administratively arms negotiation.
func (a *Automaton) Open() { a.dispatch(a.open) }

// Close administratively tears the layer down.
func (a *Automaton) Close() { a.dispatch(a.closeEvent) }

// Restart renegotiates the layer by cycling the lower-layer signal. Used
// when an upper layer exhausts its own retry budget.
func (a *Automaton) Restart() {
	a.log.Info("restarting negotiation")
	a.Down()
	a.Up()
}

// Receive processes one inbound control packet. Malformed packets are logged
// and dropped without a state transition.
func (a *Automaton) Receive(data []byte) {
	pkt, err := ParseControlPacket(data)
	if err != nil {
		a.log.Warn("dropping malformed control packet", "error", err)
		return
	}

	a.ReceivePacket(pkt)
}

// ReceivePacket processes an already-parsed control packet.
func (a *Automaton) ReceivePacket(pkt *ControlPacket) {
	a.dispatch(func() { a.receive(pkt) })
}

// dispatch runs fn under the lock, then invokes any layer hooks fn queued.
func (a *Automaton) dispatch(fn func()) {
	a.mu.Lock()
	fn()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, hook := range pending {
		hook()
	}
}

// --- Events (locked) ---

func (a *Automaton) up() {
	switch a.state {
	case StateInitial:
		a.setState(StateClosed)

	case StateStarting:
		a.initRestartCount(a.maxConfigure)
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	default:
		a.log.Warn("unexpected up event", "state", a.state)
	}
}

func (a *Automaton) down() {
	switch a.state {
	case StateClosed:
		a.setState(StateInitial)

	case StateStopped:
		a.setState(StateStarting)
		a.queueHook(a.hooks.ThisLayerStarted)

	case StateClosing:
		a.stopTimer()
		a.setState(StateInitial)

	case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		a.stopTimer()
		a.setState(StateStarting)

	case StateOpened:
		a.setState(StateStarting)
		a.queueHook(a.hooks.ThisLayerDown)

	case StateInitial, StateStarting:
		// Already down.
	}
}

func (a *Automaton) open() {
	switch a.state {
	case StateInitial:
		a.setState(StateStarting)
		a.queueHook(a.hooks.ThisLayerStarted)

	case StateClosed:
		a.initRestartCount(a.maxConfigure)
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	case StateClosing:
		a.setState(StateStopping)

	default:
		// Starting, Stopped, Stopping, ReqSent, AckRcvd, AckSent, Opened:
		// negotiation is already armed or in progress.
	}
}

func (a *Automaton) closeEvent() {
	switch a.state {
	case StateInitial, StateClosing, StateClosed:
		// Nothing to do.

	case StateStarting:
		a.setState(StateInitial)
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateStopped:
		a.setState(StateClosed)

	case StateStopping:
		a.setState(StateClosing)

	case StateReqSent, StateAckRcvd, StateAckSent:
		a.initRestartCount(a.maxTerminate)
		a.sendTerminateRequest()
		a.startTimer()
		a.setState(StateClosing)

	case StateOpened:
		a.queueHook(a.hooks.ThisLayerDown)
		a.initRestartCount(a.maxTerminate)
		a.sendTerminateRequest()
		a.startTimer()
		a.setState(StateClosing)
	}
}

// timeout handles a restart-timer expiry (TO+ with retries left, TO- after
// the retry budget is spent).
func (a *Automaton) timeout() {
	switch a.state {
	case StateClosing, StateStopping:
		if a.restartCount > 0 {
			a.restartCount--
			a.sendTerminateRequest()
			a.startTimer()
			return
		}

		if a.state == StateClosing {
			a.setState(StateClosed)
		} else {
			a.setState(StateStopped)
		}
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateReqSent, StateAckRcvd, StateAckSent:
		if a.restartCount > 0 {
			a.restartCount--
			a.sendConfigureRequest()
			if a.state == StateAckRcvd {
				a.setState(StateReqSent)
			}
			a.startTimer()
			return
		}

		a.log.Warn("configure retries exhausted", "state", a.state)
		a.setState(StateStopped)
		a.queueHook(a.hooks.ThisLayerFinished)

	default:
		// Stale timer in a state with no timer semantics.
	}
}

// --- Packet reception (locked) ---

func (a *Automaton) receive(pkt *ControlPacket) {
	switch pkt.Code {
	case CodeConfigureRequest:
		a.rcvConfigureRequest(pkt)
	case CodeConfigureAck:
		a.rcvConfigureAck(pkt)
	case CodeConfigureNak, CodeConfigureReject:
		a.rcvConfigureNakRej(pkt)
	case CodeTerminateRequest:
		a.rcvTerminateRequest(pkt)
	case CodeTerminateAck:
		a.rcvTerminateAck(pkt)
	case CodeCodeReject:
		a.rcvCodeReject(pkt)
	default:
		// RUC: never transitions state, replies with a Code-Reject.
		a.log.Warn("unknown control code", "code", pkt.Code, "identifier", pkt.Identifier)
		a.sendCodeReject(pkt)
	}
}

func (a *Automaton) rcvConfigureRequest(pkt *ControlPacket) {
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		a.log.Warn("dropping configure-request with malformed options", "error", err)
		return
	}

	var nak, reject OptionList
	if validator, ok := a.hooks.(OptionValidator); ok {
		nak, reject = validator.FilterOptions(opts)
	}
	acceptable := len(nak) == 0 && len(reject) == 0

	switch a.state {
	case StateInitial, StateStarting:
		a.log.Warn("configure-request while lower layer is down", "state", a.state)

	case StateClosed:
		a.sendTerminateAck(pkt.Identifier)

	case StateStopped:
		a.initRestartCount(a.maxConfigure)
		a.sendConfigureRequest()
		a.startTimer()
		if acceptable {
			a.sendConfigureAck(pkt)
			a.setState(StateAckSent)
		} else {
			a.sendConfigureNakOrRej(pkt.Identifier, nak, reject)
			a.setState(StateReqSent)
		}

	case StateReqSent:
		if acceptable {
			a.sendConfigureAck(pkt)
			a.setState(StateAckSent)
		} else {
			a.sendConfigureNakOrRej(pkt.Identifier, nak, reject)
		}

	case StateAckRcvd:
		if acceptable {
			a.sendConfigureAck(pkt)
			a.stopTimer()
			a.setState(StateOpened)
			a.queueHook(a.hooks.ThisLayerUp)
		} else {
			a.sendConfigureNakOrRej(pkt.Identifier, nak, reject)
		}

	case StateAckSent:
		if acceptable {
			a.sendConfigureAck(pkt)
		} else {
			a.sendConfigureNakOrRej(pkt.Identifier, nak, reject)
			a.setState(StateReqSent)
		}

	case StateOpened:
		// Peer renegotiates: drop out of Opened and answer.
		a.queueHook(a.hooks.ThisLayerDown)
		a.sendConfigureRequest()
		a.startTimer()
		if acceptable {
			a.sendConfigureAck(pkt)
			a.setState(StateAckSent)
		} else {
			a.sendConfigureNakOrRej(pkt.Identifier, nak, reject)
			a.setState(StateReqSent)
		}
	}
}

func (a *Automaton) rcvConfigureAck(pkt *ControlPacket) {
	// The ack must match the most recently sent request exactly, identifier
	// and option bytes both; anything else is a stale reply from a crossed
	// exchange.
	if pkt.Identifier != a.lastRequestID || !bytes.Equal(pkt.Data, a.lastRequestOptions) {
		a.log.Debug("discarding unmatched configure-ack",
			"identifier", pkt.Identifier, "expected", a.lastRequestID)
		return
	}

	switch a.state {
	case StateClosed, StateStopped:
		a.sendTerminateAck(pkt.Identifier)

	case StateReqSent:
		a.initRestartCount(a.maxConfigure)
		a.setState(StateAckRcvd)

	case StateAckRcvd:
		// Crossed connection: start over.
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	case StateAckSent:
		a.stopTimer()
		a.initRestartCount(a.maxConfigure)
		a.setState(StateOpened)
		a.queueHook(a.hooks.ThisLayerUp)

	case StateOpened:
		a.queueHook(a.hooks.ThisLayerDown)
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	default:
		// Initial, Starting, Closing, Stopping: discard.
	}
}

func (a *Automaton) rcvConfigureNakRej(pkt *ControlPacket) {
	if pkt.Identifier != a.lastRequestID {
		a.log.Debug("discarding unmatched configure-nak/reject",
			"identifier", pkt.Identifier, "expected", a.lastRequestID)
		return
	}

	a.log.Debug("options declined by peer", "code", pkt.Code)

	switch a.state {
	case StateClosed, StateStopped:
		a.sendTerminateAck(pkt.Identifier)

	case StateReqSent, StateAckSent:
		a.initRestartCount(a.maxConfigure)
		a.sendConfigureRequest()
		a.startTimer()

	case StateAckRcvd:
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	case StateOpened:
		a.queueHook(a.hooks.ThisLayerDown)
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	default:
		// Initial, Starting, Closing, Stopping: discard.
	}
}

func (a *Automaton) rcvTerminateRequest(pkt *ControlPacket) {
	switch a.state {
	case StateClosed, StateStopped, StateClosing, StateStopping:
		a.sendTerminateAck(pkt.Identifier)

	case StateReqSent, StateAckRcvd, StateAckSent:
		a.sendTerminateAck(pkt.Identifier)
		a.setState(StateReqSent)

	case StateOpened:
		a.queueHook(a.hooks.ThisLayerDown)
		// Zero restart count: wait one interval for the peer to finish, then
		// report the layer finished.
		a.restartCount = 0
		a.sendTerminateAck(pkt.Identifier)
		a.startTimer()
		a.setState(StateStopping)

	default:
		// Initial, Starting: discard.
	}
}

func (a *Automaton) rcvTerminateAck(pkt *ControlPacket) {
	switch a.state {
	case StateClosing:
		a.stopTimer()
		a.setState(StateClosed)
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateStopping:
		a.stopTimer()
		a.setState(StateStopped)
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateAckRcvd:
		a.setState(StateReqSent)

	case StateOpened:
		a.queueHook(a.hooks.ThisLayerDown)
		a.sendConfigureRequest()
		a.startTimer()
		a.setState(StateReqSent)

	default:
		_ = pkt // identifier is not matched for terminate-acks
	}
}

func (a *Automaton) rcvCodeReject(pkt *ControlPacket) {
	// A rejected basic negotiation code is unrecoverable (RXJ-); rejection
	// of anything else (echo, discard, extensions) is tolerable (RXJ+).
	fatal := len(pkt.Data) > 0 &&
		pkt.Data[0] >= CodeConfigureRequest && pkt.Data[0] <= CodeTerminateAck

	if !fatal {
		a.log.Debug("ignoring code-reject", "data", pkt.Data)
		return
	}

	a.log.Error("peer rejected a required control code", "data", pkt.Data)

	switch a.state {
	case StateClosing:
		a.stopTimer()
		a.setState(StateClosed)
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		a.stopTimer()
		a.setState(StateStopped)
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateOpened:
		a.queueHook(a.hooks.ThisLayerDown)
		a.setState(StateStopped)
		a.queueHook(a.hooks.ThisLayerFinished)

	case StateClosed, StateStopped:
		a.queueHook(a.hooks.ThisLayerFinished)

	default:
		// Initial, Starting: discard.
	}
}

// --- Actions (locked) ---

func (a *Automaton) setState(s State) {
	if a.state == s {
		return
	}

	a.log.Debug("state transition", "from", a.state, "to", s)
	a.state = s
}

func (a *Automaton) queueHook(hook func()) {
	if hook == nil {
		return
	}
	a.pending = append(a.pending, hook)
}

func (a *Automaton) initRestartCount(n int) {
	a.restartCount = n
	a.failureCount = 0
}

// nextIdent returns the next request identifier, wrapping mod 256.
func (a *Automaton) nextIdent() byte {
	id := a.ident
	a.ident++

	return id
}

func (a *Automaton) sendConfigureRequest() {
	var opts OptionList
	if provider, ok := a.hooks.(OptionProvider); ok {
		opts = provider.RequestOptions()
	}

	data := opts.Marshal()
	id := a.nextIdent()

	a.lastRequestID = id
	a.lastRequestOptions = data

	a.sendPacket(&ControlPacket{Code: CodeConfigureRequest, Identifier: id, Data: data})
}

func (a *Automaton) sendConfigureAck(req *ControlPacket) {
	// Echo the identifier and option bytes verbatim.
	a.sendPacket(&ControlPacket{Code: CodeConfigureAck, Identifier: req.Identifier, Data: req.Data})
}

// sendConfigureNakOrRej answers an unacceptable Configure-Request. Repeated
// naks escalate to a reject once the failure budget is spent, so a peer that
// never converges cannot loop forever.
func (a *Automaton) sendConfigureNakOrRej(identifier byte, nak, reject OptionList) {
	a.failureCount++

	if len(reject) > 0 || a.failureCount > a.maxFailure {
		declined := reject
		if len(declined) == 0 {
			declined = nak
		}
		a.sendPacket(&ControlPacket{Code: CodeConfigureReject, Identifier: identifier, Data: declined.Marshal()})

		return
	}

	a.sendPacket(&ControlPacket{Code: CodeConfigureNak, Identifier: identifier, Data: nak.Marshal()})
}

func (a *Automaton) sendTerminateRequest() {
	a.sendPacket(&ControlPacket{Code: CodeTerminateRequest, Identifier: a.nextIdent()})
}

func (a *Automaton) sendTerminateAck(identifier byte) {
	a.sendPacket(&ControlPacket{Code: CodeTerminateAck, Identifier: identifier})
}

// sendCodeReject replies to an unrecognized control code, carrying the
// offending packet truncated to fit the MTU.
func (a *Automaton) sendCodeReject(offending *ControlPacket) {
	rejected := offending.Marshal()
	maxData := a.mtu - datagramHeaderSize - controlHeaderSize
	if maxData > 0 && len(rejected) > maxData {
		rejected = rejected[:maxData]
	}

	a.sendPacket(&ControlPacket{Code: CodeCodeReject, Identifier: a.nextIdent(), Data: rejected})
}

func (a *Automaton) sendPacket(pkt *ControlPacket) {
	if err := a.send(pkt.Marshal()); err != nil {
		a.log.Error("failed to send control packet", "code", pkt.Code, "error", err)
	}
}

// --- Restart timer ---

// startTimer (re)arms the restart timer. Each start invalidates any timer
// already scheduled by advancing the generation counter; a stale firing
// notices the mismatch and does nothing. Cancellation therefore never needs
// to be synchronous.
func (a *Automaton) startTimer() {
	a.timerGen++
	gen := a.timerGen

	time.AfterFunc(a.restartInterval, func() { a.timerExpired(gen) })
}

func (a *Automaton) stopTimer() {
	a.timerGen++
}

func (a *Automaton) timerExpired(gen uint64) {
	a.mu.Lock()
	if gen != a.timerGen {
		a.mu.Unlock()
		return
	}

	a.timeout()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, hook := range pending {
		hook()
	}
}

package client

import (
	"errors"
	"time"
)

// State is the call session phase shown to the user
type State int

const (
	StateAcquiringMedia State = iota
	StateWaitingForPeer
	StateNegotiating
	StateConnected
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateWaitingForPeer:
		return "waiting-for-peer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// EndReason explains why a call reached StateEnded
type EndReason string

const (
	EndHangUp            EndReason = "hang-up"
	EndPeerLeft          EndReason = "peer-left"
	EndTerminated        EndReason = "terminated"
	EndTransportClosed   EndReason = "transport-closed"
	EndRoomFull          EndReason = "room-full"
	EndPeerUnreachable   EndReason = "peer-unreachable"
	EndNegotiationFailed EndReason = "negotiation-failed"
)

var (
	ErrRoomFull          = errors.New("call already has two participants")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrPeerUnreachable   = errors.New("peer unreachable")
)

// Err returns the error a caller should see for the reason, or nil for a
// normal end.
func (r EndReason) Err() error {
	switch r {
	case EndRoomFull:
		return ErrRoomFull
	case EndPeerUnreachable:
		return ErrPeerUnreachable
	case EndNegotiationFailed:
		return ErrNegotiationFailed
	}
	return nil
}

// TimerKind names the bounded waits of the machine
type TimerKind int

const (
	TimerNegotiation TimerKind = iota
	TimerReconnect
)

// Event is an input to the machine
type Event interface{ event() }

type (
	MediaAcquired struct{}
	MediaFailed   struct{ Err error }
	// RoomReady is the relay telling us the peer is present
	RoomReady struct {
		PeerID         string
		ShouldInitiate bool
	}
	PeerLeft              struct{}
	CallTerminated        struct{}
	RoomFullRejected      struct{}
	TransportConnected    struct{}
	TransportDisconnected struct{}
	SignalingClosed       struct{}
	NegotiationError      struct{ Err error }
	RenegotiationNeeded   struct{}
	HangUp                struct{}
	Timeout               struct {
		Kind TimerKind
		Seq  int
	}
)

func (MediaAcquired) event()         {}
func (MediaFailed) event()           {}
func (RoomReady) event()             {}
func (PeerLeft) event()              {}
func (CallTerminated) event()        {}
func (RoomFullRejected) event()      {}
func (TransportConnected) event()    {}
func (TransportDisconnected) event() {}
func (SignalingClosed) event()       {}
func (NegotiationError) event()      {}
func (RenegotiationNeeded) event()   {}
func (HangUp) event()                {}
func (Timeout) event()               {}

// Effect is work the machine asks its driver to perform
type Effect interface{ effect() }

type (
	// AttachLocalMedia adds the captured tracks to the peer connection and
	// the local preview. Emitted at most once per call.
	AttachLocalMedia struct{}
	AnnounceMedia    struct{}
	// Negotiate starts an offer/answer exchange with PeerID. Fresh asks for
	// a new peer connection because the peer rejoined.
	Negotiate struct {
		PeerID    string
		Initiator bool
		Fresh     bool
	}
	Renegotiate struct{}
	// RequestRenegotiation asks the initiator to send a new offer; the other
	// side never originates one.
	RequestRenegotiation struct{}
	RestartICE           struct{ Initiator bool }
	StartTimer           struct {
		Kind  TimerKind
		Seq   int
		After time.Duration
	}
	ReportError struct{ Err error }
	Teardown    struct {
		Reason EndReason
		Err    error
	}
)

func (AttachLocalMedia) effect()     {}
func (AnnounceMedia) effect()        {}
func (Negotiate) effect()            {}
func (Renegotiate) effect()          {}
func (RequestRenegotiation) effect() {}
func (RestartICE) effect()           {}
func (StartTimer) effect()           {}
func (ReportError) effect()          {}
func (Teardown) effect()             {}

// MachineConfig bounds the negotiation and recovery waits
type MachineConfig struct {
	NegotiationTimeout time.Duration
	ReconnectTimeout   time.Duration
}

func (c *MachineConfig) defaults() {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 15 * time.Second
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 10 * time.Second
	}
}

// Machine is the call session state machine. It is a pure transition
// function: Apply never performs I/O, it returns the effects to run.
type Machine struct {
	cfg MachineConfig

	state     State
	peerID    string
	initiator bool
	pending   *RoomReady

	mediaAttached bool
	retried       bool
	failReason    EndReason
	timerSeq      int

	reason EndReason
	err    error
}

func NewMachine(cfg MachineConfig) *Machine {
	cfg.defaults()
	return &Machine{cfg: cfg, state: StateAcquiringMedia}
}

func (m *Machine) State() State         { return m.state }
func (m *Machine) PeerID() string       { return m.peerID }
func (m *Machine) Initiator() bool      { return m.initiator }
func (m *Machine) EndReason() EndReason { return m.reason }

// Err is the categorized failure that ended the call, if any
func (m *Machine) Err() error { return m.err }

// CanOffer reports whether this side may originate an offer now. Besides
// the initial negotiation that covers renegotiating a connected call and
// the ICE restart while reconnecting.
func (m *Machine) CanOffer() bool {
	return m.initiator && (m.state == StateNegotiating || m.state == StateReconnecting || m.state == StateConnected)
}

// Apply feeds ev to the machine
func (m *Machine) Apply(ev Event) []Effect {
	if m.state == StateEnded {
		return nil
	}

	switch ev.(type) {
	case HangUp:
		return m.end(EndHangUp, nil)
	case PeerLeft:
		return m.end(EndPeerLeft, nil)
	case CallTerminated:
		return m.end(EndTerminated, nil)
	case SignalingClosed:
		return m.end(EndTransportClosed, nil)
	case RoomFullRejected:
		return m.end(EndRoomFull, ErrRoomFull)
	}

	switch m.state {
	case StateAcquiringMedia:
		return m.acquiring(ev)
	case StateWaitingForPeer:
		if rr, ok := ev.(RoomReady); ok {
			return m.negotiate(rr, false)
		}
	case StateNegotiating:
		return m.negotiating(ev)
	case StateConnected:
		return m.connected(ev)
	case StateReconnecting:
		return m.reconnecting(ev)
	}
	return nil
}

func (m *Machine) acquiring(ev Event) []Effect {
	switch ev := ev.(type) {
	case MediaAcquired:
		m.state = StateWaitingForPeer
		effects := []Effect{AnnounceMedia{}}
		if !m.mediaAttached {
			m.mediaAttached = true
			effects = append([]Effect{AttachLocalMedia{}}, effects...)
		}
		if m.pending != nil {
			rr := *m.pending
			m.pending = nil
			effects = append(effects, m.negotiate(rr, false)...)
		}
		return effects
	case MediaFailed:
		return []Effect{ReportError{Err: ClassifyMediaError(ev.Err)}}
	case RoomReady:
		// the peer may be ready before our camera is
		m.pending = &ev
	}
	return nil
}

func (m *Machine) negotiating(ev Event) []Effect {
	switch ev := ev.(type) {
	case RoomReady:
		return m.negotiate(ev, true)
	case TransportConnected:
		return m.connect()
	case NegotiationError:
		return m.recover(EndNegotiationFailed, ev.Err)
	case Timeout:
		if ev.Kind == TimerNegotiation && ev.Seq == m.timerSeq {
			return m.recover(EndNegotiationFailed, errors.New("no answer within negotiation window"))
		}
	}
	return nil
}

func (m *Machine) connected(ev Event) []Effect {
	switch ev := ev.(type) {
	case RoomReady:
		return m.negotiate(ev, true)
	case TransportDisconnected:
		return m.recover(EndPeerUnreachable, nil)
	case NegotiationError:
		return m.recover(EndNegotiationFailed, ev.Err)
	case RenegotiationNeeded:
		if !m.CanOffer() {
			return []Effect{RequestRenegotiation{}}
		}
		return []Effect{Renegotiate{}}
	}
	return nil
}

func (m *Machine) reconnecting(ev Event) []Effect {
	switch ev := ev.(type) {
	case RoomReady:
		return m.negotiate(ev, true)
	case TransportConnected:
		return m.connect()
	case NegotiationError:
		return m.end(m.failReason, ev.Err)
	case Timeout:
		if ev.Kind == TimerReconnect && ev.Seq == m.timerSeq {
			return m.end(m.failReason, nil)
		}
	}
	return nil
}

func (m *Machine) negotiate(rr RoomReady, fresh bool) []Effect {
	m.state = StateNegotiating
	m.peerID = rr.PeerID
	m.initiator = rr.ShouldInitiate
	m.retried = false
	return []Effect{
		Negotiate{PeerID: rr.PeerID, Initiator: rr.ShouldInitiate, Fresh: fresh},
		m.timer(TimerNegotiation, m.cfg.NegotiationTimeout),
	}
}

func (m *Machine) connect() []Effect {
	m.state = StateConnected
	m.retried = false
	// outstanding timers become stale
	m.timerSeq++
	return nil
}

// recover spends the single automatic retry, or ends the call when it is gone
func (m *Machine) recover(reason EndReason, cause error) []Effect {
	if m.retried {
		return m.end(reason, cause)
	}
	m.retried = true
	m.failReason = reason
	m.state = StateReconnecting
	effects := []Effect{
		RestartICE{Initiator: m.initiator},
		m.timer(TimerReconnect, m.cfg.ReconnectTimeout),
	}
	if cause != nil {
		effects = append([]Effect{ReportError{Err: cause}}, effects...)
	}
	return effects
}

func (m *Machine) end(reason EndReason, cause error) []Effect {
	m.state = StateEnded
	m.reason = reason
	m.timerSeq++
	m.err = reason.Err()
	if cause != nil && !errors.Is(cause, m.err) {
		m.err = errors.Join(m.err, cause)
	}
	return []Effect{Teardown{Reason: reason, Err: m.err}}
}

func (m *Machine) timer(kind TimerKind, after time.Duration) Effect {
	m.timerSeq++
	return StartTimer{Kind: kind, Seq: m.timerSeq, After: after}
}

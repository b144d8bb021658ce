package client

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/consult-signaling/internal/models"
)

// PeerConnection is the part of a WebRTC peer connection the negotiator drives
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
}

// Phase is the negotiation state of one call
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingPeer
	PhaseNegotiating
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingPeer:
		return "awaiting-peer"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Negotiator runs the offer/answer/candidate exchange for one call. It is
// not safe for concurrent use; the Call event loop owns it.
type Negotiator struct {
	selfID string
	peerID string
	pc     PeerConnection
	send   func(models.Envelope) error
	log    logr.Logger

	phase     Phase
	initiator bool
	pending   []webrtc.ICECandidateInit
}

// NewNegotiator creates a negotiator sending envelopes through send
func NewNegotiator(selfID string, pc PeerConnection, send func(models.Envelope) error, log logr.Logger) *Negotiator {
	return &Negotiator{
		selfID: selfID,
		pc:     pc,
		send:   send,
		log:    log.WithName("negotiator"),
	}
}

func (n *Negotiator) Phase() Phase    { return n.phase }
func (n *Negotiator) Initiator() bool { return n.initiator }

// PendingCandidates returns how many remote candidates wait for a remote description
func (n *Negotiator) PendingCandidates() int { return len(n.pending) }

// AwaitPeer marks the local side ready and waiting for the relay
func (n *Negotiator) AwaitPeer() {
	if n.phase == PhaseIdle {
		n.phase = PhaseAwaitingPeer
	}
}

// Start begins a negotiation attempt with peerID. Only the initiator sends
// an offer; the other side waits for it.
func (n *Negotiator) Start(peerID string, initiator bool) error {
	n.peerID = peerID
	n.initiator = initiator
	n.phase = PhaseNegotiating
	if !initiator {
		return nil
	}
	return n.offer(false)
}

// Renegotiate sends a new offer on the existing connection, e.g. after a
// track was replaced.
func (n *Negotiator) Renegotiate() error {
	return n.offer(false)
}

// RestartICE sends an offer with fresh ICE credentials
func (n *Negotiator) RestartICE() error {
	n.phase = PhaseNegotiating
	return n.offer(true)
}

// Reset discards all negotiation state and continues on pc
func (n *Negotiator) Reset(pc PeerConnection) {
	n.pc = pc
	n.peerID = ""
	n.initiator = false
	n.pending = nil
	n.phase = PhaseIdle
}

func (n *Negotiator) offer(iceRestart bool) error {
	offer, err := n.pc.CreateOffer(iceRestart)
	if err != nil {
		return n.failed("create offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.failed("set local offer", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return n.failed("encode offer", err)
	}
	n.log.V(1).Info("sending offer", "peer", n.peerID, "iceRestart", iceRestart)
	return n.send(models.Envelope{Type: models.TypeOffer, Offer: raw})
}

// HandleOffer applies a remote offer and answers it. When both sides offered
// at once, the side with the larger participant id rolls its own offer back
// and answers; the other side ignores the incoming offer and waits for the
// answer to its own.
func (n *Negotiator) HandleOffer(raw json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		return n.failed("decode offer", fmt.Errorf("malformed offer: %s", raw))
	}

	if n.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if n.selfID < n.peerID {
			n.log.V(1).Info("offer collision, keeping own offer", "peer", n.peerID)
			return nil
		}
		n.log.V(1).Info("offer collision, rolling back own offer", "peer", n.peerID)
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return n.failed("rollback", err)
		}
	}

	n.phase = PhaseNegotiating
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return n.failed("set remote offer", err)
	}
	if err := n.flush(); err != nil {
		return err
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.failed("create answer", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.failed("set local answer", err)
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return n.failed("encode answer", err)
	}
	n.log.V(1).Info("sending answer", "peer", n.peerID)
	return n.send(models.Envelope{Type: models.TypeAnswer, Answer: data})
}

// HandleAnswer applies the answer to our outstanding offer. Answers that do
// not match an outstanding offer (e.g. to an offer we rolled back) are dropped.
func (n *Negotiator) HandleAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		return n.failed("decode answer", fmt.Errorf("malformed answer: %s", raw))
	}
	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.log.V(1).Info("answer without outstanding offer dropped", "peer", n.peerID)
		return nil
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return n.failed("set remote answer", err)
	}
	return n.flush()
}

// HandleCandidate applies a remote candidate, or buffers it until a remote
// description exists.
func (n *Negotiator) HandleCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if !n.pc.HasRemoteDescription() {
		n.pending = append(n.pending, c)
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flush applies buffered candidates in arrival order
func (n *Negotiator) flush() error {
	pending := n.pending
	n.pending = nil
	for i, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.pending = pending[i+1:]
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

// SendCandidate forwards a locally gathered candidate to the peer
func (n *Negotiator) SendCandidate(c webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return n.send(models.Envelope{Type: models.TypeCandidate, Candidate: raw})
}

// ConnectionState records the transport state reported by the peer connection
func (n *Negotiator) ConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.phase = PhaseConnected
	case webrtc.PeerConnectionStateDisconnected:
		n.phase = PhaseDisconnected
	case webrtc.PeerConnectionStateFailed:
		n.phase = PhaseFailed
	case webrtc.PeerConnectionStateClosed:
		n.phase = PhaseIdle
	}
}

func (n *Negotiator) failed(step string, err error) error {
	n.phase = PhaseFailed
	return fmt.Errorf("%w: %s: %w", ErrNegotiationFailed, step, err)
}

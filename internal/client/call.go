// Package client is the participant side of a consultation. A Call joins a
// call through the relay, drives the call session state machine from relay
// envelopes and peer connection callbacks, and runs the offer/answer
// exchange through a Negotiator. All of that happens on one goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/consult-signaling/internal/models"
)

var ErrCallEnded = errors.New("call ended")

const (
	kindAudio = "audio"
	kindVideo = "video"
)

// ChatMessage is a chat line received from the peer
type ChatMessage struct {
	ID        string
	UserID    string
	UserName  string
	Message   string
	Timestamp time.Time
}

// Config describes one participant's call
type Config struct {
	CallID        string
	ParticipantID string
	Role          models.Role
	UserName      string

	Signal      Signaler
	Media       MediaSource
	Constraints Constraints
	// NewPeer opens a peer connection. It is called again when the peer
	// rejoins and the connection has to be rebuilt.
	NewPeer func() (Peer, error)
	Machine MachineConfig
	Logger  logr.Logger
	Now     func() time.Time

	OnStateChange func(State)
	OnLocalMedia  func(*LocalMedia)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnChat        func(ChatMessage)
	OnError       func(error)
}

// Call is one participant's side of a consultation
type Call struct {
	cfg     Config
	log     logr.Logger
	machine *Machine
	neg     *Negotiator

	// owned by the loop goroutine
	senders  map[string]TrackSender
	screen   webrtc.TrackLocal
	audioOn  bool
	videoOn  bool
	deferred []models.Envelope

	// shared with Leave
	resMu  sync.Mutex
	peer   Peer
	media  *LocalMedia
	timers []*time.Timer
	closed bool

	stateMu     sync.Mutex
	state       State
	connectedAt time.Time
	endedAt     time.Time
	endReason   EndReason

	cmds        chan func()
	closing     chan struct{}
	done        chan struct{}
	cleanupOnce sync.Once
}

// NewCall prepares a call; Run starts it
func NewCall(cfg Config) *Call {
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = Constraints{Audio: true, Video: true}
	}
	log := cfg.Logger.WithName("call").WithValues("callId", cfg.CallID, "participantId", cfg.ParticipantID)
	return &Call{
		cfg:     cfg,
		log:     log,
		machine: NewMachine(cfg.Machine),
		senders: make(map[string]TrackSender),
		audioOn: true,
		videoOn: true,
		cmds:    make(chan func(), 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run joins the call and processes events until the call ends. The returned
// error is the categorized failure that ended it, nil for a normal end.
func (c *Call) Run(ctx context.Context) error {
	defer close(c.done)

	peer, err := c.cfg.NewPeer()
	if err != nil {
		c.cleanup()
		return fmt.Errorf("open peer connection: %w", err)
	}
	c.setPeer(peer)
	c.neg = NewNegotiator(c.cfg.ParticipantID, peer, c.cfg.Signal.Send, c.cfg.Logger)

	err = c.cfg.Signal.Send(models.Envelope{
		Type:          models.TypeJoin,
		CallID:        c.cfg.CallID,
		ParticipantID: c.cfg.ParticipantID,
		Role:          c.cfg.Role,
	})
	if err != nil {
		c.cleanup()
		return fmt.Errorf("join call: %w", err)
	}
	c.log.Info("joining call", "role", c.cfg.Role)
	c.acquire(ctx, c.cfg.Constraints)

	incoming := c.cfg.Signal.Incoming()
	for c.machine.State() != StateEnded {
		select {
		case <-ctx.Done():
			c.apply(HangUp{})
		case <-c.closing:
			c.apply(HangUp{})
		case env, ok := <-incoming:
			if !ok {
				incoming = nil
				if c.isClosing() {
					c.apply(HangUp{})
				} else {
					c.apply(SignalingClosed{})
				}
				continue
			}
			c.handleEnvelope(env)
		case fn := <-c.cmds:
			fn()
		}
	}
	return c.machine.Err()
}

// Leave ends the call. Local media, the peer connection and the signaling
// connection are released before Leave returns, whatever the state.
// Safe to call more than once.
func (c *Call) Leave() {
	c.cleanup()
}

// State returns the current call state
func (c *Call) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// EndReason tells why the call ended; empty while it is running
func (c *Call) EndReason() EndReason {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.endReason
}

// Duration is the time spent connected, up to the end of the call
func (c *Call) Duration() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = c.cfg.Now()
	}
	return end.Sub(c.connectedAt)
}

// SendChat sends a chat line to the peer
func (c *Call) SendChat(message string) error {
	if c.isClosing() || c.State() == StateEnded {
		return ErrCallEnded
	}
	now := c.cfg.Now()
	return c.cfg.Signal.Send(models.Envelope{
		Type:      models.TypeChat,
		UserID:    c.cfg.ParticipantID,
		UserName:  c.cfg.UserName,
		Message:   message,
		Timestamp: &now,
	})
}

// SetAudioEnabled mutes or unmutes the microphone
func (c *Call) SetAudioEnabled(on bool) error {
	return c.do(func() error {
		c.audioOn = on
		return c.syncTrack(kindAudio)
	})
}

// SetVideoEnabled turns the camera on or off
func (c *Call) SetVideoEnabled(on bool) error {
	return c.do(func() error {
		c.videoOn = on
		return c.syncTrack(kindVideo)
	})
}

// StartScreenShare sends track in place of the camera and renegotiates
func (c *Call) StartScreenShare(track webrtc.TrackLocal) error {
	return c.do(func() error {
		c.screen = track
		if err := c.syncTrack(kindVideo); err != nil {
			return err
		}
		c.apply(RenegotiationNeeded{})
		return nil
	})
}

// StopScreenShare switches back to the camera
func (c *Call) StopScreenShare() error {
	return c.do(func() error {
		if c.screen == nil {
			return nil
		}
		c.screen = nil
		if err := c.syncTrack(kindVideo); err != nil {
			return err
		}
		c.apply(RenegotiationNeeded{})
		return nil
	})
}

// RetryMedia tries to acquire local media again after a failure, e.g. with
// audio only.
func (c *Call) RetryMedia(ctx context.Context, constraints Constraints) error {
	return c.do(func() error {
		if c.machine.State() != StateAcquiringMedia {
			return fmt.Errorf("media already acquired")
		}
		c.acquire(ctx, constraints)
		return nil
	})
}

// do runs fn on the loop goroutine and waits for its result
func (c *Call) do(fn func() error) error {
	if c.isClosing() {
		return ErrCallEnded
	}
	result := make(chan error, 1)
	select {
	case c.cmds <- func() { result <- fn() }:
	case <-c.closing:
		return ErrCallEnded
	case <-c.done:
		return ErrCallEnded
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrCallEnded
	}
}

// post queues fn for the loop goroutine; dropped once the call is closing
func (c *Call) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.closing:
	case <-c.done:
	}
}

func (c *Call) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Call) acquire(ctx context.Context, constraints Constraints) {
	go func() {
		media, err := c.cfg.Media.Acquire(ctx, constraints)
		if err != nil {
			c.post(func() { c.apply(MediaFailed{Err: err}) })
			return
		}

		// stored before posting so cleanup releases it even if the event is dropped
		c.resMu.Lock()
		closed := c.closed
		if !closed {
			c.media = media
		}
		c.resMu.Unlock()
		if closed {
			media.Stop()
			return
		}

		c.post(func() {
			c.apply(MediaAcquired{})

			deferred := c.deferred
			c.deferred = nil
			for _, env := range deferred {
				c.handleEnvelope(env)
			}
		})
	}()
}

func (c *Call) handleEnvelope(env models.Envelope) {
	c.log.V(2).Info("envelope received", "type", env.Type)

	switch env.Type {
	case models.TypeRoomReady:
		initiate := env.ShouldInitiate != nil && *env.ShouldInitiate
		c.log.Info("room ready", "peer", env.PeerID, "shouldInitiate", initiate)
		c.apply(RoomReady{PeerID: env.PeerID, ShouldInitiate: initiate})
	case models.TypeUserJoined:
		c.log.Info("peer joined", "peer", env.ParticipantID, "role", env.Role)
	case models.TypeUserLeft:
		c.apply(PeerLeft{})
	case models.TypeCallEnded:
		c.apply(CallTerminated{})
	case models.TypeOffer, models.TypeAnswer, models.TypeCandidate:
		if c.machine.State() == StateAcquiringMedia {
			// answered once our tracks are attached
			c.deferred = append(c.deferred, env)
			return
		}
		c.negotiation(env)
	case models.TypeChat:
		if c.cfg.OnChat == nil {
			return
		}
		msg := ChatMessage{ID: env.ID, UserID: env.UserID, UserName: env.UserName, Message: env.Message}
		if env.Timestamp != nil {
			msg.Timestamp = *env.Timestamp
		}
		c.cfg.OnChat(msg)
	case models.TypeMediaReady:
		if c.machine.State() == StateConnected && c.machine.Initiator() {
			c.apply(RenegotiationNeeded{})
		}
	case models.TypeError:
		if env.Code == models.CodeRoomFull {
			c.apply(RoomFullRejected{})
			return
		}
		c.report(fmt.Errorf("relay error %s: %s", env.Code, env.Error))
	case models.TypeNotification, models.TypeAuthSuccess:
		c.log.V(1).Info("relay message", "type", env.Type)
	}
}

func (c *Call) negotiation(env models.Envelope) {
	if c.neg.peerID == "" && env.From != "" {
		c.neg.peerID = env.From
	}

	var err error
	switch env.Type {
	case models.TypeOffer:
		err = c.neg.HandleOffer(env.Offer)
	case models.TypeAnswer:
		err = c.neg.HandleAnswer(env.Answer)
	case models.TypeCandidate:
		err = c.neg.HandleCandidate(env.Candidate)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrNegotiationFailed):
		c.apply(NegotiationError{Err: err})
	default:
		c.report(err)
	}
}

// apply feeds ev to the machine and runs the resulting effects. Effects that
// fail produce follow-up events, handled in order.
func (c *Call) apply(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		prev := c.machine.State()
		for _, eff := range c.machine.Apply(ev) {
			if next := c.run(eff); next != nil {
				queue = append(queue, next)
			}
		}
		if s := c.machine.State(); s != prev {
			c.setState(s)
		}
	}
}

func (c *Call) run(eff Effect) Event {
	switch eff := eff.(type) {
	case AttachLocalMedia:
		if err := c.addTracks(); err != nil {
			c.report(fmt.Errorf("attach local media: %w", err))
		}
		if c.cfg.OnLocalMedia != nil {
			c.cfg.OnLocalMedia(c.currentMedia())
		}
	case AnnounceMedia:
		c.neg.AwaitPeer()
		if err := c.cfg.Signal.Send(models.Envelope{
			Type:          models.TypeMediaReady,
			ParticipantID: c.cfg.ParticipantID,
		}); err != nil {
			c.report(fmt.Errorf("announce media: %w", err))
		}
	case Negotiate:
		if eff.Fresh {
			if err := c.resetPeer(); err != nil {
				return NegotiationError{Err: fmt.Errorf("%w: %w", ErrNegotiationFailed, err)}
			}
		}
		c.log.Info("negotiating", "peer", eff.PeerID, "initiator", eff.Initiator, "fresh", eff.Fresh)
		if err := c.neg.Start(eff.PeerID, eff.Initiator); err != nil {
			return NegotiationError{Err: err}
		}
	case Renegotiate:
		if err := c.neg.Renegotiate(); err != nil {
			return NegotiationError{Err: err}
		}
	case RequestRenegotiation:
		// the initiator answers media-ready with a fresh offer
		if err := c.cfg.Signal.Send(models.Envelope{
			Type:          models.TypeMediaReady,
			ParticipantID: c.cfg.ParticipantID,
		}); err != nil {
			c.report(fmt.Errorf("request renegotiation: %w", err))
		}
	case RestartICE:
		c.log.Info("connection lost, restarting ICE", "initiator", eff.Initiator)
		if !eff.Initiator {
			return nil
		}
		if err := c.neg.RestartICE(); err != nil {
			return NegotiationError{Err: err}
		}
	case StartTimer:
		t := time.AfterFunc(eff.After, func() {
			c.post(func() { c.apply(Timeout{Kind: eff.Kind, Seq: eff.Seq}) })
		})
		c.resMu.Lock()
		c.timers = append(c.timers, t)
		c.resMu.Unlock()
	case ReportError:
		c.report(eff.Err)
	case Teardown:
		c.stateMu.Lock()
		c.endReason = eff.Reason
		c.stateMu.Unlock()
		c.log.Info("call ended", "reason", eff.Reason, "duration", c.Duration().String())
		if eff.Err != nil {
			c.report(eff.Err)
		}
		c.cleanup()
	}
	return nil
}

func (c *Call) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	now := c.cfg.Now()
	if s == StateConnected && c.connectedAt.IsZero() {
		c.connectedAt = now
	}
	if s == StateEnded {
		c.endedAt = now
	}
	c.stateMu.Unlock()

	c.log.V(1).Info("state changed", "state", s.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Call) report(err error) {
	c.log.Error(err, "call error")
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Call) setPeer(p Peer) {
	c.resMu.Lock()
	c.peer = p
	c.resMu.Unlock()

	p.OnLocalCandidate(func(cand webrtc.ICECandidateInit) {
		c.post(func() {
			if c.currentPeer() != p {
				return
			}
			if err := c.neg.SendCandidate(cand); err != nil {
				c.log.V(1).Info("candidate not sent", "error", err.Error())
			}
		})
	})
	p.OnStateChange(func(s webrtc.PeerConnectionState) {
		c.post(func() {
			if c.currentPeer() != p {
				return
			}
			c.neg.ConnectionState(s)
			switch s {
			case webrtc.PeerConnectionStateConnected:
				c.apply(TransportConnected{})
			case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
				c.apply(TransportDisconnected{})
			}
		})
	})
	p.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		if c.cfg.OnRemoteTrack != nil {
			c.cfg.OnRemoteTrack(track)
		}
	})
}

func (c *Call) currentPeer() Peer {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return c.peer
}

func (c *Call) currentMedia() *LocalMedia {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return c.media
}

// resetPeer replaces the peer connection after the remote side rejoined
func (c *Call) resetPeer() error {
	next, err := c.cfg.NewPeer()
	if err != nil {
		return err
	}
	if old := c.currentPeer(); old != nil {
		_ = old.Close()
	}
	c.setPeer(next)
	c.neg.Reset(next)
	c.senders = make(map[string]TrackSender)
	if c.currentMedia() != nil {
		return c.addTracks()
	}
	return nil
}

func (c *Call) addTracks() error {
	if err := c.syncTrack(kindAudio); err != nil {
		return err
	}
	return c.syncTrack(kindVideo)
}

// syncTrack makes the sender of kind carry the track the toggles select
func (c *Call) syncTrack(kind string) error {
	media := c.currentMedia()
	var track webrtc.TrackLocal
	switch kind {
	case kindAudio:
		if c.audioOn && media != nil {
			track = media.Audio
		}
	case kindVideo:
		if c.screen != nil {
			track = c.screen
		} else if c.videoOn && media != nil {
			track = media.Video
		}
	}

	if sender, ok := c.senders[kind]; ok {
		return sender.ReplaceTrack(track)
	}
	if track == nil {
		return nil
	}
	peer := c.currentPeer()
	if peer == nil {
		return nil
	}
	sender, err := peer.AddLocalTrack(track)
	if err != nil {
		return err
	}
	c.senders[kind] = sender
	return nil
}

// cleanup releases everything the call holds, once
func (c *Call) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.closing)

		c.resMu.Lock()
		c.closed = true
		media, peer, timers := c.media, c.peer, c.timers
		c.resMu.Unlock()

		for _, t := range timers {
			t.Stop()
		}
		// best effort, the relay also treats the close as a leave
		_ = c.cfg.Signal.Send(models.Envelope{Type: models.TypeLeave})
		media.Stop()
		if peer != nil {
			_ = peer.Close()
		}
		_ = c.cfg.Signal.Close()
	})
}

// Package relay routes signaling envelopes between the two participants of a
// call. It does not know about WebSockets: every connection is represented by
// a registry.Transport and driven by its own read loop through Handle.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/registry"
)

// Presence mirrors call membership to an external store.
type Presence interface {
	Joined(ctx context.Context, callID, participantID string) error
	Left(ctx context.Context, callID, participantID string) error
}

// EventSink receives call-ended events for the persistence collaborator.
type EventSink interface {
	CallEnded(ctx context.Context, ev models.CallEnded) error
}

// ProtocolError is a per-connection failure. The connection that produced it
// is closed after the error envelope is delivered.
type ProtocolError struct {
	Code    models.ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options configures a Relay. Zero values select no-op collaborators.
type Options struct {
	Presence Presence
	Events   EventSink
	Logger   logr.Logger

	// RateLimit is the sustained number of inbound envelopes per second
	// accepted from one connection; zero disables limiting.
	RateLimit float64
	RateBurst int64

	// StoreTimeout bounds calls into Presence and EventSink.
	StoreTimeout time.Duration

	Now func() time.Time
}

// Relay dispatches envelopes by type.
type Relay struct {
	reg      *registry.Registry
	presence Presence
	events   EventSink
	log      logr.Logger
	opts     Options

	usersMu sync.Mutex
	users   map[string]map[*Conn]struct{}
}

// New creates a relay over reg.
func New(reg *registry.Registry, opts Options) *Relay {
	if opts.Presence == nil {
		opts.Presence = nopStore{}
	}
	if opts.Events == nil {
		opts.Events = nopStore{}
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		reg:      reg,
		presence: opts.Presence,
		events:   opts.Events,
		log:      opts.Logger.WithName("relay"),
		opts:     opts,
		users:    make(map[string]map[*Conn]struct{}),
	}
}

// Registry returns the session registry backing the relay.
func (r *Relay) Registry() *registry.Registry {
	return r.reg
}

// Conn is the relay-side state of one transport connection. It is only
// touched by that connection's read loop.
type Conn struct {
	transport registry.Transport
	identity  *models.Identity
	limiter   *ratelimit.Bucket

	callID        string
	participantID string
	role          models.Role
	userID        string
}

// Attach registers a new transport. identity is the already-authenticated
// participant, or nil when the deployment trusts the join envelope.
func (r *Relay) Attach(t registry.Transport, identity *models.Identity) *Conn {
	c := &Conn{transport: t, identity: identity}
	if r.opts.RateLimit > 0 {
		burst := r.opts.RateBurst
		if burst <= 0 {
			burst = int64(r.opts.RateLimit)
		}
		c.limiter = ratelimit.NewBucketWithRate(r.opts.RateLimit, burst)
	}
	if identity != nil {
		r.registerUser(identity.ParticipantID, c)
	}
	r.log.V(1).Info("connection attached", "conn", t.ID())
	return c
}

// CallID returns the call the connection joined, if any.
func (c *Conn) CallID() string { return c.callID }

// ParticipantID returns the participant the connection joined as, if any.
func (c *Conn) ParticipantID() string { return c.participantID }

// Handle processes one raw inbound message. A non-nil error means the
// connection must be closed; the error envelope has already been queued.
func (r *Relay) Handle(ctx context.Context, c *Conn, raw []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return r.fail(c, models.CodeInvalidEnvelope, "malformed envelope")
	}
	if env.Type == "" {
		return r.fail(c, models.CodeInvalidEnvelope, "missing type")
	}
	if c.limiter != nil && c.limiter.TakeAvailable(1) == 0 {
		r.log.V(1).Info("envelope dropped by rate limit", "conn", c.transport.ID(), "type", env.Type)
		c.transport.Send(models.ErrorEnvelope(models.CodeRateLimited, "too many messages"))
		return nil
	}

	r.log.V(2).Info("envelope received", "conn", c.transport.ID(), "type", env.Type, "callId", c.callID)

	switch env.Type {
	case models.TypeAuth:
		return r.handleAuth(c, env)
	case models.TypeJoin:
		return r.handleJoin(ctx, c, env)
	case models.TypeMediaReady:
		return r.handleMediaReady(c)
	case models.TypeOffer, models.TypeAnswer, models.TypeCandidate:
		return r.handleNegotiation(c, env)
	case models.TypeChat:
		return r.handleChat(c, env)
	case models.TypeLeave:
		return r.handleLeave(ctx, c)
	default:
		return r.fail(c, models.CodeUnknownType, fmt.Sprintf("unknown envelope type %q", env.Type))
	}
}

// Detach is called once the transport closed. It performs the same cleanup
// as an explicit leave, unless a rejoin already replaced this transport.
func (r *Relay) Detach(ctx context.Context, c *Conn) {
	if c.userID != "" {
		r.unregisterUser(c.userID, c)
	}
	if c.callID == "" {
		return
	}
	res := r.reg.LeaveTransport(c.callID, c.participantID, c.transport.ID())
	if res.Removed {
		r.afterLeave(ctx, c.callID, c.participantID, res)
	}
	c.callID = ""
}

func (r *Relay) handleAuth(c *Conn, env models.Envelope) error {
	userID := env.ParticipantID
	if env.UserID != "" {
		userID = env.UserID
	}
	if c.identity != nil {
		if userID != "" && userID != c.identity.ParticipantID {
			return r.fail(c, models.CodeForbidden, "identity mismatch")
		}
		userID = c.identity.ParticipantID
	}
	if userID == "" {
		return r.fail(c, models.CodeInvalidEnvelope, "auth requires participantId")
	}
	r.registerUser(userID, c)
	c.transport.Send(models.Envelope{Type: models.TypeAuthSuccess, ParticipantID: userID})
	return nil
}

func (r *Relay) handleJoin(ctx context.Context, c *Conn, env models.Envelope) error {
	if env.CallID == "" {
		return r.fail(c, models.CodeInvalidEnvelope, "join requires callId")
	}
	if c.identity != nil {
		if env.ParticipantID == "" {
			env.ParticipantID = c.identity.ParticipantID
		}
		if env.Role == "" {
			env.Role = c.identity.Role
		}
		if env.ParticipantID != c.identity.ParticipantID || env.Role != c.identity.Role {
			return r.fail(c, models.CodeForbidden, "join identity does not match credentials")
		}
	}
	if env.ParticipantID == "" {
		return r.fail(c, models.CodeInvalidEnvelope, "join requires participantId")
	}
	if !env.Role.Valid() {
		return r.fail(c, models.CodeInvalidEnvelope, fmt.Sprintf("invalid role %q", env.Role))
	}
	if c.callID != "" && (c.callID != env.CallID || c.participantID != env.ParticipantID) {
		c.transport.Send(models.ErrorEnvelope(models.CodeInvalidEnvelope, "connection already joined another call"))
		return nil
	}

	res, err := r.reg.Join(env.CallID, env.ParticipantID, env.Role, c.transport)
	if errors.Is(err, registry.ErrRoomFull) {
		r.log.Info("join rejected, room full", "callId", env.CallID, "participantId", env.ParticipantID)
		return r.fail(c, models.CodeRoomFull, "call already has two participants")
	}
	if err != nil {
		return r.fail(c, models.CodeInvalidEnvelope, err.Error())
	}

	c.callID = env.CallID
	c.participantID = env.ParticipantID
	c.role = env.Role
	if c.userID == "" {
		r.registerUser(env.ParticipantID, c)
	}

	r.log.Info("participant joined",
		"callId", env.CallID, "participantId", env.ParticipantID, "role", env.Role,
		"outcome", res.Outcome.String(), "participants", res.Count)

	r.withStore(ctx, func(ctx context.Context) error {
		return r.presence.Joined(ctx, env.CallID, env.ParticipantID)
	}, "presence join")

	if res.Peer == nil {
		return nil
	}

	// The peer is told first: once the joiner sees room-ready it may send an
	// offer, and the peer must not receive that offer before its own room-ready.
	peer := res.Peer
	r.reg.BroadcastExceptSender(env.CallID, env.ParticipantID, models.Envelope{
		Type:          models.TypeUserJoined,
		CallID:        env.CallID,
		ParticipantID: env.ParticipantID,
		Role:          env.Role,
	})
	if res.Count == registry.MaxParticipants {
		selfInitiates := shouldInitiate(res.Self, *peer)
		peer.Transport.Send(models.RoomReady(env.CallID, res.Self.ID, !selfInitiates))
		c.transport.Send(models.RoomReady(env.CallID, peer.ID, selfInitiates))
		r.log.Info("room ready", "callId", env.CallID, "initiator", initiatorID(res.Self, *peer))
	}
	return nil
}

// shouldInitiate reports whether self originates the offer against peer. The
// later joiner initiates: its arrival proves both ends are live.
func shouldInitiate(self, peer registry.Participant) bool {
	if self.JoinedAt.Equal(peer.JoinedAt) {
		return self.ID > peer.ID
	}
	return self.JoinedAt.After(peer.JoinedAt)
}

func initiatorID(self, peer registry.Participant) string {
	if shouldInitiate(self, peer) {
		return self.ID
	}
	return peer.ID
}

func (r *Relay) handleMediaReady(c *Conn) error {
	if c.callID == "" {
		c.transport.Send(models.ErrorEnvelope(models.CodeNotJoined, "join a call first"))
		return nil
	}
	peer, ok := r.reg.SetMediaReady(c.callID, c.participantID)
	r.log.V(1).Info("media ready", "callId", c.callID, "participantId", c.participantID, "peerPresent", ok)
	if ok {
		peer.Send(models.Envelope{
			Type:          models.TypeMediaReady,
			CallID:        c.callID,
			ParticipantID: c.participantID,
			From:          c.participantID,
		})
	}
	return nil
}

func (r *Relay) handleNegotiation(c *Conn, env models.Envelope) error {
	if c.callID == "" {
		c.transport.Send(models.ErrorEnvelope(models.CodeNotJoined, "join a call first"))
		return nil
	}
	env.From = c.participantID
	env.CallID = c.callID
	r.forward(c, env)
	return nil
}

func (r *Relay) handleChat(c *Conn, env models.Envelope) error {
	if c.callID == "" {
		c.transport.Send(models.ErrorEnvelope(models.CodeNotJoined, "join a call first"))
		return nil
	}
	env.From = c.participantID
	env.CallID = c.callID
	env.UserID = c.participantID
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == nil {
		now := r.opts.Now()
		env.Timestamp = &now
	}
	r.forward(c, env)
	return nil
}

// forward sends env to the peer of c. Without a peer the envelope is dropped:
// the peer may have left mid-negotiation.
func (r *Relay) forward(c *Conn, env models.Envelope) {
	peer, ok := r.reg.GetPeer(c.callID, c.participantID)
	if !ok {
		r.log.V(2).Info("no peer, envelope dropped", "callId", c.callID, "type", env.Type)
		return
	}
	if !peer.Send(env) {
		r.log.Info("peer send buffer full, envelope dropped", "callId", c.callID, "type", env.Type, "conn", peer.ID())
	}
}

func (r *Relay) handleLeave(ctx context.Context, c *Conn) error {
	if c.callID == "" {
		return nil
	}
	callID, participantID := c.callID, c.participantID
	c.callID, c.participantID = "", ""

	res := r.reg.Leave(callID, participantID)
	if res.Removed {
		r.afterLeave(ctx, callID, participantID, res)
	}
	return nil
}

func (r *Relay) afterLeave(ctx context.Context, callID, participantID string, res registry.LeaveResult) {
	r.log.Info("participant left", "callId", callID, "participantId", participantID)

	if res.Peer != nil {
		r.reg.BroadcastExceptSender(callID, participantID, models.Envelope{
			Type:          models.TypeUserLeft,
			CallID:        callID,
			ParticipantID: participantID,
		})
	}
	r.withStore(ctx, func(ctx context.Context) error {
		return r.presence.Left(ctx, callID, participantID)
	}, "presence leave")

	if res.Ended != nil {
		r.publishEnded(ctx, *res.Ended)
	}
}

func (r *Relay) publishEnded(ctx context.Context, ev models.CallEnded) {
	r.log.Info("call ended", "callId", ev.CallID, "duration", ev.Duration.String(),
		"participants", len(ev.Participants), "reason", ev.Reason)
	r.withStore(ctx, func(ctx context.Context) error {
		return r.events.CallEnded(ctx, ev)
	}, "call ended event")
}

// Terminate ends callID on behalf of the surrounding application: every
// participant receives call-ended and its transport is closed.
func (r *Relay) Terminate(ctx context.Context, callID string) bool {
	transports, ended, ok := r.reg.Terminate(callID)
	if !ok {
		return false
	}
	for _, t := range transports {
		t.Send(models.Envelope{Type: models.TypeCallEnded, CallID: callID})
		_ = t.Close()
	}
	for _, p := range ended.Participants {
		r.withStore(ctx, func(ctx context.Context) error {
			return r.presence.Left(ctx, callID, p.ParticipantID)
		}, "presence leave")
	}
	r.publishEnded(ctx, *ended)
	return true
}

// Notify pushes a notification envelope to every live connection of userID
// and returns how many connections accepted it.
func (r *Relay) Notify(userID string, payload json.RawMessage) int {
	r.usersMu.Lock()
	conns := make([]*Conn, 0, len(r.users[userID]))
	for c := range r.users[userID] {
		conns = append(conns, c)
	}
	r.usersMu.Unlock()

	sent := 0
	for _, c := range conns {
		if c.transport.Send(models.Envelope{Type: models.TypeNotification, Payload: payload}) {
			sent++
		}
	}
	return sent
}

// Shutdown destroys every live call and publishes their call-ended events.
func (r *Relay) Shutdown(ctx context.Context) {
	for _, ev := range r.reg.Close() {
		r.publishEnded(ctx, ev)
	}
}

func (r *Relay) registerUser(userID string, c *Conn) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if c.userID != "" && c.userID != userID {
		r.removeUserLocked(c.userID, c)
	}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		r.users[userID] = set
	}
	set[c] = struct{}{}
	c.userID = userID
}

func (r *Relay) unregisterUser(userID string, c *Conn) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	r.removeUserLocked(userID, c)
}

func (r *Relay) removeUserLocked(userID string, c *Conn) {
	set := r.users[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(r.users, userID)
	}
}

func (r *Relay) fail(c *Conn, code models.ErrorCode, msg string) error {
	c.transport.Send(models.ErrorEnvelope(code, msg))
	r.log.V(1).Info("protocol error", "conn", c.transport.ID(), "code", code, "error", msg)
	return &ProtocolError{Code: code, Message: msg}
}

func (r *Relay) withStore(ctx context.Context, fn func(context.Context) error, what string) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Error(err, what+" failed")
	}
}

type nopStore struct{}

func (nopStore) Joined(context.Context, string, string) error      { return nil }
func (nopStore) Left(context.Context, string, string) error        { return nil }
func (nopStore) CallEnded(context.Context, models.CallEnded) error { return nil }

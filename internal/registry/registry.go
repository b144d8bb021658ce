// Package registry keeps the in-memory bookkeeping of which participants are
// connected to which call. Each call entry is guarded by its own mutex; there
// is no lock shared across calls.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
)

// MaxParticipants is the two-party cap of a call session.
const MaxParticipants = 2

// ErrRoomFull is returned when a third distinct participant tries to join.
var ErrRoomFull = errors.New("room is full")

// Transport is the handle used to reach one participant. The registry owns
// the handle of every registered participant and closes replaced ones.
type Transport interface {
	ID() string
	Send(env models.Envelope) bool
	Close() error
}

// JoinOutcome distinguishes a new participant from a reconnect.
type JoinOutcome int

const (
	Joined JoinOutcome = iota + 1
	Rejoined
)

func (o JoinOutcome) String() string {
	switch o {
	case Joined:
		return "joined"
	case Rejoined:
		return "rejoined"
	}
	return "unknown"
}

// Participant is one member of a call session.
type Participant struct {
	ID         string
	Role       models.Role
	Transport  Transport
	MediaReady bool
	JoinedAt   time.Time
}

func (p Participant) info() models.ParticipantInfo {
	return models.ParticipantInfo{
		ParticipantID: p.ID,
		Role:          p.Role,
		MediaReady:    p.MediaReady,
		JoinedAt:      p.JoinedAt,
	}
}

// JoinResult describes the effect of a join.
type JoinResult struct {
	Outcome JoinOutcome
	// Count is the number of participants after the join: 1 for the first
	// participant of a call, 2 once both sides are present.
	Count int
	Self  Participant
	// Peer is the other participant, if present.
	Peer *Participant
}

// LeaveResult describes the effect of a leave.
type LeaveResult struct {
	Removed bool
	// Peer is the remaining participant, if any.
	Peer *Participant
	// Ended is set when the leave destroyed the call session.
	Ended *models.CallEnded
}

type session struct {
	mu           sync.Mutex
	id           string
	participants map[string]*Participant
	history      []models.ParticipantInfo
	createdAt    time.Time
	connectedAt  *time.Time
	closed       bool
}

// Registry maps call identifiers to sessions.
type Registry struct {
	calls sync.Map // callID -> *session
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for joinedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// acquire returns the live session for callID locked, creating it if needed.
func (r *Registry) acquire(callID string, create bool) *session {
	for {
		v, ok := r.calls.Load(callID)
		if !ok {
			if !create {
				return nil
			}
			v, _ = r.calls.LoadOrStore(callID, &session{
				id:           callID,
				participants: make(map[string]*Participant, MaxParticipants),
				createdAt:    r.now(),
			})
		}
		s := v.(*session)
		s.mu.Lock()
		if !s.closed {
			return s
		}
		// Lost a race with the teardown of this entry; retry on a fresh one.
		s.mu.Unlock()
	}
}

// Join registers participantID in callID. Joining again with the same
// participantID replaces the previous transport and closes it.
func (r *Registry) Join(callID, participantID string, role models.Role, t Transport) (JoinResult, error) {
	s := r.acquire(callID, true)

	now := r.now()
	var stale Transport
	outcome := Joined

	if existing, ok := s.participants[participantID]; ok {
		outcome = Rejoined
		if existing.Transport != nil && existing.Transport.ID() != t.ID() {
			stale = existing.Transport
		}
	} else if len(s.participants) >= MaxParticipants {
		s.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}

	var peer *Participant
	for id, p := range s.participants {
		if id != participantID {
			cp := *p
			peer = &cp
		}
	}
	// joinedAt is strictly increasing within a call so the later joiner is
	// always distinguishable, whatever the clock resolution.
	if peer != nil && !now.After(peer.JoinedAt) {
		now = peer.JoinedAt.Add(time.Nanosecond)
	}

	self := &Participant{
		ID:        participantID,
		Role:      role,
		Transport: t,
		JoinedAt:  now,
	}
	if outcome == Rejoined {
		// media must be announced again by the fresh connection
		self.MediaReady = false
	}
	s.participants[participantID] = self
	s.record(*self)

	if len(s.participants) == MaxParticipants && s.connectedAt == nil {
		at := now
		s.connectedAt = &at
	}

	res := JoinResult{
		Outcome: outcome,
		Count:   len(s.participants),
		Self:    *self,
		Peer:    peer,
	}
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	return res, nil
}

// Leave removes participantID from callID. Leaving twice, or leaving a call
// that does not exist, is a no-op.
func (r *Registry) Leave(callID, participantID string) LeaveResult {
	return r.leave(callID, participantID, "")
}

// LeaveTransport removes participantID only if it is still registered with
// the transport identified by transportID. It is used when a transport
// closes, so a stale handle replaced by a rejoin cannot evict its successor.
func (r *Registry) LeaveTransport(callID, participantID, transportID string) LeaveResult {
	return r.leave(callID, participantID, transportID)
}

func (r *Registry) leave(callID, participantID, transportID string) LeaveResult {
	s := r.acquire(callID, false)
	if s == nil {
		return LeaveResult{}
	}
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return LeaveResult{}
	}
	if transportID != "" && (p.Transport == nil || p.Transport.ID() != transportID) {
		return LeaveResult{}
	}
	delete(s.participants, participantID)

	res := LeaveResult{Removed: true}
	for _, other := range s.participants {
		cp := *other
		res.Peer = &cp
	}
	if len(s.participants) == 0 {
		res.Ended = r.destroy(s, models.EndReasonLeft)
	}
	return res
}

// destroy marks s closed and removes it from the map. s.mu must be held.
func (r *Registry) destroy(s *session, reason string) *models.CallEnded {
	s.closed = true
	r.calls.CompareAndDelete(s.id, s)

	ended := r.now()
	history := make([]models.ParticipantInfo, len(s.history))
	copy(history, s.history)
	return &models.CallEnded{
		CallID:       s.id,
		CreatedAt:    s.createdAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      ended,
		Duration:     ended.Sub(s.createdAt),
		Participants: history,
		Reason:       reason,
	}
}

// record keeps the first appearance of every participant for the call report.
func (s *session) record(p Participant) {
	for i := range s.history {
		if s.history[i].ParticipantID == p.ID {
			s.history[i].Role = p.Role
			return
		}
	}
	s.history = append(s.history, p.info())
}

// GetPeer returns the transport of the participant of callID other than
// participantID. The boolean is false when there is no peer.
func (r *Registry) GetPeer(callID, participantID string) (Transport, bool) {
	s := r.acquire(callID, false)
	if s == nil {
		return nil, false
	}
	defer s.mu.Unlock()

	for id, p := range s.participants {
		if id != participantID && p.Transport != nil {
			return p.Transport, true
		}
	}
	return nil, false
}

// SetMediaReady marks the participant's local media as acquired and returns
// the peer's transport if a peer is present.
func (r *Registry) SetMediaReady(callID, participantID string) (Transport, bool) {
	s := r.acquire(callID, false)
	if s == nil {
		return nil, false
	}
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return nil, false
	}
	p.MediaReady = true
	for i := range s.history {
		if s.history[i].ParticipantID == participantID {
			s.history[i].MediaReady = true
		}
	}
	for id, other := range s.participants {
		if id != participantID && other.Transport != nil {
			return other.Transport, true
		}
	}
	return nil, false
}

// BroadcastExceptSender sends env to every participant of callID other than
// senderID and returns how many transports accepted it.
func (r *Registry) BroadcastExceptSender(callID, senderID string, env models.Envelope) int {
	s := r.acquire(callID, false)
	if s == nil {
		return 0
	}
	defer s.mu.Unlock()

	sent := 0
	for id, p := range s.participants {
		if id == senderID || p.Transport == nil {
			continue
		}
		if p.Transport.Send(env) {
			sent++
		}
	}
	return sent
}

// Snapshot returns the current state of callID.
func (r *Registry) Snapshot(callID string) (models.CallInfo, bool) {
	s := r.acquire(callID, false)
	if s == nil {
		return models.CallInfo{}, false
	}
	defer s.mu.Unlock()

	info := models.CallInfo{
		CallID:       s.id,
		CreatedAt:    s.createdAt,
		ConnectedAt:  s.connectedAt,
		Participants: make([]models.ParticipantInfo, 0, len(s.participants)),
	}
	for _, p := range s.participants {
		info.Participants = append(info.Participants, p.info())
	}
	sort.Slice(info.Participants, func(i, j int) bool {
		return info.Participants[i].JoinedAt.Before(info.Participants[j].JoinedAt)
	})
	return info, true
}

// Terminate destroys callID regardless of who is connected. It returns the
// transports that were registered so the caller can notify and close them.
func (r *Registry) Terminate(callID string) ([]Transport, *models.CallEnded, bool) {
	s := r.acquire(callID, false)
	if s == nil {
		return nil, nil, false
	}
	defer s.mu.Unlock()

	transports := s.transports()
	s.participants = make(map[string]*Participant)
	return transports, r.destroy(s, models.EndReasonTerminated), true
}

// Len returns the number of live call sessions.
func (r *Registry) Len() int {
	n := 0
	r.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close tears down every session and closes all transports. It returns the
// summaries of the destroyed sessions.
func (r *Registry) Close() []models.CallEnded {
	var (
		ended      []models.CallEnded
		transports []Transport
	)
	r.calls.Range(func(key, _ any) bool {
		s := r.acquire(key.(string), false)
		if s == nil {
			return true
		}
		transports = append(transports, s.transports()...)
		s.participants = make(map[string]*Participant)
		ended = append(ended, *r.destroy(s, models.EndReasonShutdown))
		s.mu.Unlock()
		return true
	})
	for _, t := range transports {
		_ = t.Close()
	}
	return ended
}

func (s *session) transports() []Transport {
	out := make([]Transport, 0, len(s.participants))
	for _, p := range s.participants {
		if p.Transport != nil {
			out = append(out, p.Transport)
		}
	}
	return out
}

package models

import (
	"encoding/json"
	"time"
)

// EnvelopeType discriminates signaling envelopes
type EnvelopeType string

const (
	// client -> server
	TypeJoin       EnvelopeType = "join"
	TypeMediaReady EnvelopeType = "media-ready"
	TypeLeave      EnvelopeType = "leave"
	TypeAuth       EnvelopeType = "auth"

	// relayed verbatim between participants
	TypeOffer     EnvelopeType = "webrtc-offer"
	TypeAnswer    EnvelopeType = "webrtc-answer"
	TypeCandidate EnvelopeType = "webrtc-ice-candidate"
	TypeChat      EnvelopeType = "chat-message"

	// server -> client
	TypeRoomReady    EnvelopeType = "room-ready"
	TypeUserJoined   EnvelopeType = "user-joined"
	TypeUserLeft     EnvelopeType = "user-left"
	TypeCallEnded    EnvelopeType = "call-ended"
	TypeAuthSuccess  EnvelopeType = "auth-success"
	TypeNotification EnvelopeType = "notification"
	TypeError        EnvelopeType = "error"
)

// ErrorCode is the machine readable reason carried by error envelopes
type ErrorCode string

const (
	CodeRoomFull        ErrorCode = "room-full"
	CodeInvalidEnvelope ErrorCode = "invalid-envelope"
	CodeUnknownType     ErrorCode = "unknown-type"
	CodeNotJoined       ErrorCode = "not-joined"
	CodeForbidden       ErrorCode = "forbidden"
	CodeRateLimited     ErrorCode = "rate-limited"
)

// Envelope is the single JSON object exchanged over the signaling transport.
// Session descriptions and candidates are opaque and passed through untouched.
type Envelope struct {
	Type          EnvelopeType `json:"type"`
	CallID        string       `json:"callId,omitempty"`
	ParticipantID string       `json:"participantId,omitempty"`
	Role          Role         `json:"role,omitempty"`
	From          string       `json:"from,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// chat-message
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	UserName  string     `json:"userName,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// room-ready
	ShouldInitiate *bool  `json:"shouldInitiate,omitempty"`
	PeerID         string `json:"peerId,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// ErrorEnvelope builds a server -> client error envelope
func ErrorEnvelope(code ErrorCode, msg string) Envelope {
	return Envelope{Type: TypeError, Code: code, Error: msg}
}

// RoomReady builds the room-ready notification for one side of a call
func RoomReady(callID, peerID string, shouldInitiate bool) Envelope {
	return Envelope{
		Type:           TypeRoomReady,
		CallID:         callID,
		PeerID:         peerID,
		ShouldInitiate: &shouldInitiate,
	}
}

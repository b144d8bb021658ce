package models

import (
	"fmt"
	"time"
)

// Role is the participant's side of a consultation
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is one of the closed set of roles
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// ParseRole converts a raw string into a Role
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// ParticipantInfo is the public view of a call participant
type ParticipantInfo struct {
	ParticipantID string    `json:"participantId"`
	Role          Role      `json:"role"`
	MediaReady    bool      `json:"mediaReady"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// CallInfo is a point-in-time snapshot of a call session
type CallInfo struct {
	CallID       string            `json:"callId"`
	CreatedAt    time.Time         `json:"createdAt"`
	ConnectedAt  *time.Time        `json:"connectedAt,omitempty"`
	Participants []ParticipantInfo `json:"participants"`
}

// CallEnded is emitted when a call session is destroyed, for the
// surrounding CRUD layer to persist as a consultation report.
type CallEnded struct {
	CallID       string            `json:"callId"`
	CreatedAt    time.Time         `json:"createdAt"`
	ConnectedAt  *time.Time        `json:"connectedAt,omitempty"`
	EndedAt      time.Time         `json:"endedAt"`
	Duration     time.Duration     `json:"duration"`
	Participants []ParticipantInfo `json:"participants"`
	Reason       string            `json:"reason"`
}

// Call end reasons
const (
	EndReasonLeft       = "participants-left"
	EndReasonTerminated = "terminated"
	EndReasonShutdown   = "shutdown"
)

// Identity is an already-authenticated participant identity
type Identity struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
}

package models

import (
	"fmt"
	"time"
)

// CallType is the media kind negotiated for a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ParseCallType maps a client supplied call type. An empty value means audio.
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case "", CallTypeAudio:
		return CallTypeAudio, nil
	case CallTypeVideo:
		return CallTypeVideo, nil
	default:
		return "", fmt.Errorf("unsupported call type %q", s)
	}
}

// CallPhase is the current state of a call negotiation
type CallPhase string

const (
	PhaseRinging   CallPhase = "ringing"
	PhaseAccepted  CallPhase = "accepted"
	PhaseConnected CallPhase = "connected"
	PhaseRejected  CallPhase = "rejected"
	PhaseCancelled CallPhase = "cancelled"
	PhaseEnded     CallPhase = "ended"
)

// Call tracks one caller/target negotiation
type Call struct {
	ID                 string
	CallerConnectionID string
	TargetConnectionID string
	CallerIdentityID   string
	TargetIdentityID   string
	Type               CallType
	Phase              CallPhase
	StartedAt          time.Time
}

// Involves reports whether connID is one of the two parties.
func (c Call) Involves(connID string) bool {
	return c.CallerConnectionID == connID || c.TargetConnectionID == connID
}

// Counterpart returns the other party's connection id.
func (c Call) Counterpart(connID string) string {
	if c.CallerConnectionID == connID {
		return c.TargetConnectionID
	}
	return c.CallerConnectionID
}

// Package model defines the core domain types for the chat server.
package model

import (
	"net"
	"time"
)

// CallScope distinguishes one-to-one calls from group calls.
type CallScope int

const (
	CallIndividual CallScope = iota
	CallGroup
)

func (s CallScope) String() string {
	switch s {
	case CallIndividual:
		return "individual"
	case CallGroup:
		return "group"
	default:
		return "unknown"
	}
}

// CallState tracks the lifecycle of a call.
type CallState int

const (
	CallProposed CallState = iota // signaled, waiting for the callee to pick up
	CallActive                    // peers exchanging media
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallProposed:
		return "proposed"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Call represents a signaled audio call between two or more users.
// Participant membership lives in the call registry; the struct carries
// the immutable facts about the call.
type Call struct {
	ID        string    `json:"id"`
	Scope     CallScope `json:"scope"`
	Initiator string    `json:"initiator"`
	Group     string    `json:"group,omitempty"` // set only for group calls
	State     CallState `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// VoiceNote is a recorded audio message relayed through the server.
// Exactly one of Target or Group is set.
type VoiceNote struct {
	Sender     string    `json:"sender"`
	Target     string    `json:"target,omitempty"`
	Group      string    `json:"group,omitempty"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Size returns the payload length in bytes.
func (v *VoiceNote) Size() int { return len(v.Payload) }

// UDPEndpoint is the media address a user registered via the datagram
// socket or the /udpport command, in "ip:port" form.
type UDPEndpoint struct {
	Addr *net.UDPAddr
}

// Valid reports whether the endpoint can receive media.
func (e UDPEndpoint) Valid() bool {
	return e.Addr != nil && e.Addr.Port > 0
}

func (e UDPEndpoint) String() string {
	if e.Addr == nil {
		return ""
	}
	return e.Addr.String()
}

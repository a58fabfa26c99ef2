package model

import "time"

// EventType names the server-side happenings fanned out to notification
// subscribers and appended to the history store.
type EventType string

const (
	EventTextMessage  EventType = "text_message"
	EventGroupMessage EventType = "group_message"
	EventVoiceNote    EventType = "voice_note"
	EventCallIncoming EventType = "call_incoming"
	EventCallAccepted EventType = "call_accepted"
	EventCallRejected EventType = "call_rejected"
	EventCallStarted  EventType = "call_started"
	EventCallEnded    EventType = "call_ended"
	EventUserJoin     EventType = "user_join"
	EventUserLeave    EventType = "user_leave"
)

// Event is a single notification or history record.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      EventType      `json:"type"`
	User      string         `json:"user,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(typ EventType, user string, data map[string]any) Event {
	return Event{
		Type:      typ,
		User:      user,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

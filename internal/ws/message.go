package ws

import (
	"time"

	"sentinel/internal/pipeline"
)

// Message types on the feed
const (
	TypeEvent    = "event"
	TypeLiveness = "liveness"
	TypeState    = "state"
)

// EventMessage carries a final event
type EventMessage struct {
	Type      string                `json:"type"` // "event"
	CameraID  string                `json:"camera_id"`
	Timestamp time.Time             `json:"timestamp"`
	Event     *pipeline.EventRecord `json:"event"`
}

// LivenessMessage carries a camera connection change
type LivenessMessage struct {
	Type string `json:"type"` // "liveness"
	pipeline.LivenessEvent
}

// StateMessage carries an assembler state transition
type StateMessage struct {
	Type string `json:"type"` // "state"
	pipeline.StateChange
}

// NewEventMessage wraps a record
func NewEventMessage(rec *pipeline.EventRecord) *EventMessage {
	return &EventMessage{
		Type:      TypeEvent,
		CameraID:  rec.CameraID,
		Timestamp: rec.FinalizedAt,
		Event:     rec,
	}
}

// NewLivenessMessage wraps a liveness change
func NewLivenessMessage(ev pipeline.LivenessEvent) *LivenessMessage {
	return &LivenessMessage{Type: TypeLiveness, LivenessEvent: ev}
}

// NewStateMessage wraps a state transition
func NewStateMessage(sc pipeline.StateChange) *StateMessage {
	return &StateMessage{Type: TypeState, StateChange: sc}
}

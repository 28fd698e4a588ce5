package models

import "time"

// SessionEventType - тип события сессии, отправляемого подписчикам.
type SessionEventType string

const (
	EventNodeCommitted SessionEventType = "node_committed"
	EventMediaUpdated  SessionEventType = "media_updated"
	EventWarning       SessionEventType = "warning"
	EventAutosaved     SessionEventType = "autosaved"
	EventSessionReset  SessionEventType = "session_reset"
)

// SessionEvent is pushed to UI subscribers (websocket).
type SessionEvent struct {
	Type     SessionEventType `json:"type"`
	Epoch    uint64           `json:"epoch"`
	NodeID   string           `json:"nodeId,omitempty"`
	SlotID   string           `json:"slotId,omitempty"`
	Modality Modality         `json:"modality,omitempty"`
	Message  string           `json:"message,omitempty"`
	Node     *StorySegment    `json:"node,omitempty"`
	At       time.Time        `json:"at"`
}

// Package events defines the relay's in-process event types and the bus
// that delivers them to telemetry, metrics and the master connector.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Client lifecycle events
	EventClientConnected    EventType = "client_connected"
	EventClientHandshaken   EventType = "client_handshaken"
	EventClientDisconnected EventType = "client_disconnected"
	EventClientTimedOut     EventType = "client_timed_out"

	// Pipeline events
	EventQueueShed      EventType = "queue_shed"
	EventFragmentFailed EventType = "fragment_failed"
	EventMalformedFrame EventType = "malformed_frame"

	// System events
	EventMasterUnreachable EventType = "master_unreachable"
	EventShutdown          EventType = "shutdown"
)

// DisconnectReason explains why a client left.
type DisconnectReason string

const (
	ReasonClientRequest DisconnectReason = "client_request"
	ReasonTimeout       DisconnectReason = "timeout"
	ReasonKicked        DisconnectReason = "kicked"
	ReasonShutdown      DisconnectReason = "shutdown"
)

// Event represents a single event flowing through the EventBus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ClientPayload describes a client lifecycle change.
type ClientPayload struct {
	ClientID  uint16           `json:"client_id"`
	Remote    string           `json:"remote"`
	Transport string           `json:"transport"`
	Engine    string           `json:"engine,omitempty"`
	Platform  string           `json:"platform,omitempty"`
	Reason    DisconnectReason `json:"reason,omitempty"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}

// QueueShedPayload is emitted when a drain loop clears its queue after
// repeatedly exceeding its time budget.
type QueueShedPayload struct {
	Queue   string        `json:"queue"`
	Dropped int           `json:"dropped"`
	Budget  time.Duration `json:"budget"`
	Strikes int           `json:"strikes"`
}

// FragmentFailedPayload is emitted when a fragmented message cannot be rebuilt.
type FragmentFailedPayload struct {
	ClientID  uint16 `json:"client_id"`
	SessionID uint16 `json:"session_id"`
	Error     string `json:"error"`
}

// MalformedFramePayload describes a frame rejected at ingress.
type MalformedFramePayload struct {
	Remote string `json:"remote"`
	Size   int    `json:"size"`
	Error  string `json:"error"`
}

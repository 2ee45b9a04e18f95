package server

import "ProctorWatch/internal/alert"

// Logical event names carried in the WebSocket envelope.
const (
	EventStartSession   = "start_session"
	EventStopSession    = "stop_session"
	EventVideoStream    = "video_stream"
	EventScreenStream   = "screen_stream"
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
	EventAlert          = "alert"
)

// Envelope is one inbound client message. Image carries base64-encoded frame
// bytes for the stream events.
type Envelope struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Image     string `json:"image,omitempty"`
}

// ackMessage acknowledges a session lifecycle event.
type ackMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

// alertMessage is an outbound alert wrapped with its event name.
type alertMessage struct {
	Event string `json:"event"`
	alert.Alert
}

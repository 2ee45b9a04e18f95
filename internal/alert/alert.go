package alert

import "time"

// Type identifies what kind of suspicious behavior a detector flagged.
type Type string

const (
	TypeEyeDiverted        Type = "eye_diverted"
	TypeHeadTurned         Type = "head_turned"
	TypeSuspiciousVoice    Type = "suspicious_voice"
	TypeUnauthorizedScreen Type = "unauthorized_screen"
)

// Alert is an immutable record of a positive detection. Once constructed it is
// never mutated; a session's alert history only ever grows.
type Alert struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Transcript string    `json:"transcript,omitempty"`
	Text       string    `json:"text,omitempty"`
}

// New builds an alert stamped with the current time.
func New(t Type, sessionID string) Alert {
	return Alert{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// Truncate bounds an excerpt to at most max runes so alerts never carry full
// audio or screen content.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

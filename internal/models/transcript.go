// Package models defines the JSON messages sent to clients and published to the broker.
package models

import "time"

const (
	TypeRealtime     = "realtime"
	TypeFullSentence = "fullSentence"
)

// RealtimeMessage carries an unstable partial transcript. It is only sent
// to the connected client, never published.
type RealtimeMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SentenceMessage is a finalized sentence. The same document is sent to the
// client and pushed/published to the broker.
type SentenceMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	STTLatency float64 `json:"stt_latency"`
	Label      string  `json:"label,omitempty"`
	SessionID  string  `json:"session_id"`
	UserID     string  `json:"user_id"`
	Timestamp  int64   `json:"timestamp"`
}

func NewRealtime(text string) RealtimeMessage {
	return RealtimeMessage{Type: TypeRealtime, Text: text}
}

// NewSentence builds a fullSentence message. latency is the time spent
// blocked on the engine; at is when the sentence was finalized.
func NewSentence(text, label, sessionID, userID string, latency time.Duration, at time.Time) SentenceMessage {
	return SentenceMessage{
		Type:       TypeFullSentence,
		Text:       text,
		STTLatency: latency.Seconds(),
		Label:      label,
		SessionID:  sessionID,
		UserID:     userID,
		Timestamp:  at.Unix(),
	}
}

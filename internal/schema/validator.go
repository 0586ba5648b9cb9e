// Package schema validates outbound messages before they leave the process.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"realtime-stt-service/internal/models"
)

var ErrInvalidMessage = errors.New("invalid message")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the invariants of a sentence message.
func (v *Validator) Validate(msg models.SentenceMessage) error {
	switch {
	case msg.Type != models.TypeFullSentence:
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, msg.Type)
	case strings.TrimSpace(msg.Text) == "":
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	case msg.SessionID == "" || msg.UserID == "":
		return fmt.Errorf("%w: missing identity", ErrInvalidMessage)
	case msg.STTLatency < 0:
		return fmt.Errorf("%w: negative latency %f", ErrInvalidMessage, msg.STTLatency)
	case msg.Timestamp <= 0:
		return fmt.Errorf("%w: timestamp %d", ErrInvalidMessage, msg.Timestamp)
	}
	return nil
}

// ValidateRealtime checks a partial transcript message.
func (v *Validator) ValidateRealtime(msg models.RealtimeMessage) error {
	if msg.Type != models.TypeRealtime {
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, msg.Type)
	}
	return nil
}

package realtime

import "github.com/google/uuid"

// NewSessionID returns a random id for one websocket session.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a time-ordered (UUIDv7) id for server envelopes.
func NewEnvelopeID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// NotificationEventType names notification envelopes on the wire
const NotificationEventType = "compliance.notification"

// EnvelopeVersion is the current envelope schema version
const EnvelopeVersion = "1"

// Envelope decoding failure codes
const (
	CodeInvalidEnvelope    = "INVALID_EVENT_ENVELOPE"
	CodeUnsupportedVersion = "UNSUPPORTED_EVENT_VERSION"
)

// EventEnvelope wraps a notification with metadata for serialization
type EventEnvelope struct {
	EventID   uuid.UUID               `json:"event_id"`
	EventType string                  `json:"event_type"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Data      compliance.Notification `json:"data"`
}

// NewEnvelope stamps n with a fresh event id
func NewEnvelope(n compliance.Notification, now time.Time) EventEnvelope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return EventEnvelope{
		EventID:   id,
		EventType: NotificationEventType,
		Version:   EnvelopeVersion,
		Timestamp: now.UTC(),
		Data:      n,
	}
}

// SerializeEnvelope encodes an envelope as JSON
func SerializeEnvelope(e EventEnvelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize event").WithCause(err)
	}
	return data, nil
}

// DeserializeEnvelope decodes and checks a notification envelope
func DeserializeEnvelope(data []byte) (EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return EventEnvelope{}, errors.NewValidationError(CodeInvalidEnvelope,
			"failed to unmarshal event envelope").WithCause(err)
	}
	if e.EventType != NotificationEventType || e.Version != EnvelopeVersion {
		return EventEnvelope{}, errors.NewValidationError(CodeUnsupportedVersion,
			"unsupported event type "+e.EventType+" version "+e.Version)
	}
	return e, nil
}

package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// ConsentRecord is an audit-trail entry of one opt-in or opt-out decision.
type ConsentRecord struct {
	ID        uuid.UUID     `json:"id" yaml:"id"`
	UserID    string        `json:"userId" yaml:"userId"`
	Category  string        `json:"category" yaml:"category"`
	Action    ConsentAction `json:"action" yaml:"action"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	IPAddress string        `json:"ipAddress" yaml:"ipAddress"`
}

// ConsentInput holds the caller-supplied fields of a ConsentRecord.
type ConsentInput struct {
	UserID    string        `json:"userId" validate:"required"`
	Category  string        `json:"category" validate:"required"`
	Action    ConsentAction `json:"action" validate:"required,oneof=opt_in opt_out"`
	IPAddress string        `json:"ipAddress" validate:"required"`
}

// NewConsentRecord validates the input and stamps id and timestamp.
func NewConsentRecord(in ConsentInput, now time.Time) (*ConsentRecord, error) {
	in = ConsentInput{
		UserID:    trim(in.UserID),
		Category:  trim(in.Category),
		Action:    ConsentAction(trim(string(in.Action))),
		IPAddress: trim(in.IPAddress),
	}
	if err := validateInput("INVALID_CONSENT", in); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate consent id").WithCause(err)
	}

	return &ConsentRecord{
		ID:        id,
		UserID:    in.UserID,
		Category:  in.Category,
		Action:    in.Action,
		Timestamp: now.UTC(),
		IPAddress: in.IPAddress,
	}, nil
}

package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// BreachNotificationWindow is the statutory deadline for notifying the
// supervisory authority, counted from the moment the breach is reported.
const BreachNotificationWindow = 72 * time.Hour

// BreachRegulation is the citation attached to every breach notification.
const BreachRegulation = "GDPR Article 33 - Notification of a personal data breach to the supervisory authority"

// BreachNotification is the payload assembled for a reported data breach.
type BreachNotification struct {
	ID                   uuid.UUID `json:"id" yaml:"id"`
	Description          string    `json:"description" yaml:"description"`
	AffectedUsers        int       `json:"affectedUsers" yaml:"affectedUsers"`
	Severity             Severity  `json:"severity" yaml:"severity"`
	ContainmentActions   string    `json:"containmentActions" yaml:"containmentActions"`
	Regulation           string    `json:"regulation" yaml:"regulation"`
	ReportedAt           time.Time `json:"reportedAt" yaml:"reportedAt"`
	NotificationDeadline time.Time `json:"notificationDeadline" yaml:"notificationDeadline"`
	FindingsAdded        int       `json:"findingsAdded" yaml:"findingsAdded"`
}

// BreachInput holds the caller-supplied fields of a breach report.
type BreachInput struct {
	Description        string   `json:"description" validate:"required"`
	AffectedUsers      int      `json:"affectedUsers" validate:"gte=0"`
	Severity           Severity `json:"severity" validate:"required,oneof=low medium high"`
	ContainmentActions string   `json:"containmentActions"`
}

// NewBreachNotification validates the input and builds the notification
// payload with its 72 hour deadline.
func NewBreachNotification(in BreachInput, now time.Time) (*BreachNotification, error) {
	in.Description = trim(in.Description)
	in.ContainmentActions = trim(in.ContainmentActions)
	in.Severity = Severity(trim(string(in.Severity)))
	if err := validateInput("INVALID_BREACH_REPORT", in); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate breach id").WithCause(err)
	}

	reportedAt := now.UTC()
	return &BreachNotification{
		ID:                   id,
		Description:          in.Description,
		AffectedUsers:        in.AffectedUsers,
		Severity:             in.Severity,
		ContainmentActions:   in.ContainmentActions,
		Regulation:           BreachRegulation,
		ReportedAt:           reportedAt,
		NotificationDeadline: reportedAt.Add(BreachNotificationWindow),
		FindingsAdded:        in.Severity.Findings(),
	}, nil
}

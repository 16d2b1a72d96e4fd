package compliance

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// RiskLevel classifies how sensitive a catalogued data flow is
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) String() string {
	return string(r)
}

// ConsentAction is a data subject's decision
type ConsentAction string

const (
	ActionOptIn  ConsentAction = "opt_in"
	ActionOptOut ConsentAction = "opt_out"
)

func (a ConsentAction) String() string {
	return string(a)
}

// Severity of a reported data breach
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) String() string {
	return string(s)
}

// Findings returns how many audit findings a breach of this severity adds.
func (s Severity) Findings() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// consentStep is the change applied to the consent rate per consent event.
var consentStep = decimal.New(1, -1)

var (
	minPercent = decimal.Zero
	maxPercent = decimal.NewFromInt(100)
)

// Metrics is the tracker's compliance posture. OverallScore is derived and
// only ever written through WithScore.
type Metrics struct {
	OverallScore        int
	GDPRCompliance      int
	PIPPACompliance     int
	DataSubjectRequests int
	ConsentRate         decimal.Decimal
	AuditFindings       int
	LastUpdate          time.Time
}

// DefaultMetrics is the posture a tracker starts from before its first
// successful fetch.
func DefaultMetrics(now time.Time) Metrics {
	return Metrics{
		GDPRCompliance:      92,
		PIPPACompliance:     85,
		DataSubjectRequests: 12,
		ConsentRate:         decimal.RequireFromString("94.2"),
		AuditFindings:       3,
		LastUpdate:          now.UTC(),
	}.WithScore()
}

// WithScore returns a copy of m with OverallScore recomputed from its inputs.
func (m Metrics) WithScore() Metrics {
	m.OverallScore = CalculateScore(m)
	return m
}

// ApplyConsent shifts the consent rate by one step in the direction of the
// action. When clamp is set the rate is held within [0, 100].
func (m Metrics) ApplyConsent(action ConsentAction, clamp bool) Metrics {
	switch action {
	case ActionOptIn:
		m.ConsentRate = m.ConsentRate.Add(consentStep)
	case ActionOptOut:
		m.ConsentRate = m.ConsentRate.Sub(consentStep)
	}
	if clamp {
		m.ConsentRate = decimal.Max(minPercent, decimal.Min(maxPercent, m.ConsentRate))
	}
	return m.WithScore()
}

// ApplyBreach records the audit findings produced by a breach.
func (m Metrics) ApplyBreach(severity Severity) Metrics {
	m.AuditFindings += severity.Findings()
	return m.WithScore()
}

// metricsDTO is the wire shape of Metrics; consentRate travels as a number.
type metricsDTO struct {
	OverallScore        int       `json:"overallScore" yaml:"overallScore"`
	GDPRCompliance      int       `json:"gdprCompliance" yaml:"gdprCompliance"`
	PIPPACompliance     int       `json:"pippaCompliance" yaml:"pippaCompliance"`
	DataSubjectRequests int       `json:"dataSubjectRequests" yaml:"dataSubjectRequests"`
	ConsentRate         float64   `json:"consentRate" yaml:"consentRate"`
	AuditFindings       int       `json:"auditFindings" yaml:"auditFindings"`
	LastUpdate          time.Time `json:"lastUpdate" yaml:"lastUpdate"`
}

func (m Metrics) toDTO() metricsDTO {
	return metricsDTO{
		OverallScore:        m.OverallScore,
		GDPRCompliance:      m.GDPRCompliance,
		PIPPACompliance:     m.PIPPACompliance,
		DataSubjectRequests: m.DataSubjectRequests,
		ConsentRate:         m.ConsentRate.InexactFloat64(),
		AuditFindings:       m.AuditFindings,
		LastUpdate:          m.LastUpdate,
	}
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toDTO())
}

// UnmarshalJSON decodes the wire shape. overallScore is derived, so the
// decoded value is ignored and recomputed from the other fields.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var dto metricsDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	*m = Metrics{
		GDPRCompliance:      dto.GDPRCompliance,
		PIPPACompliance:     dto.PIPPACompliance,
		DataSubjectRequests: dto.DataSubjectRequests,
		ConsentRate:         decimal.NewFromFloat(dto.ConsentRate),
		AuditFindings:       dto.AuditFindings,
		LastUpdate:          dto.LastUpdate,
	}.WithScore()
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m Metrics) MarshalYAML() (interface{}, error) {
	return m.toDTO(), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so errors match what API callers send.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateInput runs struct validation and converts failures into a
// validation AppError carrying one entry per offending field.
func validateInput(code string, input interface{}) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}

	fields := make(map[string]interface{})
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	return errors.NewValidationError(code, "invalid fields: "+strings.Join(names, ", ")).
		WithDetails(fields).
		WithCause(err)
}

func trim(s string) string {
	return strings.TrimSpace(s)
}

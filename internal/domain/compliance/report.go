package compliance

import (
	"fmt"
	"time"
)

// ReportConsentLimit caps how many of the newest consent records go into an
// audit report.
const ReportConsentLimit = 100

// DefaultRecommendations are attached to every audit report.
var DefaultRecommendations = []string{
	"Review and update data mappings quarterly",
	"Conduct regular staff training on data protection",
	"Implement automated consent management",
	"Schedule annual third-party compliance audits",
}

// AuditReport is a point-in-time snapshot of the tracker.
type AuditReport struct {
	GeneratedAt     time.Time        `json:"generatedAt" yaml:"generatedAt"`
	Metrics         Metrics          `json:"metrics" yaml:"metrics"`
	DataMappings    []*DataMapping   `json:"dataMappings" yaml:"dataMappings"`
	ConsentRecords  []*ConsentRecord `json:"consentRecords" yaml:"consentRecords"`
	Recommendations []string         `json:"recommendations" yaml:"recommendations"`
}

// NewAuditReport assembles a report. consents must be ordered newest first;
// only the first ReportConsentLimit are kept.
func NewAuditReport(now time.Time, metrics Metrics, mappings []*DataMapping, consents []*ConsentRecord) *AuditReport {
	if len(consents) > ReportConsentLimit {
		consents = consents[:ReportConsentLimit]
	}
	if mappings == nil {
		mappings = []*DataMapping{}
	}
	if consents == nil {
		consents = []*ConsentRecord{}
	}

	recommendations := make([]string, len(DefaultRecommendations))
	copy(recommendations, DefaultRecommendations)

	return &AuditReport{
		GeneratedAt:     now.UTC(),
		Metrics:         metrics,
		DataMappings:    mappings,
		ConsentRecords:  consents,
		Recommendations: recommendations,
	}
}

// ReportFilename names a report file after the calendar date it was produced.
func ReportFilename(date time.Time, ext string) string {
	return fmt.Sprintf("compliance-audit-report-%s.%s", date.Format("2006-01-02"), ext)
}

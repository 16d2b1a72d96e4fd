package compliance

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
)

// ReportFormat selects how audit reports are serialized
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatYAML ReportFormat = "yaml"
)

// ParseReportFormat accepts "json", "yaml" and "yml". The empty string
// selects JSON.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// Extension is the file extension used for reports in this format
func (f ReportFormat) Extension() string {
	if f == FormatYAML {
		return "yaml"
	}
	return "json"
}

// ContentType is the media type of reports in this format
func (f ReportFormat) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// EncodeReport serializes the report as indented, human-readable text.
func EncodeReport(report *compliance.AuditReport, format ReportFormat) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return nil, fmt.Errorf("encoding yaml report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding yaml report: %w", err)
		}
	case FormatJSON, "":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return nil, fmt.Errorf("encoding json report: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}

	return buf.Bytes(), nil
}

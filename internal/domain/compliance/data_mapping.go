package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// DataMapping catalogues one personal-data flow: what is processed, why,
// under which legal basis and for how long.
type DataMapping struct {
	ID          uuid.UUID `json:"id" yaml:"id"`
	DataType    string    `json:"dataType" yaml:"dataType"`
	Category    string    `json:"category" yaml:"category"`
	Purpose     string    `json:"purpose" yaml:"purpose"`
	LegalBasis  string    `json:"legalBasis" yaml:"legalBasis"`
	Retention   string    `json:"retention" yaml:"retention"`
	RiskLevel   RiskLevel `json:"riskLevel" yaml:"riskLevel"`
	LastUpdated time.Time `json:"lastUpdated" yaml:"lastUpdated"`
}

// DataMappingInput holds the caller-supplied fields of a DataMapping.
type DataMappingInput struct {
	DataType   string    `json:"dataType" validate:"required"`
	Category   string    `json:"category" validate:"required"`
	Purpose    string    `json:"purpose" validate:"required"`
	LegalBasis string    `json:"legalBasis" validate:"required"`
	Retention  string    `json:"retention" validate:"required"`
	RiskLevel  RiskLevel `json:"riskLevel" validate:"required,oneof=low medium high"`
}

func (in DataMappingInput) normalized() DataMappingInput {
	return DataMappingInput{
		DataType:   trim(in.DataType),
		Category:   trim(in.Category),
		Purpose:    trim(in.Purpose),
		LegalBasis: trim(in.LegalBasis),
		Retention:  trim(in.Retention),
		RiskLevel:  RiskLevel(trim(string(in.RiskLevel))),
	}
}

// NewDataMapping validates the input and stamps id and lastUpdated.
func NewDataMapping(in DataMappingInput, now time.Time) (*DataMapping, error) {
	in = in.normalized()
	if err := validateInput("INVALID_DATA_MAPPING", in); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate data mapping id").WithCause(err)
	}

	return &DataMapping{
		ID:          id,
		DataType:    in.DataType,
		Category:    in.Category,
		Purpose:     in.Purpose,
		LegalBasis:  in.LegalBasis,
		Retention:   in.Retention,
		RiskLevel:   in.RiskLevel,
		LastUpdated: now.UTC(),
	}, nil
}

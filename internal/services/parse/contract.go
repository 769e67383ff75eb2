package parse

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// SchemaVersionV1 is the current parse payload contract version.
const SchemaVersionV1 = "v1"

// ContractV1 is the structured payload contract every parse result must
// satisfy before it is cached or stored.
type ContractV1 struct {
	SchemaVersion   string   `json:"schema_version" validate:"required,eq=v1"`
	Title           string   `json:"title" validate:"required,min=1,max=300"`
	Summary         string   `json:"summary" validate:"required,min=1,max=1200"`
	KeyPoints       []string `json:"key_points" validate:"required,min=1,max=12,dive,required"`
	Keywords        []string `json:"keywords" validate:"required,min=1,max=20,dive,required"`
	Sentiment       string   `json:"sentiment" validate:"required,oneof=positive negative neutral mixed"`
	Language        string   `json:"language" validate:"required,min=2,max=8"`
	ConfidenceModel float64  `json:"confidence_model" validate:"gte=0,lte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateContract checks a raw payload against ContractV1 and returns the
// decoded contract. Violations are unrecoverable: retrying the same payload
// cannot fix its shape.
func ValidateContract(payload map[string]any) (*ContractV1, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, UnrecoverableError("encode", fmt.Errorf("payload not encodable: %w", err))
	}

	var contract ContractV1
	if err := json.Unmarshal(data, &contract); err != nil {
		return nil, UnrecoverableError("decode", fmt.Errorf("payload shape mismatch: %w", err))
	}

	if err := validate.Struct(&contract); err != nil {
		return nil, UnrecoverableError("schema_violation", err)
	}
	return &contract, nil
}

// Confidence blends the backend's own score with structural completeness:
// summary length toward 400 chars, key points toward 4, keywords toward 6.
func Confidence(c *ContractV1) float64 {
	structural := 0.4*capRatio(float64(len(c.Summary)), 400) +
		0.3*capRatio(float64(len(c.KeyPoints)), 4) +
		0.3*capRatio(float64(len(c.Keywords)), 6)
	return 0.7*c.ConfidenceModel + 0.3*structural
}

func capRatio(value, target float64) float64 {
	if target <= 0 {
		return 0
	}
	r := value / target
	if r > 1 {
		return 1
	}
	return r
}

package etl

import (
	"strings"
)

// RequiredFieldsStep rejects records missing any of the listed payload fields
// or holding an empty string in them.
type RequiredFieldsStep struct {
	Fields []string
}

func NewValidator(fields ...string) RequiredFieldsStep {
	return RequiredFieldsStep{Fields: fields}
}

func (v RequiredFieldsStep) Name() string { return "required" }

func (v RequiredFieldsStep) Apply(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure) {
	for _, field := range v.Fields {
		val, ok := rec.Payload[field]
		if !ok || val == nil {
			return rec, reject(v.Name(), ReasonMissingField, "missing required field: %s", field)
		}
		if s, isString := val.(string); isString && strings.TrimSpace(s) == "" {
			return rec, reject(v.Name(), ReasonMissingField, "required field %s is empty", field)
		}
	}
	return rec, nil
}

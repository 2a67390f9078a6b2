package etl

import (
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/syncflow/pkg/models"
	"github.com/BartekS5/syncflow/pkg/utils"
)

// Validation reason codes.
const (
	ReasonMissingKey       = "missing_key"
	ReasonMissingField     = "missing_field"
	ReasonTypeConversion   = "type_conversion"
	ReasonInvalidTimestamp = "invalid_timestamp"
)

// ValidationFailure rejects a single record. Code is never empty.
type ValidationFailure struct {
	Step   string
	Code   string
	Reason string
}

func (v *ValidationFailure) Error() string {
	return fmt.Sprintf("%s: %s: %s", v.Step, v.Code, v.Reason)
}

func reject(step, code, format string, args ...any) *ValidationFailure {
	return &ValidationFailure{Step: step, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Step is one transformer in a chain. It either passes a (possibly modified)
// record on or rejects it. Steps must be deterministic and must not keep
// mutable state between calls.
type Step interface {
	Name() string
	Apply(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure)
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName string
	Fn       func(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Apply(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure) {
	return s.Fn(rec)
}

// Chain runs steps in order; the first rejection short-circuits.
type Chain struct {
	sourceID string
	steps    []Step
}

func NewChain(sourceID string, steps ...Step) *Chain {
	return &Chain{sourceID: sourceID, steps: steps}
}

// Transform maps raw into a standardized record. A record leaving the chain
// without a key is rejected with ReasonMissingKey.
func (c *Chain) Transform(raw RawRecord) (StandardizedRecord, *ValidationFailure) {
	rec := StandardizedRecord{SourceID: c.sourceID, Payload: raw.Payload}
	for _, step := range c.steps {
		var vf *ValidationFailure
		rec, vf = step.Apply(rec)
		if vf != nil {
			if vf.Step == "" {
				vf.Step = step.Name()
			}
			return StandardizedRecord{}, vf
		}
	}
	if rec.Key == "" {
		return StandardizedRecord{}, reject("chain", ReasonMissingKey, "record at position %q has no identity key", raw.Position)
	}
	rec.SourceID = c.sourceID
	return rec, nil
}

// TransformResult separates the loadable records of a batch from its rejects.
type TransformResult struct {
	Records []StandardizedRecord
	// Positions holds the raw position of each entry in Records.
	Positions   []string
	Quarantined []QuarantineEntry
}

// TransformBatch runs the chain over every record in order. In strict mode
// the first rejection fails the whole batch with a permanent error; the
// returned result still lists the rejects seen so far.
func (c *Chain) TransformBatch(batch *Batch, strict bool) (TransformResult, error) {
	var res TransformResult
	for _, raw := range batch.Records {
		rec, vf := c.Transform(raw)
		if vf != nil {
			res.Quarantined = append(res.Quarantined, QuarantineEntry{
				SourceID: batch.SourceID,
				BatchID:  batch.ID,
				Position: raw.Position,
				Stage:    StageTransform,
				Code:     vf.Code,
				Reason:   vf.Error(),
				Payload:  raw.Payload,
			})
			if strict {
				return res, Permanent(CodeStrictValidation, vf)
			}
			continue
		}
		res.Records = append(res.Records, rec)
		res.Positions = append(res.Positions, raw.Position)
	}
	return res, nil
}

// MappingStep applies a models.MappingSchema: identity key, timestamp,
// schema version and converted fields.
type MappingStep struct {
	Schema *models.MappingSchema
}

func NewMappingStep(schema *models.MappingSchema) *MappingStep {
	return &MappingStep{Schema: schema}
}

func (m *MappingStep) Name() string { return "mapping" }

func (m *MappingStep) Apply(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure) {
	src := rec.Payload
	out := rec
	out.SchemaVersion = m.Schema.SchemaVersion
	out.Payload = make(map[string]any, len(m.Schema.Fields))

	if m.Schema.PassThrough {
		for k, v := range src {
			out.Payload[k] = v
		}
	}

	idVal, ok := src[m.Schema.IDStrategy.SourceField]
	if !ok || idVal == nil {
		return rec, reject(m.Name(), ReasonMissingKey, "missing identity field %q", m.Schema.IDStrategy.SourceField)
	}
	out.Key = utils.ConvertToString(idVal)

	if tf := m.Schema.TimestampField; tf != "" {
		raw, ok := src[tf]
		if !ok || raw == nil {
			return rec, reject(m.Name(), ReasonInvalidTimestamp, "missing timestamp field %q", tf)
		}
		ts, err := utils.ConvertDateTime(raw, "")
		if err != nil {
			return rec, reject(m.Name(), ReasonInvalidTimestamp, "field %q: %v", tf, err)
		}
		out.Timestamp = ts.(time.Time)
	}

	for _, name := range m.Schema.FieldNames() {
		f := m.Schema.Field(name)
		val, exists := src[f.Source]
		if !exists || val == nil {
			if f.Required {
				return rec, reject(m.Name(), ReasonMissingField, "required field %q is missing", f.Source)
			}
			continue
		}
		converted, err := utils.ConvertValue(val, f)
		if err != nil {
			return rec, reject(m.Name(), ReasonTypeConversion, "field %s: %v", f.Source, err)
		}
		if m.Schema.PassThrough && f.Source != f.Target {
			delete(out.Payload, f.Source)
		}
		out.Payload[f.Target] = converted
	}

	for _, col := range m.Schema.Exclude {
		delete(out.Payload, col)
	}
	return out, nil
}

// KeyFieldStep takes the identity key from a payload field. It is used when
// a source has no mapping schema.
type KeyFieldStep struct {
	Field string
}

func (k KeyFieldStep) Name() string { return "key" }

func (k KeyFieldStep) Apply(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure) {
	v, ok := rec.Payload[k.Field]
	if !ok || v == nil || strings.TrimSpace(utils.ConvertToString(v)) == "" {
		return rec, reject(k.Name(), ReasonMissingKey, "missing identity field %q", k.Field)
	}
	out := rec.With()
	out.Key = utils.ConvertToString(v)
	return out, nil
}

// ExcludeFieldsStep drops fields that must never reach the target.
type ExcludeFieldsStep struct {
	Fields []string
}

func (e ExcludeFieldsStep) Name() string { return "exclude" }

func (e ExcludeFieldsStep) Apply(rec StandardizedRecord) (StandardizedRecord, *ValidationFailure) {
	out := rec.With()
	for _, f := range e.Fields {
		delete(out.Payload, f)
	}
	return out, nil
}
